package main

import "github.com/felixgeelhaar/rewind/cmd/rewind/cli"

func main() {
	cli.Execute()
}
