package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CLIProvider describes images by running a local tool. Arguments may hold
// the {prompt} and {image} placeholders; without them the prompt and the
// image path are appended.
type CLIProvider struct {
	binaryPath string
	args       []string
	timeout    time.Duration
}

func NewCLIProvider(binaryPath string, args []string) (*CLIProvider, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("binary path is required for CLI provider")
	}
	return &CLIProvider{
		binaryPath: binaryPath,
		args:       args,
		timeout:    2 * time.Minute,
	}, nil
}

func (p *CLIProvider) Name() string {
	return "cli-" + filepath.Base(p.binaryPath)
}

func (p *CLIProvider) Describe(ctx context.Context, img Image) (string, error) {
	path := img.Path
	if path == "" {
		tmp, err := os.CreateTemp("", "rewind-capture-*."+img.Format())
		if err != nil {
			return "", fmt.Errorf("failed to stage image: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(img.Data); err != nil {
			tmp.Close()
			return "", fmt.Errorf("failed to stage image: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return "", fmt.Errorf("failed to stage image: %w", err)
		}
		path = tmp.Name()
	}

	fullArgs := expandArgs(p.args, DescribePrompt, path)

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.binaryPath, fullArgs...) // #nosec G204
	output, err := cmd.Output()
	result := strings.TrimSpace(string(output))

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("cli describer timed out: %w", err)
		}
		return "", fmt.Errorf("cli describer failed: %w\nOutput: %s", err, result)
	}
	return result, nil
}

func (p *CLIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("cli embeddings: %w", ErrNotSupported)
}

func expandArgs(args []string, prompt, image string) []string {
	out := make([]string, 0, len(args)+2)
	placed := false
	for _, a := range args {
		switch a {
		case "{prompt}":
			out = append(out, prompt)
			placed = true
		case "{image}":
			out = append(out, image)
			placed = true
		default:
			out = append(out, a)
		}
	}
	if !placed {
		out = append(out, prompt, image)
	}
	return out
}
