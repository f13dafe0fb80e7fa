package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/rewind/internal/archive"
)

var exportAll bool

var exportCmd = &cobra.Command{
	Use:   "export PATH",
	Short: "Write a SQLite snapshot of one or all stores",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			entries, err := a.entries(exportAll)
			if err != nil {
				return err
			}

			db, err := archive.Open(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now()
			for _, e := range entries {
				s, err := a.reg.Get(cmd.Context(), e.ID)
				if err != nil {
					return err
				}
				records := s.Records()
				if err := db.ExportStore(cmd.Context(), e.ID, e.Name, records, now); err != nil {
					return fmt.Errorf("export %s: %w", e.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records from %s\n", len(records), e.Name)
			}
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportAll, "all", false, "Export every store")
	RootCmd.AddCommand(exportCmd)
}
