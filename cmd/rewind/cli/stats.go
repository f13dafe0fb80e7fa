package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/rewind/internal/memory"
)

var statsAll bool

type storeStats struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	memory.Stats
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			entries, err := a.entries(statsAll)
			if err != nil {
				return err
			}
			active := a.reg.ActiveID()

			var all []storeStats
			for _, e := range entries {
				s, err := a.reg.Get(cmd.Context(), e.ID)
				if err != nil {
					return err
				}
				all = append(all, storeStats{ID: e.ID, Name: e.Name, Active: e.ID == active, Stats: s.Stats()})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}

			rows := make([][]string, 0, len(all))
			for _, st := range all {
				rows = append(rows, []string{
					st.Name,
					strconv.Itoa(st.Total),
					strconv.Itoa(st.Completed),
					strconv.Itoa(st.Pending),
					strconv.Itoa(st.Processing),
					strconv.Itoa(st.Failed),
				})
			}
			fmt.Fprintln(out, titleStyle.Render("Memory"))
			fmt.Fprint(out, renderTable([]string{"STORE", "TOTAL", "COMPLETED", "PENDING", "PROCESSING", "FAILED"}, rows))
			return nil
		})
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsAll, "all", false, "Show every store")
	RootCmd.AddCommand(statsCmd)
}
