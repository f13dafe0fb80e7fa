package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var deleteConfirmed bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage memory stores",
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memory stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			active := a.reg.ActiveID()
			var rows [][]string
			for _, e := range a.reg.List() {
				s, err := a.reg.Get(cmd.Context(), e.ID)
				if err != nil {
					return err
				}
				marker := ""
				if e.ID == active {
					marker = "*"
				}
				st := s.Stats()
				rows = append(rows, []string{
					marker,
					e.Name,
					e.ID,
					strconv.Itoa(st.Total),
					strconv.Itoa(st.Unindexed()),
					e.LastAccessedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"", "NAME", "ID", "RECORDS", "UNINDEXED", "LAST USED"}, rows))
			return nil
		})
	},
}

var dbCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a memory store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			e, err := a.reg.Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), infoStyle.Render(fmt.Sprintf("Created store %s (%s)", e.Name, e.ID)))
			return nil
		})
	},
}

var dbSwitchCmd = &cobra.Command{
	Use:   "switch ID|NAME",
	Short: "Make a store the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			e, err := a.reg.Resolve(args[0])
			if err != nil {
				return err
			}
			if e, err = a.reg.Switch(cmd.Context(), e.ID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), infoStyle.Render(fmt.Sprintf("Switched to %s (%s)", e.Name, e.ID)))
			return nil
		})
	},
}

var dbRenameCmd = &cobra.Command{
	Use:   "rename ID|NAME NEW_NAME",
	Short: "Rename a store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			e, err := a.reg.Resolve(args[0])
			if err != nil {
				return err
			}
			old := e.Name
			if e, err = a.reg.Rename(cmd.Context(), e.ID, args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), infoStyle.Render(fmt.Sprintf("Renamed %s to %s", old, e.Name)))
			return nil
		})
	},
}

var dbDeleteCmd = &cobra.Command{
	Use:   "delete ID|NAME",
	Short: "Delete a store and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !deleteConfirmed {
			return errors.New("refusing to delete without --yes")
		}
		return withApp(cmd, func(a *app) error {
			e, err := a.reg.Resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.reg.Delete(cmd.Context(), e.ID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), infoStyle.Render(fmt.Sprintf("Deleted %s (%s)", e.Name, e.ID)))
			if next, err := a.reg.Entry(a.reg.ActiveID()); err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("Active store: "+next.Name))
			}
			return nil
		})
	},
}

func init() {
	dbDeleteCmd.Flags().BoolVarP(&deleteConfirmed, "yes", "y", false, "Confirm deletion")

	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbCreateCmd)
	dbCmd.AddCommand(dbSwitchCmd)
	dbCmd.AddCommand(dbRenameCmd)
	dbCmd.AddCommand(dbDeleteCmd)
	RootCmd.AddCommand(dbCmd)
}
