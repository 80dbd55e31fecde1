package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablekit/tablesync/internal/table"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local table status",
	Long: `Display every local table with its row count, sync health, and the
time of its last completed sync pass.

Tables holding checkpoint or conflict rows are flagged: both block row
synchronization until resolved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()

		tableIDs, err := db.ListTableIDs(ctx)
		if err != nil {
			return err
		}
		if len(tableIDs) == 0 {
			fmt.Println("No local tables")
			return nil
		}

		fmt.Printf("App: %s\n\n", db.AppName())
		for _, tableID := range tableIDs {
			oc, err := db.GetColumnDefinitions(ctx, tableID)
			if err != nil {
				return err
			}
			ut, err := db.GetRows(ctx, oc, table.Query{})
			if err != nil {
				return err
			}
			health, err := db.GetTableHealth(ctx, tableID)
			if err != nil {
				return err
			}
			lastSync, err := db.GetLastSyncTime(ctx, tableID)
			if err != nil {
				return err
			}
			if lastSync == "" {
				lastSync = "never"
			}

			flags := ""
			if health.HasCheckpoints {
				flags += " [checkpoints]"
			}
			if health.HasConflicts {
				flags += " [conflicts]"
			}
			fmt.Printf("%-24s rows=%-6d last_sync=%s%s\n",
				tableID, ut.NumRows(), lastSync, flags)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
