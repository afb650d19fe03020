package cmd

import (
	"fmt"

	"github.com/chefia/possync/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show terminal sync status",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.queue.ListPending(ctx)
		if err != nil {
			return err
		}
		backups, err := a.backup.List(ctx)
		if err != nil {
			return err
		}

		online := false
		if _, err := a.remote.HealthCheck(ctx); err == nil {
			online = true
		}

		fmt.Printf("Terminal:  %s\n", a.identity.TerminalID)
		fmt.Printf("Remote:    %s (online: %v)\n", a.cfg.GetRemoteURL(), online)
		fmt.Printf("Pending:   %d operation(s)\n", len(pending))
		fmt.Printf("Backups:   %d snapshot(s)\n", len(backups))

		if lastSync, err := a.store.Get(ctx, store.CollectionConfig, "last_sync_time"); err == nil && lastSync != nil {
			fmt.Printf("Last sync: %s\n", lastSync)
		} else {
			fmt.Println("Last sync: never")
		}

		for _, op := range pending {
			fmt.Printf("  #%d %s %s attempts=%d/%d", op.Seq, op.EntityType, op.Action, op.Attempts, op.MaxAttempts)
			if op.LastError != "" {
				fmt.Printf(" last_error=%q", op.LastError)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
