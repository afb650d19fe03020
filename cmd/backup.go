package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	Short:   "Create a snapshot of local state",
	GroupID: "backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.backup.CreateBackup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("BACKUP %s (%d entries, %d pending)\n", snap.ID, snap.TotalEntries, len(snap.PendingOperations))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.backup.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("no backups")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  entries=%d pending=%d terminal=%s\n", s.ID, s.TotalEntries, len(s.PendingOperations), s.TerminalID)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:     "restore [backup-id]",
	Short:   "Restore local state from a snapshot",
	Long:    `Replaces local collections with the named snapshot (most recent when omitted) and re-enqueues its pending operations.`,
	GroupID: "backup",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		snap, err := a.backup.RestoreBackup(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("RESTORED %s (%d entries, %d re-enqueued)\n", snap.ID, snap.TotalEntries, len(snap.PendingOperations))
		return nil
	},
}

var (
	flagExportOut string

	exportCmd = &cobra.Command{
		Use:     "export [backup-id]",
		Short:   "Export a snapshot as portable JSON",
		GroupID: "backup",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			data, err := a.backup.ExportBackup(cmd.Context(), id)
			if err != nil {
				return err
			}
			if flagExportOut == "" || flagExportOut == "-" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(flagExportOut, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("EXPORTED %s\n", flagExportOut)
			return nil
		},
	}
)

var (
	flagImportRestore bool

	importCmd = &cobra.Command{
		Use:     "import <file>",
		Short:   "Import an exported snapshot",
		GroupID: "backup",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.backup.ImportBackup(cmd.Context(), raw, flagImportRestore)
			if err != nil {
				return err
			}
			if flagImportRestore {
				fmt.Printf("IMPORTED AND RESTORED %s\n", snap.ID)
			} else {
				fmt.Printf("IMPORTED %s (restore with: possync restore %s)\n", snap.ID, snap.ID)
			}
			return nil
		},
	}
)

var (
	flagCleanupDays int

	cleanupCmd = &cobra.Command{
		Use:     "cleanup",
		Short:   "Prune old snapshots",
		Long:    `Deletes snapshots older than the retention window. The newest snapshot is always kept.`,
		GroupID: "backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			days := flagCleanupDays
			if days <= 0 {
				days = a.cfg.GetBackupDays()
			}
			removed, err := a.backup.CleanupOldBackups(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Printf("REMOVED %d snapshot(s)\n", removed)
			return nil
		},
	}
)

func init() {
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "output file (default: stdout)")
	importCmd.Flags().BoolVar(&flagImportRestore, "restore", false, "restore immediately after import")
	cleanupCmd.Flags().IntVar(&flagCleanupDays, "days", 0, "retention window in days (default: config backup_days)")

	backupCmd.AddCommand(backupListCmd)
	rootCmd.AddCommand(backupCmd, restoreCmd, exportCmd, importCmd, cleanupCmd)
}
