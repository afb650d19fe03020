package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chefia/possync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize terminal state in the current directory",
	Long:    `Creates the local .possync directory, mints the terminal identity and writes a default config.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(filepath.Join(getBaseDir(), ".possync", "config.json")); err == nil {
			fmt.Println(".possync/ already initialized")
			return nil
		}

		cfg, err := syncconfig.Load(getBaseDir())
		if err != nil {
			return err
		}
		if cfg.RemoteURL == "" {
			cfg.RemoteURL = cfg.GetRemoteURL()
		}
		if cfg.RelayURL == "" {
			cfg.RelayURL = cfg.GetRelayURL()
		}
		if len(cfg.TrackedCollections) == 0 {
			cfg.TrackedCollections = syncconfig.DefaultTrackedCollections
		}
		if err := syncconfig.Save(getBaseDir(), cfg); err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("INITIALIZED .possync/")
		fmt.Printf("Terminal: %s\n", a.identity.TerminalID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
