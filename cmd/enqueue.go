package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/chefia/possync/internal/model"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <entity> <create|update|delete> <payload-json|@file>",
	Short:   "Queue a local mutation for sync",
	Long:    `Appends an operation to the durable queue. The daemon drains it to the central server on the next sync.`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity := args[0]
		action, err := parseAction(args[1])
		if err != nil {
			return err
		}

		raw := []byte(args[2])
		if strings.HasPrefix(args[2], "@") {
			raw, err = os.ReadFile(args[2][1:])
			if err != nil {
				return fmt.Errorf("read payload file: %w", err)
			}
		}
		if !json.Valid(raw) {
			return fmt.Errorf("payload is not valid JSON")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		op, err := a.queue.Enqueue(cmd.Context(), entity, action, raw)
		if err != nil {
			return err
		}
		fmt.Printf("QUEUED %s %s %s (seq %d)\n", op.EntityType, op.Action, op.ID, op.Seq)
		return nil
	},
}

func parseAction(s string) (model.Action, error) {
	switch strings.ToUpper(s) {
	case "CREATE":
		return model.ActionCreate, nil
	case "UPDATE":
		return model.ActionUpdate, nil
	case "DELETE":
		return model.ActionDelete, nil
	}
	return "", fmt.Errorf("unknown action %q (want create, update or delete)", s)
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}
