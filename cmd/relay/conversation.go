package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/relay/internal/models"
	"github.com/zulandar/relay/internal/session"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect and reset conversation records",
	}

	cmd.AddCommand(newConversationShowCmd())
	cmd.AddCommand(newConversationResetCmd())
	return cmd
}

func newConversationShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the stored state of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	return cmd
}

func newConversationResetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Hand a conversation back to the AI",
		Long:  "Clears an admin takeover so the next user message is answered again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationReset(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	return cmd
}

func runConversationShow(cmd *cobra.Command, configPath, id string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.coord.Record(cmd.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return err
	}
	printRecord(cmd.OutOrStdout(), rec)
	return nil
}

func runConversationReset(cmd *cobra.Command, configPath, id string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	to, err := a.coord.Reset(cmd.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s reset to %s\n", id, to)
	return nil
}

func printRecord(out io.Writer, rec *models.ConversationRecord) {
	fmt.Fprintf(out, "Conversation: %s\n", rec.ConversationID)
	fmt.Fprintf(out, "State:        %s\n", rec.State)
	fmt.Fprintf(out, "AI session:   %s\n", orDash(rec.SessionID()))
	fmt.Fprintf(out, "Expires:      %s\n", rec.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Last message: %s\n", orDash(rec.LastProcessedMessageID))
	if rec.LastProcessedAt != nil {
		fmt.Fprintf(out, "Processed at: %s\n", rec.LastProcessedAt.UTC().Format(time.RFC3339))
	}
	if rec.TakeoverBy != "" {
		fmt.Fprintf(out, "Takeover by:  %s\n", rec.TakeoverBy)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
