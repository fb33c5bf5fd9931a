package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/relay/internal/relay"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the relay config",
		Long:  "Loads the config file and environment overrides and reports any problems.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	return cmd
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := relay.ValidateSchedule(cfg.Maintenance.PruneCron); err != nil {
		return err
	}

	var sources []string
	if cfg.PollerEnabled() {
		sources = append(sources, fmt.Sprintf("poller(%s)", cfg.Poller.Interval))
	}
	if cfg.WebhookEnabled() {
		sources = append(sources, fmt.Sprintf("webhook(:%d)", cfg.Webhook.Port))
	}
	var alerts []string
	if cfg.Alerts.Slack.BotToken != "" {
		alerts = append(alerts, "slack")
	}
	if cfg.Alerts.Discord.BotToken != "" {
		alerts = append(alerts, "discord")
	}
	if len(alerts) == 0 {
		alerts = append(alerts, "none")
	}

	fmt.Fprintf(out, "Config OK: %s\n", configPath)
	fmt.Fprintf(out, "  store:   %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "  sources: %s\n", strings.Join(sources, ", "))
	fmt.Fprintf(out, "  limits:  %d per conversation per %s, %d per %s\n",
		cfg.Limits.PerConversation, cfg.Limits.ConversationWindow, cfg.Limits.Global, cfg.Limits.GlobalWindow)
	fmt.Fprintf(out, "  alerts:  %s\n", strings.Join(alerts, ", "))
	if len(cfg.Intercom.ClientSecrets) == 0 && cfg.WebhookEnabled() {
		fmt.Fprintln(out, "  warning: no intercom client secret, webhook signatures will not be verified")
	}
	return nil
}
