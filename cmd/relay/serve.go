package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/relay/internal/relay"
	"github.com/zulandar/relay/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		Long: "Migrates the store, then runs the webhook server, the conversation poller and the\n" +
			"maintenance job until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()
	fmt.Fprintf(out, "Store %s ready\n", cfg.Store.Driver)

	opts := relay.DaemonOpts{Out: out}
	if cfg.PollerEnabled() {
		p, err := a.newPoller()
		if err != nil {
			return err
		}
		opts.Poller = p
	}
	if cfg.WebhookEnabled() {
		srv, err := webhook.NewServer(webhook.ServerOpts{
			Coordinator:   a.coord,
			Port:          cfg.Webhook.Port,
			ClientSecrets: cfg.Intercom.ClientSecrets,
			AdminToken:    cfg.Webhook.AdminToken,
			BatchWait:     cfg.Webhook.BatchWait,
			Logger:        a.logger,
			Out:           out,
		})
		if err != nil {
			return err
		}
		opts.Webhook = srv
	}
	m, err := relay.NewMaintenance(relay.MaintenanceOpts{
		DB:       a.db,
		Dedup:    a.dedup,
		Limiter:  a.limiter,
		Schedule: cfg.Maintenance.PruneCron,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	opts.Maintenance = m

	daemon, err := relay.NewDaemon(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return daemon.Run(ctx)
}
