package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/relay/internal/relay"
)

func newPollCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll Intercom for conversations needing a reply",
		Long:  "Runs the conversation poller without the webhook server. With --once, runs a single cycle and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(cmd, configPath, once)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to relay config file")
	cmd.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")
	return cmd
}

func runPoll(cmd *cobra.Command, configPath string, once bool) error {
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

	p, err := a.newPoller()
	if err != nil {
		return err
	}
	if !once {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Fprintf(out, "Polling every %s\n", cfg.Poller.Interval)
		return p.Run(ctx)
	}

	res, err := p.Poll(cmd.Context())
	if err != nil {
		return err
	}
	printPollResult(cmd, res)
	return nil
}

func printPollResult(cmd *cobra.Command, res relay.PollResult) {
	out := cmd.OutOrStdout()
	if res.Skipped {
		fmt.Fprintln(out, "Emergency stop active, poll skipped")
		return
	}
	fmt.Fprintf(out, "Polled %d conversations\n", res.Conversations)
	kinds := make([]string, 0, len(res.Outcomes))
	for k := range res.Outcomes {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-14s %d\n", k, res.Outcomes[relay.OutcomeKind(k)])
	}
}
