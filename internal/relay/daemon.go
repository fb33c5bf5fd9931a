package relay

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-running component that stops when ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Daemon runs the event sources and maintenance job side by side until the
// context is cancelled or one of them fails.
type Daemon struct {
	components map[string]Runner
	order      []string
	out        io.Writer
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Poller      Runner    // optional
	Webhook     Runner    // optional
	Maintenance Runner    // optional
	Out         io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon. At least one event source is required.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Poller == nil && opts.Webhook == nil {
		return nil, fmt.Errorf("relay: daemon: poller or webhook is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	d := &Daemon{components: make(map[string]Runner), out: out}
	for _, c := range []struct {
		name string
		r    Runner
	}{
		{"poller", opts.Poller},
		{"webhook", opts.Webhook},
		{"maintenance", opts.Maintenance},
	} {
		if c.r != nil {
			d.components[c.name] = c.r
			d.order = append(d.order, c.name)
		}
	}
	return d, nil
}

// Run blocks until ctx is cancelled or a component returns an error.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Relay starting (%d components)...\n", len(d.order))
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range d.order {
		r := d.components[name]
		fmt.Fprintf(d.out, "  %s: started\n", name)
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				return fmt.Errorf("relay: %s: %w", name, err)
			}
			return nil
		})
	}
	fmt.Fprintf(d.out, "Relay online\n")
	err := g.Wait()
	fmt.Fprintf(d.out, "Relay stopped\n")
	return err
}
