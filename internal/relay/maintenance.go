package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/relay/internal/dedup"
	"github.com/zulandar/relay/internal/ratelimit"
	"gorm.io/gorm"
)

// DefaultPruneSchedule runs maintenance every 15 minutes.
const DefaultPruneSchedule = "*/15 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a valid 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("relay: schedule %q: %w", expr, err)
	}
	return nil
}

// PruneResult counts rows removed by one maintenance pass.
type PruneResult struct {
	Deliveries int64
	Windows    int64
	Leases     int64
}

// Maintenance prunes expired dedup keys, rate windows and stale leases.
// Conversation records are never pruned.
type Maintenance struct {
	db           *gorm.DB
	dedup        *dedup.Deduplicator
	limiter      *ratelimit.Limiter
	schedule     string
	leaseTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// MaintenanceOpts holds parameters for creating a Maintenance job.
type MaintenanceOpts struct {
	DB           *gorm.DB
	Dedup        *dedup.Deduplicator
	Limiter      *ratelimit.Limiter
	Schedule     string        // defaults to DefaultPruneSchedule
	LeaseTimeout time.Duration // defaults to DefaultLeaseTimeout
	Logger       *slog.Logger
	Now          func() time.Time
}

// NewMaintenance creates a Maintenance job.
func NewMaintenance(opts MaintenanceOpts) (*Maintenance, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: maintenance: db is required")
	}
	if opts.Dedup == nil || opts.Limiter == nil {
		return nil, fmt.Errorf("relay: maintenance: deduplicator and limiter are required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultPruneSchedule
	}
	if err := ValidateSchedule(opts.Schedule); err != nil {
		return nil, err
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Maintenance{
		db:           opts.DB,
		dedup:        opts.Dedup,
		limiter:      opts.Limiter,
		schedule:     opts.Schedule,
		leaseTimeout: opts.LeaseTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
	}, nil
}

// Prune runs one maintenance pass.
func (m *Maintenance) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	now := m.now()
	var err error
	if res.Deliveries, err = m.dedup.Prune(ctx, now); err != nil {
		return res, err
	}
	if res.Windows, err = m.limiter.Prune(ctx, now); err != nil {
		return res, err
	}
	if res.Leases, err = PruneLeases(ctx, m.db, m.leaseTimeout); err != nil {
		return res, err
	}
	m.logger.Info("maintenance_pruned",
		"deliveries", res.Deliveries,
		"windows", res.Windows,
		"leases", res.Leases,
	)
	return res, nil
}

// Run prunes on the cron schedule until ctx is done.
func (m *Maintenance) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(m.schedule, func() {
		if _, err := m.Prune(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("maintenance_failed", "error", err.Error())
		}
	}); err != nil {
		return fmt.Errorf("relay: maintenance: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
