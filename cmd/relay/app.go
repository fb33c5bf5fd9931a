package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/zulandar/relay/internal/config"
	"github.com/zulandar/relay/internal/db"
	"github.com/zulandar/relay/internal/dedup"
	"github.com/zulandar/relay/internal/logging"
	"github.com/zulandar/relay/internal/normalize"
	"github.com/zulandar/relay/internal/ratelimit"
	"github.com/zulandar/relay/internal/relay"
	"github.com/zulandar/relay/internal/relay/discord"
	"github.com/zulandar/relay/internal/relay/gpttrainer"
	"github.com/zulandar/relay/internal/relay/intercom"
	"github.com/zulandar/relay/internal/relay/slack"
	"github.com/zulandar/relay/internal/retry"
	"github.com/zulandar/relay/internal/session"
	"gorm.io/gorm"
)

// app is the wired component graph shared by the commands.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	logger   *slog.Logger
	policy   *retry.Policy
	sessions *session.Store
	dedup    *dedup.Deduplicator
	limiter  *ratelimit.Limiter
	platform *intercom.Client
	coord    *relay.Coordinator
}

// newApp connects to the store, migrates it and wires the coordinator.
// Logs go to logOut.
func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logging.Opts{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: logOut})
	if err != nil {
		return nil, err
	}

	gormDB, err := db.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: gormDB, logger: logger}

	a.sessions, err = session.NewStore(session.StoreOpts{DB: gormDB, TTL: cfg.Session.TTL})
	if err != nil {
		return nil, err
	}
	a.dedup, err = dedup.New(dedup.Opts{DB: gormDB, Retention: cfg.Session.TTL})
	if err != nil {
		return nil, err
	}
	a.limiter, err = ratelimit.New(ratelimit.Opts{DB: gormDB, Limits: ratelimit.Limits{
		PerConversation:    cfg.Limits.PerConversation,
		ConversationWindow: cfg.Limits.ConversationWindow,
		Global:             cfg.Limits.Global,
		GlobalWindow:       cfg.Limits.GlobalWindow,
	}})
	if err != nil {
		return nil, err
	}
	a.policy = retry.New(retry.Opts{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		InitialDelay:     cfg.Retry.InitialDelay,
		Multiplier:       cfg.Retry.Multiplier,
		MaxDelay:         cfg.Retry.MaxDelay,
		CallTimeout:      cfg.Retry.CallTimeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		Logger:           logger,
	})

	a.platform, err = intercom.New(intercom.Opts{
		BaseURL:     cfg.Intercom.BaseURL,
		AccessToken: cfg.Intercom.AccessToken,
		Timeout:     cfg.Retry.CallTimeout,
	})
	if err != nil {
		return nil, err
	}
	responder, err := gpttrainer.New(gpttrainer.Opts{
		BaseURL:     cfg.GPTTrainer.BaseURL,
		APIKey:      cfg.GPTTrainer.APIKey,
		ChatbotUUID: cfg.GPTTrainer.ChatbotUUID,
		Timeout:     cfg.Retry.CallTimeout,
	})
	if err != nil {
		return nil, err
	}

	events, err := newEventSink(cfg, logger)
	if err != nil {
		return nil, err
	}
	locker, err := newLocker(cfg, gormDB, logger)
	if err != nil {
		return nil, err
	}

	a.coord, err = relay.NewCoordinator(relay.CoordinatorOpts{
		DB:        gormDB,
		Sessions:  a.sessions,
		Dedup:     a.dedup,
		Limiter:   a.limiter,
		Policy:    a.policy,
		Platform:  a.platform,
		Responder: responder,
		Normalizer: relay.Normalizer{Classifier: normalize.Classifier{
			SelfAdminID:    cfg.Intercom.AdminID,
			AgentIDs:       cfg.Intercom.AgentIDs,
			BotNameMarkers: cfg.Intercom.BotNameMarkers,
		}},
		Locker:            locker,
		Events:            events,
		Logger:            logger,
		SelfAdminID:       cfg.Intercom.AdminID,
		ReleasePhrases:    cfg.Takeover.ReleasePhrases,
		EmergencyStopFile: cfg.EmergencyStopFile,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newEventSink logs every event and forwards alerts to the configured chat
// channels.
func newEventSink(cfg *config.Config, logger *slog.Logger) (relay.EventSink, error) {
	sinks := relay.MultiSink{relay.LogSink{Logger: logger}}
	if cfg.Alerts.Slack.BotToken != "" {
		s, err := slack.New(slack.SinkOpts{BotToken: cfg.Alerts.Slack.BotToken, ChannelID: cfg.Alerts.Slack.Channel, Logger: logger})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Alerts.Discord.BotToken != "" {
		s, err := discord.New(discord.SinkOpts{BotToken: cfg.Alerts.Discord.BotToken, ChannelID: cfg.Alerts.Discord.Channel, Logger: logger})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// newLocker picks the per-conversation lock. A shared MySQL store may be
// used by several instances, so it gets database leases; sqlite is
// single-process.
func newLocker(cfg *config.Config, gormDB *gorm.DB, logger *slog.Logger) (relay.Locker, error) {
	if cfg.Store.Driver != "mysql" {
		return relay.NewKeyedMutex(), nil
	}
	return relay.NewLeaseLocker(relay.LeaseLockerOpts{DB: gormDB, Logger: logger})
}

// newPoller builds the polling event source from config.
func (a *app) newPoller() (*relay.Poller, error) {
	return relay.NewPoller(relay.PollerOpts{
		Platform:          a.platform,
		Handler:           a.coord,
		Policy:            a.policy,
		Interval:          a.cfg.Poller.Interval,
		FirstLookback:     a.cfg.Poller.FirstLookback,
		Concurrency:       a.cfg.Poller.Concurrency,
		RequestsPerSecond: a.cfg.Poller.RequestsPerSecond,
		Logger:            a.logger,
	})
}

// close releases the database connection.
func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
