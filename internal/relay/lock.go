package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/relay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultLeaseTimeout is the duration after which a lease's heartbeat is
// considered stale and the lease can be reclaimed by another instance.
const DefaultLeaseTimeout = 90 * time.Second

// ErrLeaseHeld is returned when another holder owns a conversation lease.
var ErrLeaseHeld = errors.New("relay: conversation lease held")

// Locker serializes work per conversation. Lock blocks until the key is
// free or ctx is done and returns the function that releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, e)
		return nil, fmt.Errorf("relay: lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.drop(key, e)
		})
	}, nil
}

func (k *KeyedMutex) drop(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// AcquireLease takes the cross-instance lease on a conversation for holder.
// Stale leases (heartbeat older than timeout) are removed first. Returns
// ErrLeaseHeld if a live lease belongs to someone else.
func AcquireLease(ctx context.Context, db *gorm.DB, conversationID, holder string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLeaseTimeout
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		if err := tx.Where("conversation_id = ? AND last_heartbeat < ?", conversationID, now.Add(-timeout)).
			Delete(&models.ConversationLease{}).Error; err != nil {
			return fmt.Errorf("expire stale lease: %w", err)
		}

		lease := models.ConversationLease{
			ConversationID: conversationID,
			Holder:         holder,
			AcquiredAt:     now,
			LastHeartbeat:  now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
		if res.Error != nil {
			return fmt.Errorf("create lease: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var existing models.ConversationLease
		if err := tx.Where("conversation_id = ?", conversationID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLeaseHeld
			}
			return fmt.Errorf("check existing lease: %w", err)
		}
		if existing.Holder == holder {
			return tx.Model(&existing).Update("last_heartbeat", now).Error
		}
		return fmt.Errorf("held by %s: %w", existing.Holder, ErrLeaseHeld)
	})
	if err != nil {
		return fmt.Errorf("relay: acquire lease %s: %w", conversationID, err)
	}
	return nil
}

// ReleaseLease deletes holder's lease on a conversation.
func ReleaseLease(ctx context.Context, db *gorm.DB, conversationID, holder string) error {
	result := db.WithContext(ctx).
		Where("conversation_id = ? AND holder = ?", conversationID, holder).
		Delete(&models.ConversationLease{})
	if result.Error != nil {
		return fmt.Errorf("relay: release lease %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("relay: release lease %s: not held by %s", conversationID, holder)
	}
	return nil
}

// RenewLease refreshes the heartbeat of holder's lease.
func RenewLease(ctx context.Context, db *gorm.DB, conversationID, holder string) error {
	result := db.WithContext(ctx).Model(&models.ConversationLease{}).
		Where("conversation_id = ? AND holder = ?", conversationID, holder).
		Update("last_heartbeat", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("relay: renew lease %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("relay: renew lease %s: not held by %s", conversationID, holder)
	}
	return nil
}

// PruneLeases deletes leases whose heartbeat is older than timeout.
func PruneLeases(ctx context.Context, db *gorm.DB, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = DefaultLeaseTimeout
	}
	result := db.WithContext(ctx).
		Where("last_heartbeat < ?", time.Now().UTC().Add(-timeout)).
		Delete(&models.ConversationLease{})
	if result.Error != nil {
		return 0, fmt.Errorf("relay: prune leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// LeaseLocker serializes conversations across instances sharing one
// database. It takes the in-process lock first, then the lease row, and
// heartbeats the lease while held.
type LeaseLocker struct {
	local    *KeyedMutex
	db       *gorm.DB
	holder   string
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// LeaseLockerOpts holds parameters for creating a LeaseLocker.
type LeaseLockerOpts struct {
	DB            *gorm.DB
	Holder        string        // defaults to a random UUID
	Timeout       time.Duration // defaults to DefaultLeaseTimeout
	RetryInterval time.Duration // defaults to 250ms
	Logger        *slog.Logger
}

// NewLeaseLocker creates a LeaseLocker.
func NewLeaseLocker(opts LeaseLockerOpts) (*LeaseLocker, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: lease locker: db is required")
	}
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLeaseTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LeaseLocker{
		local:    NewKeyedMutex(),
		db:       opts.DB,
		holder:   opts.Holder,
		timeout:  opts.Timeout,
		interval: opts.RetryInterval,
		logger:   opts.Logger,
	}, nil
}

// Holder returns this instance's lease holder ID.
func (l *LeaseLocker) Holder() string { return l.holder }

// Lock acquires key locally and then across instances.
func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	for {
		err := AcquireLease(ctx, l.db, key, l.holder, l.timeout)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrLeaseHeld) {
			unlockLocal()
			return nil, err
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("relay: lock %s: %w", key, ctx.Err())
		case <-time.After(l.interval):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.heartbeat(key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := ReleaseLease(context.Background(), l.db, key, l.holder); err != nil {
				l.logger.Warn("lease_release_failed", "conversation_id", key, "error", err.Error())
			}
			unlockLocal()
		})
	}, nil
}

func (l *LeaseLocker) heartbeat(key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := RenewLease(context.Background(), l.db, key, l.holder); err != nil {
				l.logger.Warn("lease_heartbeat_failed", "conversation_id", key, "error", err.Error())
			}
		}
	}
}
