package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/timeouts"
)

// Retry policy for timer callbacks. Attempts use a fixed backoff; a timer
// that exhausts its attempts is marked dead and logged rather than retried
// forever.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
	defaultClaimLimit  = 50
)

// Handler receives due timer callbacks. Implementations must tolerate
// replays: a timer can fire more than once after a crash between the
// callback and its completion write.
type Handler interface {
	HandleWarning(ctx context.Context, tenantID, sessionID string) error
	HandleExpiry(ctx context.Context, tenantID, sessionID string) error
}

// RunnerConfig tunes the timer poll loop. Zero values fall back to
// defaults.
type RunnerConfig struct {
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	ClaimLimit   int
}

// Runner polls for due timers and dispatches them to the handler.
type Runner struct {
	store   Store
	handler Handler
	clock   func() time.Time
	config  RunnerConfig
}

// NewRunner constructs the timer poll loop.
func NewRunner(store Store, handler Handler, clock func() time.Time, config RunnerConfig) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("timer store is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("timer handler is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if config.PollInterval <= 0 {
		config.PollInterval = timeouts.SchedulerPoll
	}
	if config.Lease <= 0 {
		config.Lease = timeouts.SchedulerLease
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	if config.ClaimLimit <= 0 {
		config.ClaimLimit = defaultClaimLimit
	}
	return &Runner{store: store, handler: handler, clock: clock, config: config}, nil
}

// Run polls for due timers until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("timer tick: %v", err)
			}
		}
	}
}

// Tick claims one batch of due timers and dispatches them.
func (r *Runner) Tick(ctx context.Context) error {
	now := r.clock().UTC()
	claimed, err := r.store.ClaimDueTimers(ctx, now, r.config.Lease, r.config.ClaimLimit)
	if err != nil {
		return fmt.Errorf("claim due timers: %w", err)
	}
	for _, timer := range claimed {
		r.dispatch(ctx, timer)
	}
	return nil
}

func (r *Runner) dispatch(ctx context.Context, timer storage.TimerRecord) {
	var err error
	switch timer.Kind {
	case storage.TimerWarning:
		err = r.handler.HandleWarning(ctx, timer.TenantID, timer.SessionID)
	case storage.TimerExpiry:
		err = r.handler.HandleExpiry(ctx, timer.TenantID, timer.SessionID)
	default:
		err = fmt.Errorf("unknown timer kind %q", timer.Kind)
	}

	if err == nil {
		// Completion targets the claimed row only; an extension that
		// rearmed the timer mid-callback keeps its new fire time.
		if completeErr := r.store.CompleteTimer(ctx, timer); completeErr != nil {
			log.Printf("complete %s timer for session %s: %v", timer.Kind, timer.SessionID, completeErr)
		}
		return
	}

	attempt := timer.AttemptCount + 1
	dead := attempt >= r.config.MaxAttempts
	fireAt := r.clock().UTC().Add(r.config.Backoff)
	if dead {
		log.Printf("%s timer for session %s dead after %d attempts: %v", timer.Kind, timer.SessionID, attempt, err)
	} else {
		log.Printf("%s timer for session %s attempt %d failed, retrying: %v", timer.Kind, timer.SessionID, attempt, err)
	}
	if retryErr := r.store.RetryTimer(ctx, timer, attempt, fireAt, err.Error(), dead, r.clock().UTC()); retryErr != nil {
		log.Printf("requeue %s timer for session %s: %v", timer.Kind, timer.SessionID, retryErr)
	}
}
