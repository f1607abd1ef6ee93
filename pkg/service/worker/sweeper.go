package worker

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/robfig/cron/v3"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultSweepSchedule    = "@every 10m"
	DefaultSweepConcurrency = 4
)

// Enforcer applies the retention policy on demand
type Enforcer interface {
	// Pending returns conversations whose eviction failed after insert
	Pending() []types.ConversationID

	// OverCapacity returns conversations currently above capacity
	OverCapacity(ctx context.Context) ([]types.ConversationID, error)

	// Enforce evicts the overflow of one conversation under its lock
	Enforce(ctx context.Context, conversationID types.ConversationID) (int, error)
}

// Sweeper runs corrective evictions in the background. Pending conversations
// are retried every interval; a full sweep over all conversations above
// capacity runs on a cron schedule.
//
// Architecture assumptions:
// - Conversation locks make concurrent sweeps from several instances safe
// - The pending set is per process; the full sweep covers what other
//   instances left behind
type Sweeper struct {
	enforcer    Enforcer
	interval    time.Duration
	schedule    string
	concurrency int
	cron        *cron.Cron
	stopCh      chan struct{}
	doneCh      chan struct{}
}

type SweeperOption func(*Sweeper)

// WithInterval sets how often pending conversations are retried
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedule sets the cron spec of the full sweep. An empty spec disables it.
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		s.schedule = spec
	}
}

// WithConcurrency bounds how many conversations are swept in parallel
func WithConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewSweeper creates a sweeper driving enforcer
func NewSweeper(enforcer Enforcer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		enforcer:    enforcer,
		interval:    DefaultSweepInterval,
		schedule:    DefaultSweepSchedule,
		concurrency: DefaultSweepConcurrency,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the cron schedule and begins the pending retry loop.
// Does not block.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(time.UTC))
	if s.schedule != "" {
		if _, err := s.cron.AddFunc(s.schedule, func() {
			if _, err := s.SweepAll(ctx); err != nil {
				logging.Default().Error("Scheduled sweep failed (will retry next schedule)",
					"error", err.Error())
			}
		}); err != nil {
			return goerr.Wrap(err, "invalid sweep schedule", goerr.V("schedule", s.schedule))
		}
	}

	logging.Default().Info("Sweeper starting",
		"interval", s.interval.String(),
		"schedule", s.schedule,
		"concurrency", s.concurrency)

	s.cron.Start()
	go s.run(ctx)

	return nil
}

// Stop signals the sweeper to stop and waits for running sweeps
func (s *Sweeper) Stop() {
	logging.Default().Info("Sweeper stopping")
	close(s.stopCh)
	<-s.doneCh
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logging.Default().Info("Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepPending(ctx); err != nil {
				logging.Default().Warn("Pending sweep incomplete (will retry next interval)",
					"error", err.Error())
			}

		case <-s.stopCh:
			return

		case <-ctx.Done():
			logging.Default().Info("Sweeper context cancelled")
			return
		}
	}
}

// SweepPending retries conversations whose eviction failed
func (s *Sweeper) SweepPending(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.enforcer.Pending())
}

// SweepAll enforces capacity on every conversation above it and on every
// pending one
func (s *Sweeper) SweepAll(ctx context.Context) (int, error) {
	startTime := time.Now()

	over, err := s.enforcer.OverCapacity(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list conversations over capacity")
	}

	ids := append(over, s.enforcer.Pending()...)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	evicted, err := s.sweep(ctx, ids)
	logging.Default().Info("Full sweep completed",
		"conversations", len(ids),
		"evicted", evicted,
		"duration", time.Since(startTime).String())
	return evicted, err
}

// sweep enforces each conversation in parallel. A failing conversation does
// not stop the others; it stays pending.
func (s *Sweeper) sweep(ctx context.Context, ids []types.ConversationID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		evicted atomic.Int64
		failed  atomic.Int64
		g       errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			n, err := s.enforcer.Enforce(ctx, id)
			if err != nil {
				failed.Add(1)
				logging.Default().Warn("Corrective eviction failed",
					"conversation_id", id,
					"error", err.Error())
				return nil
			}
			evicted.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return int(evicted.Load()), goerr.Wrap(model.ErrTransientStore, "some conversations could not be swept",
			goerr.V("failed", n), goerr.V("total", len(ids)))
	}
	return int(evicted.Load()), nil
}
