package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/storage"
	"github.com/uhyunpark/statecache/pkg/types"
	"github.com/uhyunpark/statecache/pkg/util"
	"go.uber.org/zap"
)

// DefaultSyncInterval is the period between two scheduled syncs
const DefaultSyncInterval = 60 * time.Second

// ErrClosed is returned by sync calls made after Close
var ErrClosed = errors.New("cache is closed")

// Scheduler copies the entity store into the backend on a fixed interval and runs the reaper
// after each copy. Backend I/O is serialized; the store is only locked while it is copied.
type Scheduler struct {
	store    *EntityStore
	backend  storage.Backend
	reaper   *Reaper
	interval time.Duration
	clock    util.Clock
	reporter anomaly.Reporter
	log      *zap.SugaredLogger
	metrics  *Metrics

	ioMu   sync.Mutex
	closed bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerConfig wires a scheduler
type SchedulerConfig struct {
	Store    *EntityStore
	Backend  storage.Backend
	Reaper   *Reaper
	Interval time.Duration
	Clock    util.Clock
	Reporter anomaly.Reporter
	Logger   *zap.SugaredLogger
	Metrics  *Metrics
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Reporter == nil {
		cfg.Reporter = anomaly.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		store:    cfg.Store,
		backend:  cfg.Backend,
		reaper:   cfg.Reaper,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		reporter: cfg.Reporter,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Start runs the sync loop on its own goroutine until ctx is done or Close is called
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
}

// Run blocks, running one cycle per interval, until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Infow("sync_loop_started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("sync_loop_stopped")
			return
		case <-s.clock.After(s.interval):
			if err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrClosed) {
				s.log.Warnw("sync_cycle_failed", "err", err)
			}
		}
	}
}

// RunCycle snapshots the store, writes the snapshot and then evicts stale entities.
// Eviction runs even when the write fails so memory stays bounded while the backend is down.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	err := s.SyncAll(ctx)
	if s.reaper != nil {
		s.reaper.Reap()
	}
	s.metrics.observeStats(s.store.Stats())
	return err
}

// SyncAll writes every collection in one backend call
func (s *Scheduler) SyncAll(ctx context.Context) error {
	return s.sync(ctx, "sync_all", func(ctx context.Context) error {
		snap := s.store.Snapshot()
		if err := s.backend.SyncAll(ctx, snap); err != nil {
			return err
		}
		s.log.Debugw("sync_completed",
			"orders", len(snap.Orders),
			"algo_orders", len(snap.AlgoOrders),
			"positions", len(snap.Positions),
			"accounts", len(snap.Balances),
		)
		return nil
	})
}

func (s *Scheduler) SyncOrders(ctx context.Context) error {
	return s.sync(ctx, "sync_orders", func(ctx context.Context) error {
		orders, _ := s.store.snapshotOrders()
		return s.backend.SyncOrders(ctx, orders)
	})
}

func (s *Scheduler) SyncAlgoOrders(ctx context.Context) error {
	return s.sync(ctx, "sync_algo_orders", func(ctx context.Context) error {
		return s.backend.SyncAlgoOrders(ctx, s.store.snapshotAlgoOrders())
	})
}

func (s *Scheduler) SyncPositions(ctx context.Context) error {
	return s.sync(ctx, "sync_positions", func(ctx context.Context) error {
		return s.backend.SyncPositions(ctx, s.store.snapshotPositions())
	})
}

func (s *Scheduler) SyncOpenOrders(ctx context.Context) error {
	return s.sync(ctx, "sync_open_orders", func(ctx context.Context) error {
		_, idx := s.store.snapshotOrders()
		return s.backend.SyncOpenOrders(ctx, idx)
	})
}

func (s *Scheduler) SyncBalances(ctx context.Context) error {
	return s.sync(ctx, "sync_balances", func(ctx context.Context) error {
		return s.backend.SyncBalances(ctx, s.store.snapshotBalances())
	})
}

// SyncPnL appends one point to the pnl history
func (s *Scheduler) SyncPnL(ctx context.Context, pnl types.PnL) error {
	return s.sync(ctx, "sync_pnl", func(ctx context.Context) error {
		return s.backend.SyncPnL(ctx, pnl)
	})
}

// sync runs fn while holding the I/O lock. A failure is reported as BackendUnavailable;
// nothing is retried until the next call.
func (s *Scheduler) sync(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	started := time.Now()
	err := fn(ctx)
	s.metrics.observeSync(op, started, err)
	if err != nil {
		s.reporter.Report(anomaly.Anomaly{
			Kind: anomaly.BackendUnavailable,
			Time: s.clock.Now(),
			Op:   op,
			Err:  err.Error(),
		})
		return err
	}
	return nil
}

// Close stops the loop, flushes everything one last time and closes the backend.
// A failed flush is reported as ShutdownFlushFailed and does not prevent closing.
func (s *Scheduler) Close(ctx context.Context) error {
	s.runMu.Lock()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.runMu.Unlock()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	snap := s.store.Snapshot()
	if err := s.backend.SyncAll(ctx, snap); err != nil {
		s.log.Errorw("shutdown_flush_failed", "err", err)
		s.reporter.Report(anomaly.Anomaly{
			Kind: anomaly.ShutdownFlushFailed,
			Time: s.clock.Now(),
			Op:   "sync_all",
			Err:  err.Error(),
		})
	} else {
		s.log.Infow("shutdown_flush_completed", "orders", len(snap.Orders), "positions", len(snap.Positions))
	}
	return s.backend.Close()
}
