package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelmood/social-poller/internal/models"
)

// Service runs polling executions on a fixed interval. Each tick gets a
// fresh coordinator, so no run-local state leaks across executions. A failed
// run is logged and the schedule continues; only context cancellation stops
// the service.
type Service struct {
	deps     Deps
	interval time.Duration
	runOnce  bool
	log      *slog.Logger

	// current is read by the HTTP health handler while the run loop
	// replaces it.
	mu      sync.Mutex
	current *Coordinator
}

// NewService creates an interval-driven polling service.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		interval: deps.Config.Poller.PollInterval,
		runOnce:  deps.Config.Poller.RunOnce,
		log:      deps.Logger,
	}
}

// State reports the lifecycle state of the run in progress, or TERMINATED
// between runs. Safe to call from other goroutines.
func (s *Service) State() State {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil {
		return StateTerminated
	}
	return current.State()
}

// Start begins polling. The first run fires immediately; subsequent runs
// fire on the configured interval. Blocks until the context is cancelled,
// or returns after one run when run-once mode is set.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("starting poller service",
		slog.Duration("interval", s.interval),
		slog.Bool("run_once", s.runOnce),
	)

	result := s.runExecution(ctx)
	if s.runOnce {
		return result.Err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("poller service stopping")
			return ctx.Err()
		case <-ticker.C:
			s.runExecution(ctx)
		}
	}
}

func (s *Service) runExecution(ctx context.Context) models.RunResult {
	coordinator := New(s.deps)
	s.mu.Lock()
	s.current = coordinator
	s.mu.Unlock()

	result := coordinator.Run(ctx)

	if result.Err != nil {
		s.log.Error("run finished with error",
			slog.String("correlation_id", result.CorrelationID),
			slog.String("error", result.Err.Error()),
		)
	} else {
		s.log.Info("run finished",
			slog.String("correlation_id", result.CorrelationID),
			slog.String("reason", string(result.Reason)),
			slog.Int("records_processed", result.Metrics.RecordsProcessed),
		)
	}
	return result
}
