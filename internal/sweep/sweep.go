// Package sweep implements the three periodic maintenance jobs that
// reconcile declared state with observed state: pool refill, liveness
// probe, idle cleanup. Each is a ticker-driven goroutine,
// grounded on the teacher's orchestrator/scheduler processLoop pattern
// (time.NewTicker + select over ctx.Done()/stopCh/ticker.C).
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/pool"
	"github.com/simsbuddy/voxorch/internal/process"
	"github.com/simsbuddy/voxorch/internal/registry"
	"github.com/simsbuddy/voxorch/internal/store"
)

// Config holds sweep intervals and idle thresholds.
type Config struct {
	PoolRefillInterval   time.Duration
	LivenessInterval     time.Duration
	IdleSweepInterval    time.Duration
	SessionTimeout       time.Duration
	LongFormTimeout      time.Duration
}

// Sweepers owns the three periodic jobs.
type Sweepers struct {
	store    *store.Adapter
	registry *registry.Registry
	pool     *pool.Manager
	logger   *logger.Logger
	cfg      Config

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds the Sweepers controller.
func New(st *store.Adapter, reg *registry.Registry, pm *pool.Manager, log *logger.Logger, cfg Config) *Sweepers {
	return &Sweepers{store: st, registry: reg, pool: pm, logger: log, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches all three sweep loops as background goroutines.
func (s *Sweepers) Start(ctx context.Context) {
	s.wg.Add(3)
	go s.loop(ctx, s.cfg.PoolRefillInterval, "pool-refill", s.runPoolRefill)
	go s.loop(ctx, s.cfg.LivenessInterval, "liveness", s.runLiveness)
	go s.loop(ctx, s.cfg.IdleSweepInterval, "idle", s.runIdleSweep)
}

// Stop signals every sweep loop to exit and waits for them to finish.
func (s *Sweepers) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweepers) loop(ctx context.Context, interval time.Duration, name string, run func(context.Context)) {
	defer s.wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (s *Sweepers) runPoolRefill(ctx context.Context) {
	if err := s.pool.Refill(ctx); err != nil {
		if isStoreUnavailable(err) {
			// Sweepers on StoreUnavailable skip the cycle; a transient store
			// outage should not cascade into spurious removals.
			s.logger.Warn("pool refill sweep skipped: store unavailable", zap.Error(err))
			return
		}
		s.logger.Error("pool refill sweep failed", zap.Error(err))
	}
}

// runLiveness iterates ready ∪ active session ids; for each, if the process
// group is gone, removes the session.
func (s *Sweepers) runLiveness(ctx context.Context) {
	ready, err := s.store.IndexMembers(ctx, model.IndexReady)
	if err != nil {
		if isStoreUnavailable(err) {
			s.logger.Warn("liveness sweep skipped: store unavailable", zap.Error(err))
			return
		}
		s.logger.Error("liveness sweep: list ready failed", zap.Error(err))
		return
	}

	for _, id := range ready {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil || sess == nil {
			continue // disappeared between list and act; Remove is idempotent
		}
		if sess.Status.IsTerminal() {
			continue
		}

		alive := false
		if h, ok := s.registry.Handle(id); ok {
			alive = h.Alive()
		} else if sess.AgentPGID > 0 {
			alive = process.IsGroupAlive(sess.AgentPGID)
		}

		if !alive {
			if _, err := s.registry.Remove(ctx, id, "process died"); err != nil {
				s.logger.Error("liveness sweep: remove failed", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
}

// runIdleSweep removes sessions whose last_active_at exceeds the idle
// threshold (30 min default, 4h for long-form).
func (s *Sweepers) runIdleSweep(ctx context.Context) {
	ready, err := s.store.IndexMembers(ctx, model.IndexReady)
	if err != nil {
		if isStoreUnavailable(err) {
			s.logger.Warn("idle sweep skipped: store unavailable", zap.Error(err))
			return
		}
		s.logger.Error("idle sweep: list ready failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, id := range ready {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil || sess == nil {
			continue
		}
		if sess.Status.IsTerminal() {
			continue
		}

		threshold := s.cfg.SessionTimeout
		if sess.LongForm {
			threshold = s.cfg.LongFormTimeout
		}

		if now.Sub(sess.LastActiveAt) > threshold {
			if _, err := s.registry.Remove(ctx, id, "idle"); err != nil {
				s.logger.Error("idle sweep: remove failed", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
}

func isStoreUnavailable(err error) bool {
	var appErr *apperr.AppError
	return asAppError(err, &appErr) && appErr.Code == apperr.ErrCodeStoreUnavailable
}

func asAppError(err error, target **apperr.AppError) bool {
	ae, ok := err.(*apperr.AppError)
	if ok {
		*target = ae
	}
	return ok
}
