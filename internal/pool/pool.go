// Package pool implements the Pool Manager: it keeps a target count of
// ready-but-unassigned agents and atomically hands one to a caller. The
// refill-sweep shape is grounded on the teacher's orchestrator/scheduler
// ticker loop; the atomic-pop assignment path is grounded on the State
// Store Adapter's SPOP wrapper.
package pool

import (
	"context"

	"go.uber.org/zap"

	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/registry"
	"github.com/simsbuddy/voxorch/internal/spawn"
	"github.com/simsbuddy/voxorch/internal/store"
)

// Manager maintains the pre-warm pool.
type Manager struct {
	store      *store.Adapter
	registry   *registry.Registry
	worker     *spawn.Worker
	logger     *logger.Logger
	target     int
	defaultCfg model.Config
}

// New builds a pool Manager.
func New(st *store.Adapter, reg *registry.Registry, w *spawn.Worker, log *logger.Logger, target int, defaultCfg model.Config) *Manager {
	return &Manager{store: st, registry: reg, worker: w, logger: log, target: target, defaultCfg: defaultCfg}
}

// Refill computes the deficit between the configured target and the current
// |pool-ready| and enqueues one prewarm spawn job per missing slot. Already
// at target means zero jobs enqueued.
func (m *Manager) Refill(ctx context.Context) error {
	size, err := m.store.IndexSize(ctx, model.IndexPoolReady)
	if err != nil {
		return err
	}

	deficit := int64(m.target) - size
	if deficit <= 0 {
		return nil
	}

	m.logger.Info("pool refill", zap.Int64("deficit", deficit), zap.Int("target", m.target))

	for i := int64(0); i < deficit; i++ {
		session, err := m.registry.Create(ctx, registry.CreateParams{
			Config:  m.defaultCfg,
			Prewarm: true,
		})
		if err != nil {
			m.logger.Error("pool refill: create failed", zap.Error(err))
			continue
		}

		if err := m.worker.Enqueue(spawn.Job{
			SessionID: session.ID,
			Prewarm:   true,
			Config:    m.defaultCfg,
		}); err != nil {
			m.logger.Warn("pool refill: spawn queue full, will retry next sweep",
				zap.String("session_id", session.ID), zap.Error(err))
			continue
		}

		if err := m.store.IncrPoolStat(ctx, "total_spawned"); err != nil {
			m.logger.Debug("pool stat increment failed", zap.Error(err))
		}
	}

	return nil
}

// AssignFromPool atomically pops one id from pool-ready and promotes it to
// the caller. If any step after the pop fails, the session is orphaned to
// the pool (no index membership) — acceptable because the pop was atomic
// and a later liveness sweep reclaims it.
func (m *Manager) AssignFromPool(ctx context.Context, userIdentity string) (string, bool, error) {
	id, err := m.store.PopPoolReady(ctx)
	if err != nil {
		return "", false, err
	}
	if id == "" {
		return "", false, nil
	}

	result, err := m.registry.Assign(ctx, id, userIdentity)
	if err != nil {
		m.logger.Warn("pool assignment orphaned a session",
			zap.String("session_id", id), zap.Error(err))
		return "", false, err
	}
	if result == registry.AlreadyAssigned {
		return "", false, nil
	}

	if err := m.store.IncrPoolStat(ctx, "total_assigned"); err != nil {
		m.logger.Debug("pool stat increment failed", zap.Error(err))
	}

	return id, true, nil
}
