package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/events/bus"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/process"
	"github.com/simsbuddy/voxorch/internal/registry"
	"github.com/simsbuddy/voxorch/internal/spawn"
	"github.com/simsbuddy/voxorch/internal/store"
)

func newTestManager(t *testing.T, target int) (*Manager, *store.Adapter, *registry.Registry) {
	t.Helper()

	mr := miniredis.RunT(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, time.Hour, log)
	eb := bus.NewMemoryEventBus(log)
	reg := registry.New(st, eb, log, 50*time.Millisecond)

	sup := process.NewSupervisor(log)
	worker := spawn.New(sup, reg, log, spawn.AgentLaunchConfig{
		Path:           "true",
		StartupTimeout: time.Second,
		TerminateGrace: 50 * time.Millisecond,
	}, 2, 10)

	defaultCfg := model.Config{VoiceID: "default", OpeningLine: "hi", SystemPrompt: "be nice"}
	mgr := New(st, reg, worker, log, target, defaultCfg)
	return mgr, st, reg
}

func TestRefill_EnqueuesDeficit(t *testing.T) {
	mgr, st, _ := newTestManager(t, 3)
	ctx := context.Background()

	require.NoError(t, mgr.Refill(ctx))

	size, err := st.IndexSize(ctx, model.IndexStarting)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size, "three sessions should be created as prewarm starters")
}

func TestRefill_NoOpAtTarget(t *testing.T) {
	mgr, st, _ := newTestManager(t, 2)
	ctx := context.Background()

	require.NoError(t, st.AddToIndex(ctx, model.IndexPoolReady, "p1"))
	require.NoError(t, st.AddToIndex(ctx, model.IndexPoolReady, "p2"))

	require.NoError(t, mgr.Refill(ctx))

	startingSize, err := st.IndexSize(ctx, model.IndexStarting)
	require.NoError(t, err)
	assert.Equal(t, int64(0), startingSize, "no jobs should be enqueued once pool-ready already meets target")
}

func TestAssignFromPool_EmptyPoolReturnsFalse(t *testing.T) {
	mgr, _, _ := newTestManager(t, 0)
	ctx := context.Background()

	id, ok, err := mgr.AssignFromPool(ctx, "grace")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestAssignFromPool_PromotesPooledSession(t *testing.T) {
	mgr, st, reg := newTestManager(t, 0)
	ctx := context.Background()

	s, err := reg.Create(ctx, registry.CreateParams{Config: model.Config{VoiceID: "default"}, Prewarm: true})
	require.NoError(t, err)
	require.NoError(t, reg.MarkReady(ctx, s.ID, true))

	id, ok, err := mgr.AssignFromPool(ctx, "grace")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, s.ID, id)

	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "grace", got.UserIdentity)

	isPool, err := st.IsMember(ctx, model.IndexPoolReady, s.ID)
	require.NoError(t, err)
	assert.False(t, isPool, "assigned session must leave the pool-ready set")
}
