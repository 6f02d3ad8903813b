package spawn

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
	"github.com/simsbuddy/voxorch/internal/store"
)

func newTestWorker(t *testing.T, agentPath string, startupTimeout time.Duration) (*Worker, *registry.Registry, *store.Adapter) {
	t.Helper()

	mr := miniredis.RunT(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, time.Hour, log)
	eb := bus.NewMemoryEventBus(log)
	reg := registry.New(st, eb, log, 50*time.Millisecond)

	sup := process.NewSupervisor(log)
	w := New(sup, reg, log, AgentLaunchConfig{
		Path:           agentPath,
		StartupTimeout: startupTimeout,
		TerminateGrace: 50 * time.Millisecond,
	}, 1, 4)

	return w, reg, st
}

func TestAttempt_MarksReadyOnMarkerMatch(t *testing.T) {
	w, reg, st := newTestWorker(t, "./testdata/ready_agent.sh", 2*time.Second)
	ctx := context.Background()

	s, err := reg.Create(ctx, registry.CreateParams{Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)

	transient, err := w.attempt(ctx, Job{SessionID: s.ID, Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)
	assert.False(t, transient)

	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)

	h, ok := reg.Handle(s.ID)
	require.True(t, ok)
	_ = h.Terminate(time.Second)
}

func TestAttempt_PrematureExitMarksError(t *testing.T) {
	w, reg, st := newTestWorker(t, "./testdata/premature_exit_agent.sh", 2*time.Second)
	ctx := context.Background()

	s, err := reg.Create(ctx, registry.CreateParams{Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)

	transient, err := w.attempt(ctx, Job{SessionID: s.ID, Config: model.Config{VoiceID: "default"}})
	require.Error(t, err)
	assert.False(t, transient, "premature exit is not retried at this layer")

	// attempt's MarkError triggers Remove, so the record is gone by the
	// time attempt returns.
	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAttempt_StartupTimeout(t *testing.T) {
	w, reg, st := newTestWorker(t, "./testdata/silent_agent.sh", 300*time.Millisecond)
	ctx := context.Background()

	s, err := reg.Create(ctx, registry.CreateParams{Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)

	start := time.Now()
	transient, err := w.attempt(ctx, Job{SessionID: s.ID, Config: model.Config{VoiceID: "default"}})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.False(t, transient)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "must wait at least the startup deadline")

	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "timed-out spawn must clean up its session record")
}

func TestAttempt_AbandonsWhenSessionAlreadyRemoved(t *testing.T) {
	w, reg, _ := newTestWorker(t, "./testdata/ready_agent.sh", 2*time.Second)
	ctx := context.Background()

	s, err := reg.Create(ctx, registry.CreateParams{Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)
	_, err = reg.Remove(ctx, s.ID, "abandoned before spawn")
	require.NoError(t, err)

	transient, err := w.attempt(ctx, Job{SessionID: s.ID, Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)
	assert.False(t, transient)

	_, ok := reg.Handle(s.ID)
	assert.False(t, ok, "no process should be launched once the session was already removed")
}

func TestEnqueue_RejectsWhenQueueFull(t *testing.T) {
	w, _, _ := newTestWorker(t, "./testdata/ready_agent.sh", time.Second)
	// Queue capacity is 4, fill it without a consumer running.
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Enqueue(Job{SessionID: "s"}))
	}
	err := w.Enqueue(Job{SessionID: "overflow"})
	require.Error(t, err)
}
