package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/events/bus"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/process"
	"github.com/simsbuddy/voxorch/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Adapter) {
	t.Helper()

	mr := miniredis.RunT(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, time.Hour, log)
	eb := bus.NewMemoryEventBus(log)

	return New(st, eb, log, 50*time.Millisecond), st
}

func launchSleeper(t *testing.T, sessionID string) *process.Handle {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sup := process.NewSupervisor(log)
	h, err := sup.Launch(process.LaunchSpec{
		SessionID:    sessionID,
		Path:         "sh",
		Args:         []string{"-c", "sleep 30"},
		ReadyMarkers: nil,
	})
	require.NoError(t, err)
	return h
}

func TestCreate_EntersStartingIndex(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{UserIdentity: "alice", Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusStarting, s.Status)

	isMember, err := st.IsMember(ctx, model.IndexStarting, s.ID)
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestAttachProcess_BeforeReadiness(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{UserIdentity: "bob", Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)

	h := launchSleeper(t, s.ID)
	defer h.Terminate(time.Second)

	require.NoError(t, reg.AttachProcess(ctx, s.ID, h))

	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, h.PID(), got.AgentPID)
	assert.Equal(t, h.PID(), got.AgentPGID, "pgid must equal pid (agent is group leader)")

	handle, ok := reg.Handle(s.ID)
	require.True(t, ok)
	assert.Same(t, h, handle)
}

func TestMarkReady_MovesBetweenIndexes(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{Config: model.Config{VoiceID: "default"}, Prewarm: true})
	require.NoError(t, err)

	require.NoError(t, reg.MarkReady(ctx, s.ID, true))

	isStarting, _ := st.IsMember(ctx, model.IndexStarting, s.ID)
	isPool, _ := st.IsMember(ctx, model.IndexPoolReady, s.ID)
	assert.False(t, isStarting)
	assert.True(t, isPool)

	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
}

func TestMarkActive_SetsOnceOnly(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{UserIdentity: "carol", Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)
	require.NoError(t, reg.MarkReady(ctx, s.ID, false))

	first := time.Now()
	require.NoError(t, reg.MarkActive(ctx, s.ID, first))

	// A later call must not overwrite the original timestamp.
	require.NoError(t, reg.MarkActive(ctx, s.ID, first.Add(time.Hour)))

	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ConversationStart)
	assert.WithinDuration(t, first, *got.ConversationStart, time.Second)
}

func TestRemove_TerminatesProcessGroupAndDeletesRecord(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{UserIdentity: "dave", Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)

	h := launchSleeper(t, s.ID)
	require.NoError(t, reg.AttachProcess(ctx, s.ID, h))
	require.NoError(t, reg.MarkReady(ctx, s.ID, false))

	report, err := reg.Remove(ctx, s.ID, "test teardown")
	require.NoError(t, err)
	assert.True(t, report.AllOK())

	got, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "record must be absent after Remove (invariant 1)")

	assert.False(t, h.Alive(), "process group must be gone after Remove")
}

func TestRemove_IsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{UserIdentity: "erin", Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)

	first, err := reg.Remove(ctx, s.ID, "first")
	require.NoError(t, err)

	second, err := reg.Remove(ctx, s.ID, "second")
	require.NoError(t, err)

	assert.Equal(t, first, second, "repeated Remove calls must return structurally equal reports")
}

func TestRemove_ConcurrentCallsCollapseToOneCleanup(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{UserIdentity: "frank", Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)

	h := launchSleeper(t, s.ID)
	require.NoError(t, reg.AttachProcess(ctx, s.ID, h))

	g := new(errgroup.Group)
	reports := make([]model.CleanupReport, 10)
	for i := 0; i < 10; i++ {
		i := i
		g.Go(func() error {
			r, err := reg.Remove(ctx, s.ID, "concurrent")
			reports[i] = r
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 1; i < len(reports); i++ {
		assert.Equal(t, reports[0], reports[i])
	}
	assert.False(t, h.Alive())
}

func TestAssign_RejectsAlreadyAssigned(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{Config: model.Config{VoiceID: "default"}, Prewarm: true})
	require.NoError(t, err)
	require.NoError(t, st.AddToIndex(ctx, model.IndexPoolReady, s.ID))

	result, err := reg.Assign(ctx, s.ID, "grace")
	require.NoError(t, err)
	assert.Equal(t, Assigned, result)

	result, err = reg.Assign(ctx, s.ID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, AlreadyAssigned, result)
}

func TestShouldAbandonSpawn(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateParams{Config: model.Config{VoiceID: "default"}})
	require.NoError(t, err)
	assert.False(t, reg.ShouldAbandonSpawn(ctx, s.ID))

	require.NoError(t, st.RemoveFromIndex(ctx, model.IndexStarting, s.ID))
	assert.True(t, reg.ShouldAbandonSpawn(ctx, s.ID))
}
