package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simsbuddy/voxorch/internal/common/logger"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewSupervisor(log)
}

func TestLaunch_WaitReady_MarkerObserved(t *testing.T) {
	sup := newTestSupervisor(t)

	h, err := sup.Launch(LaunchSpec{
		SessionID:    "sess-ready",
		Path:         "sh",
		Args:         []string{"-c", "echo hello-world; sleep 5"},
		ReadyMarkers: []string{"hello-world"},
	})
	require.NoError(t, err)
	defer h.Terminate(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.WaitReady(ctx))
	assert.True(t, h.Alive())
	assert.Greater(t, h.PID(), 0)
}

func TestLaunch_WaitReady_PrematureExit(t *testing.T) {
	sup := newTestSupervisor(t)

	h, err := sup.Launch(LaunchSpec{
		SessionID:    "sess-exit",
		Path:         "sh",
		Args:         []string{"-c", "exit 3"},
		ReadyMarkers: []string{"never-printed"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = h.WaitReady(ctx)
	require.Error(t, err, "WaitReady must return an error, not panic, when the process exits first")

	exit := h.WaitExit()
	assert.Equal(t, 3, exit.ExitCode)
}

func TestLaunch_WaitReady_ContextDeadline(t *testing.T) {
	sup := newTestSupervisor(t)

	h, err := sup.Launch(LaunchSpec{
		SessionID:    "sess-timeout",
		Path:         "sh",
		Args:         []string{"-c", "sleep 5"},
		ReadyMarkers: []string{"never-printed"},
	})
	require.NoError(t, err)
	defer h.Terminate(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = h.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminate_KillsProcessGroup(t *testing.T) {
	sup := newTestSupervisor(t)

	h, err := sup.Launch(LaunchSpec{
		SessionID: "sess-terminate",
		Path:      "sh",
		Args:      []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)
	require.True(t, h.Alive())

	require.NoError(t, h.Terminate(100*time.Millisecond))
	assert.False(t, h.Alive())
	assert.False(t, IsGroupAlive(h.PID()))
}

func TestOutput_RingLogCapturesStdout(t *testing.T) {
	sup := newTestSupervisor(t)

	h, err := sup.Launch(LaunchSpec{
		SessionID:    "sess-log",
		Path:         "sh",
		Args:         []string{"-c", "echo line-one; echo line-two"},
		ReadyMarkers: []string{"line-two"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.WaitReady(ctx))

	_ = h.WaitExit()
	out := h.Output()
	assert.NotEmpty(t, out)

	found := false
	for _, line := range out {
		if line == "[stdout] line-one" {
			found = true
		}
	}
	assert.True(t, found, "ring log must retain stdout lines")
}
