package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/events/bus"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/pool"
	"github.com/simsbuddy/voxorch/internal/process"
	"github.com/simsbuddy/voxorch/internal/registry"
	"github.com/simsbuddy/voxorch/internal/spawn"
	"github.com/simsbuddy/voxorch/internal/store"
	"github.com/simsbuddy/voxorch/internal/token"
)

var testDefaultCfg = model.Config{VoiceID: "default", OpeningLine: "hi", SystemPrompt: "be nice"}

func newTestController(t *testing.T, opts ...func(*Deps)) (*Controller, *store.Adapter, *registry.Registry) {
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

	poolMgr := pool.New(st, reg, worker, log, 0, testDefaultCfg)
	tokens := token.NewIssuer("test-key", "test-secret", time.Hour)

	d := Deps{
		Store:           st,
		Registry:        reg,
		Pool:            poolMgr,
		Worker:          worker,
		Tokens:          tokens,
		Logger:          log,
		ServerURL:       "wss://media.test",
		DefaultConfig:   testDefaultCfg,
		MaxBots:         10,
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		TokenTTL:        time.Hour,
	}
	for _, opt := range opts {
		opt(&d)
	}

	return New(d), st, reg
}

func TestStart_IdempotentByUserIdentity(t *testing.T) {
	c, st, _ := newTestController(t)
	ctx := context.Background()

	first, err := c.Start(ctx, StartRequest{UserIdentity: "grace"})
	require.NoError(t, err)

	second, err := c.Start(ctx, StartRequest{UserIdentity: "grace"})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID, "a second Start for the same user must reuse the in-flight session")

	size, err := st.IndexSize(ctx, model.IndexStarting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size, "only one session should have been created for the user")
}

func TestStart_TerminalSessionIsNotReused(t *testing.T) {
	c, _, reg := newTestController(t)
	ctx := context.Background()

	first, err := c.Start(ctx, StartRequest{UserIdentity: "henry"})
	require.NoError(t, err)

	_, err = reg.Remove(ctx, first.SessionID, "test teardown")
	require.NoError(t, err)

	second, err := c.Start(ctx, StartRequest{UserIdentity: "henry"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID, "a new session must be provisioned once the prior one has ended")
}

func TestStart_NonDefaultConfigBypassesPool(t *testing.T) {
	c, st, reg := newTestController(t)
	ctx := context.Background()

	pooled, err := reg.Create(ctx, registry.CreateParams{Config: testDefaultCfg, Prewarm: true})
	require.NoError(t, err)
	require.NoError(t, reg.MarkReady(ctx, pooled.ID, true))

	res, err := c.Start(ctx, StartRequest{
		UserIdentity: "iris",
		VoiceID:      "custom-voice",
		OpeningLine:  "a different opening",
	})
	require.NoError(t, err)
	assert.NotEqual(t, pooled.ID, res.SessionID, "a non-default voice config must not be served from the pool")

	isPool, err := st.IsMember(ctx, model.IndexPoolReady, pooled.ID)
	require.NoError(t, err)
	assert.True(t, isPool, "the pooled session must remain untouched in the pool")
}

func TestStart_DefaultConfigIsAssignedFromPool(t *testing.T) {
	c, st, reg := newTestController(t)
	ctx := context.Background()

	pooled, err := reg.Create(ctx, registry.CreateParams{Config: testDefaultCfg, Prewarm: true})
	require.NoError(t, err)
	require.NoError(t, reg.MarkReady(ctx, pooled.ID, true))

	res, err := c.Start(ctx, StartRequest{UserIdentity: "jules"})
	require.NoError(t, err)
	assert.Equal(t, pooled.ID, res.SessionID, "a default-config request should be served from the pool")

	isPool, err := st.IsMember(ctx, model.IndexPoolReady, pooled.ID)
	require.NoError(t, err)
	assert.False(t, isPool, "the assigned session must leave the pool-ready set")
}

func TestStart_RejectsAtCapacity(t *testing.T) {
	c, _, _ := newTestController(t, func(d *Deps) { d.MaxBots = 1 })
	ctx := context.Background()

	_, err := c.Start(ctx, StartRequest{UserIdentity: "kit"})
	require.NoError(t, err)

	_, err = c.Start(ctx, StartRequest{UserIdentity: "leo"})
	require.Error(t, err)
	assert.True(t, apperr.IsAtCapacity(err), "a second session once max_bots is reached must be rejected as at-capacity")
}

func TestStart_RejectsOverRateLimit(t *testing.T) {
	c, _, _ := newTestController(t, func(d *Deps) {
		d.RateLimitWindow = time.Minute
		d.RateLimitMax = 1
	})
	ctx := context.Background()

	_, err := c.Start(ctx, StartRequest{UserIdentity: "mona", CallerIP: "10.0.0.1"})
	require.NoError(t, err)

	_, err = c.Start(ctx, StartRequest{UserIdentity: "nora", CallerIP: "10.0.0.1"})
	require.Error(t, err)
	assert.True(t, apperr.IsRateLimited(err), "a second request from the same caller IP within the window must be rate limited")
}

func TestStart_RejectsEmptyUserIdentity(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, StartRequest{})
	require.Error(t, err)
}

func TestStart_ConcurrentCallsForNewUserCollapseToOneSession(t *testing.T) {
	c, st, _ := newTestController(t, func(d *Deps) { d.RateLimitMax = 100 })
	ctx := context.Background()

	const n = 10
	results := make([]*StartResult, n)
	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := c.Start(ctx, StartRequest{UserIdentity: "oscar"})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0].SessionID, results[i].SessionID, "every concurrent Start for a brand-new user must resolve to the same session")
	}

	size, err := st.IndexSize(ctx, model.IndexStarting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size, "the per-user lock must prevent a duplicate session from being created")
}
