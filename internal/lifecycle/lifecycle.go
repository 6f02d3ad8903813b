// Package lifecycle implements the Lifecycle Controller, the public façade
// over the Pool Manager, Session Registry, Spawn Worker, and Token Issuer.
// Grounded on the teacher's internal/agent orchestration façade that
// composed a Docker runner, a Postgres task repository, and a WebSocket
// broadcaster behind three entry points; rebuilt here around a
// process-group Supervisor, a Redis-backed store, and a LiveKit token
// issuer.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/pool"
	"github.com/simsbuddy/voxorch/internal/registry"
	"github.com/simsbuddy/voxorch/internal/spawn"
	"github.com/simsbuddy/voxorch/internal/store"
	"github.com/simsbuddy/voxorch/internal/token"
)

// StartRequest is the caller-supplied payload for Start.
type StartRequest struct {
	UserIdentity     string
	VoiceID          string
	OpeningLine      string
	SystemPrompt     string
	CorrelationToken string
	CallerIP         string
	LongForm         bool
}

// StartResult is the public response shape returned from Start.
type StartResult struct {
	SessionID string
	Token     string
	ServerURL string
	RoomName  string
	Status    model.Status
}

// SessionView is the public projection served by GET /session/{id}.
type SessionView struct {
	SessionID    string
	Status       model.Status
	CreatedAt    time.Time
	LastActiveAt time.Time
	ErrorMessage string
}

// DisconnectWebhook is the parsed body of an inbound media-server webhook.
type DisconnectWebhook struct {
	Event    string
	RoomName string
}

// Controller is the public entry point: Start, End, HandleDisconnect.
type Controller struct {
	store    *store.Adapter
	registry *registry.Registry
	pool     *pool.Manager
	worker   *spawn.Worker
	tokens   *token.Issuer
	logger   *logger.Logger

	serverURL        string
	defaultCfg       model.Config
	maxBots          int
	rateLimitWindow  time.Duration
	rateLimitMax     int64
	tokenTTL         time.Duration
	webhookSecret    string
	requireSignature bool

	userLocksMu sync.Mutex
	userLocks   map[string]*sync.Mutex
}

// Deps bundles the Controller's collaborators and tunables.
type Deps struct {
	Store            *store.Adapter
	Registry         *registry.Registry
	Pool             *pool.Manager
	Worker           *spawn.Worker
	Tokens           *token.Issuer
	Logger           *logger.Logger
	ServerURL        string
	DefaultConfig    model.Config
	MaxBots          int
	RateLimitWindow  time.Duration
	RateLimitMax     int64
	TokenTTL         time.Duration
	WebhookSecret    string
	RequireSignature bool
}

// New builds a Controller.
func New(d Deps) *Controller {
	return &Controller{
		store:            d.Store,
		registry:         d.Registry,
		pool:             d.Pool,
		worker:           d.Worker,
		tokens:           d.Tokens,
		logger:           d.Logger,
		serverURL:        d.ServerURL,
		defaultCfg:       d.DefaultConfig,
		maxBots:          d.MaxBots,
		rateLimitWindow:  d.RateLimitWindow,
		rateLimitMax:     d.RateLimitMax,
		tokenTTL:         d.TokenTTL,
		webhookSecret:    d.WebhookSecret,
		requireSignature: d.RequireSignature,
		userLocks:        make(map[string]*sync.Mutex),
	}
}

// userLockFor returns the mutex serialising Start calls for one user
// identity, creating it on first use. Guards the lookup-or-create sequence
// in Start: without it, two concurrent first-time requests for the same
// brand-new user both see no existing session and both call registry.Create,
// and the second write to the user index silently orphans the first session.
func (c *Controller) userLockFor(userIdentity string) *sync.Mutex {
	c.userLocksMu.Lock()
	defer c.userLocksMu.Unlock()
	l, ok := c.userLocks[userIdentity]
	if !ok {
		l = &sync.Mutex{}
		c.userLocks[userIdentity] = l
	}
	return l
}

// Start provisions or reuses a session for req: rate limit, capacity,
// idempotency, pool-or-spawn, config snapshot, token mint, in that order.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.UserIdentity == "" {
		return nil, apperr.ValidationError("userName", "userName is required")
	}

	// Step 1: rate limit by caller IP.
	bucket := req.CallerIP
	if bucket == "" {
		bucket = req.UserIdentity
	}
	allowed, err := c.store.RateLimit(ctx, bucket, c.rateLimitWindow, c.rateLimitMax)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperr.RateLimited(bucket)
	}

	// Step 2: capacity check.
	startingSize, err := c.store.IndexSize(ctx, model.IndexStarting)
	if err != nil {
		return nil, err
	}
	readySize, err := c.store.IndexSize(ctx, model.IndexReady)
	if err != nil {
		return nil, err
	}
	if startingSize+readySize >= int64(c.maxBots) {
		return nil, apperr.AtCapacity("max_bots reached")
	}

	// Steps 3-5 run under a per-user lock: the idempotency lookup and the
	// pool-or-spawn provisioning that follows it must be atomic together, or
	// two concurrent requests for the same brand-new user both find nothing
	// and both provision a session.
	lock := c.userLockFor(req.UserIdentity)
	lock.Lock()
	defer lock.Unlock()

	// Step 3: idempotency by user identity.
	if existingID, err := c.store.LookupByUserIdentity(ctx, req.UserIdentity); err != nil {
		return nil, err
	} else if existingID != "" {
		existing, err := c.store.GetSession(ctx, existingID)
		if err != nil {
			return nil, err
		}
		if existing != nil && !existing.Status.IsTerminal() {
			return c.respond(existing)
		}
	}

	cfg := model.Config{VoiceID: req.VoiceID, OpeningLine: req.OpeningLine, SystemPrompt: req.SystemPrompt}
	if cfg.VoiceID == "" && cfg.OpeningLine == "" && cfg.SystemPrompt == "" {
		cfg = c.defaultCfg
	} else if cfg.VoiceID == "" {
		cfg.VoiceID = c.defaultCfg.VoiceID
	}

	// Step 4: try the pool, but bypass it for a non-default configuration —
	// a pool agent cannot retroactively change its voice; conservative
	// choice documented in DESIGN.md.
	if cfg.IsDefault(c.defaultCfg) {
		if id, ok, err := c.pool.AssignFromPool(ctx, req.UserIdentity); err != nil {
			return nil, err
		} else if ok {
			session, err := c.store.GetSession(ctx, id)
			if err != nil {
				return nil, err
			}
			return c.respond(session)
		}
	}

	// Step 5: cold spawn.
	session, err := c.registry.Create(ctx, registry.CreateParams{
		UserIdentity: req.UserIdentity,
		Config:       cfg,
		LongForm:     req.LongForm,
	})
	if err != nil {
		return nil, err
	}

	if err := c.worker.Enqueue(spawn.Job{
		SessionID:    session.ID,
		UserIdentity: req.UserIdentity,
		Config:       cfg,
	}); err != nil {
		// Queue full: unwind the just-created starting record rather than
		// leaving an orphaned `starting` entry with no job behind it.
		_, _ = c.registry.MarkError(ctx, session.ID, "spawn queue at capacity")
		return nil, err
	}

	return c.respond(session)
}

func (c *Controller) respond(s *model.Session) (*StartResult, error) {
	jwt, err := c.tokens.Grant(s.ID, s.UserIdentity, c.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &StartResult{
		SessionID: s.ID,
		Token:     jwt,
		ServerURL: c.serverURL,
		RoomName:  s.ID,
		Status:    s.Status,
	}, nil
}

// End tears a session down; a thin wrapper over Registry.Remove.
func (c *Controller) End(ctx context.Context, sessionID string) (model.CleanupReport, error) {
	existing, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.CleanupReport{}, err
	}
	if existing == nil {
		return model.CleanupReport{}, apperr.NotFound("session", sessionID)
	}
	return c.registry.Remove(ctx, sessionID, "api end")
}

// GetStatus returns the public projection for GET /session/{id}.
func (c *Controller) GetStatus(ctx context.Context, sessionID string) (*SessionView, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.NotFound("session", sessionID)
	}
	return &SessionView{
		SessionID:    s.ID,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		ErrorMessage: s.ErrorMessage,
	}, nil
}

// GetLogs returns the ring-log lines retained for sessionID.
func (c *Controller) GetLogs(ctx context.Context, sessionID string) ([]string, error) {
	if h, ok := c.registry.Handle(sessionID); ok {
		return h.Output(), nil
	}
	return c.store.GetLogs(ctx, sessionID)
}

// HandleDisconnect verifies and processes an inbound media-server webhook.
// Always returns a nil error for a verified-but-unknown session: duplicates
// and stale rooms are normal traffic.
func (c *Controller) HandleDisconnect(ctx context.Context, rawBody []byte, signature string, hook DisconnectWebhook) error {
	if c.requireSignature || signature != "" {
		if !store.VerifyWebhookSignature(c.webhookSecret, string(rawBody), signature) {
			return apperr.SignatureInvalid("webhook HMAC mismatch")
		}
	}

	switch hook.Event {
	case "participant_joined":
		if err := c.registry.MarkActive(ctx, hook.RoomName, time.Now()); err != nil && !apperr.IsNotFound(err) {
			return err
		}
		return nil
	case "participant_left", "room_finished":
		existing, err := c.store.GetSession(ctx, hook.RoomName)
		if err != nil {
			c.logger.Warn("webhook lookup failed", zap.String("room", hook.RoomName), zap.Error(err))
			return nil
		}
		if existing == nil {
			return nil // already gone; duplicates are normal
		}
		_, err = c.registry.Remove(ctx, hook.RoomName, "disconnect: "+hook.Event)
		return err
	default:
		return nil
	}
}

// HealthSnapshot reports the counts surfaced by GET /health.
type HealthSnapshot struct {
	StoreConnected bool
	Ready          int64
	Starting       int64
	Pool           int64
	QueueDepth     int
	Capacity       int
	PoolTarget     int
	PoolDeficit    int
}

// Health builds the /health response, including pool target and deficit
// visibility alongside the core counts so an operator can see pool health
// at a glance.
func (c *Controller) Health(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{Capacity: c.maxBots, QueueDepth: c.worker.QueueLen()}
	if err := c.store.Ping(ctx); err != nil {
		return snap
	}
	snap.StoreConnected = true
	snap.Ready, _ = c.store.IndexSize(ctx, model.IndexReady)
	snap.Starting, _ = c.store.IndexSize(ctx, model.IndexStarting)
	snap.Pool, _ = c.store.IndexSize(ctx, model.IndexPoolReady)
	snap.PoolTarget, _ = c.store.PoolTarget(ctx)
	if deficit := int64(snap.PoolTarget) - snap.Pool; deficit > 0 {
		snap.PoolDeficit = int(deficit)
	}
	return snap
}
