// Package store provides the typed key-value store adapter backing session
// records, index sets, and pool membership. It is grounded on the
// connection-pooling and health-check style of ManuGH-xg2g's
// internal/cache/redis.go, adapted from a read-through HTTP cache to a
// read/write session store and rebuilt on this repository's zap logger
// and apperr error kinds instead of zerolog/ad-hoc errors.
package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/model"
)

// Config configures the underlying Redis connection.
type Config struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

// Adapter is the typed accessor over the shared key-value store. It offers
// no transactions spanning calls: some exported methods are a single atomic
// store operation, while others (PatchSession, DeleteSessionAndIndexes,
// RateLimit among them) issue several commands, and components above order
// their calls so intermediate states stay safe.
type Adapter struct {
	client *redis.Client
	logger *logger.Logger
	ttl    time.Duration
}

// New dials Redis and verifies connectivity with a PING, matching the
// teacher pack's "fail fast on a bad connection string" style.
func New(cfg Config, log *logger.Logger) (*Adapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperr.StoreUnavailable(err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}

	log.Info("connected to state store", zap.String("addr", cfg.Addr))

	return &Adapter{client: client, logger: log, ttl: ttl}, nil
}

// NewWithClient wraps an already-constructed redis.Client, used by tests
// that dial an in-process miniredis server.
func NewWithClient(client *redis.Client, ttl time.Duration, log *logger.Logger) *Adapter {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Adapter{client: client, logger: log, ttl: ttl}
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Ping reports whether the store is reachable, used by the /health handler.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

func sessionKey(id string) string       { return "session:" + id }
func sessionConfigKey(id string) string { return "session:" + id + ":config" }
func agentPIDKey(id string) string      { return "agent:" + id + ":pid" }
func agentLogsKey(id string) string     { return "agent:" + id + ":logs" }
func rateLimitKey(bucket string) string { return "ratelimit:" + bucket }

const userIndexPrefix = "user:"

func userIndexKey(userIdentity string) string { return userIndexPrefix + userIdentity }

// PutSession writes the full record and applies the configured TTL. It does
// not modify index set membership — callers add the id to the appropriate
// index separately.
func (a *Adapter) PutSession(ctx context.Context, s *model.Session) error {
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(s.ID), toHash(s))
	pipe.Expire(ctx, sessionKey(s.ID), a.ttl)
	pipe.Set(ctx, agentPIDKey(s.ID), s.AgentPID, a.ttl)
	if s.UserIdentity != "" {
		pipe.Set(ctx, userIndexKey(s.UserIdentity), s.ID, a.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// PatchSession applies a partial field update: all fields are written by
// one HSET, followed by a TTL refresh in the same pipeline, which is not a
// transaction.
func (a *Adapter) PatchSession(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	pipe := a.client.Pipeline()
	pipe.HSet(ctx, sessionKey(id), fields)
	pipe.Expire(ctx, sessionKey(id), a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// GetSession fetches a session record, returning (nil, nil) if absent.
func (a *Adapter) GetSession(ctx context.Context, id string) (*model.Session, error) {
	m, err := a.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, apperr.StoreUnavailable(err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return fromHash(id, m)
}

// LookupByUserIdentity returns the session id currently mapped to a caller
// identity, or "" if none. Backs the idempotency-by-user check every session
// creation path must perform before provisioning anything new.
func (a *Adapter) LookupByUserIdentity(ctx context.Context, userIdentity string) (string, error) {
	id, err := a.client.Get(ctx, userIndexKey(userIdentity)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", apperr.StoreUnavailable(err)
	}
	return id, nil
}

// SetUserIndex writes the user->session mapping directly. PutSession already
// does this for a freshly created record; this is the same write for a
// session that instead came from the pool and is only now being handed its
// first user identity, so LookupByUserIdentity can find it too.
func (a *Adapter) SetUserIndex(ctx context.Context, userIdentity, sessionID string) error {
	if userIdentity == "" {
		return nil
	}
	if err := a.client.Set(ctx, userIndexKey(userIdentity), sessionID, a.ttl).Err(); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// ClearUserIndex removes the user->session mapping, called during Remove.
func (a *Adapter) ClearUserIndex(ctx context.Context, userIdentity string) error {
	if userIdentity == "" {
		return nil
	}
	if err := a.client.Del(ctx, userIndexKey(userIdentity)).Err(); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// PutSessionConfig persists the immutable voice/opening-line/prompt
// snapshot under session:{id}:config.
func (a *Adapter) PutSessionConfig(ctx context.Context, id string, cfg model.Config) error {
	pipe := a.client.Pipeline()
	pipe.HSet(ctx, sessionConfigKey(id), map[string]interface{}{
		"voice_id":      cfg.VoiceID,
		"opening_line":  cfg.OpeningLine,
		"system_prompt": cfg.SystemPrompt,
	})
	pipe.Expire(ctx, sessionConfigKey(id), a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// GetSessionConfig reads back the snapshot written by PutSessionConfig.
func (a *Adapter) GetSessionConfig(ctx context.Context, id string) (model.Config, error) {
	m, err := a.client.HGetAll(ctx, sessionConfigKey(id)).Result()
	if err != nil {
		return model.Config{}, apperr.StoreUnavailable(err)
	}
	return model.Config{
		VoiceID:      m["voice_id"],
		OpeningLine:  m["opening_line"],
		SystemPrompt: m["system_prompt"],
	}, nil
}

// AddToIndex adds a session id to a named set (ready/starting/pool-ready).
func (a *Adapter) AddToIndex(ctx context.Context, set, id string) error {
	if err := a.client.SAdd(ctx, set, id).Err(); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// RemoveFromIndex removes a session id from a named set.
func (a *Adapter) RemoveFromIndex(ctx context.Context, set, id string) error {
	if err := a.client.SRem(ctx, set, id).Err(); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// IndexMembers lists every id currently in a named set.
func (a *Adapter) IndexMembers(ctx context.Context, set string) ([]string, error) {
	members, err := a.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, apperr.StoreUnavailable(err)
	}
	return members, nil
}

// IsMember reports whether id belongs to a named set, used by the spawn
// worker to detect that its session was removed mid-flight.
func (a *Adapter) IsMember(ctx context.Context, set, id string) (bool, error) {
	ok, err := a.client.SIsMember(ctx, set, id).Result()
	if err != nil {
		return false, apperr.StoreUnavailable(err)
	}
	return ok, nil
}

// IndexSize returns the cardinality of a named set.
func (a *Adapter) IndexSize(ctx context.Context, set string) (int64, error) {
	n, err := a.client.SCard(ctx, set).Result()
	if err != nil {
		return 0, apperr.StoreUnavailable(err)
	}
	return n, nil
}

// PopPoolReady atomically removes and returns an arbitrary member of the
// pool-ready set. This pop is the linearisation point for pool assignment:
// two callers racing for the last pool agent cannot both win because SPOP is
// atomic at the store.
func (a *Adapter) PopPoolReady(ctx context.Context) (string, error) {
	id, err := a.client.SPop(ctx, model.IndexPoolReady).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", apperr.StoreUnavailable(err)
	}
	return id, nil
}

// DeleteSessionAndIndexes best-effort deletes the session record, its
// config snapshot, pid mirror, and log list, and removes it from every index
// set. It never returns early on a single failure — every step is attempted
// and failures are collected so a caller can log what actually went wrong.
func (a *Adapter) DeleteSessionAndIndexes(ctx context.Context, id string) []error {
	var errs []error

	for _, set := range []string{model.IndexStarting, model.IndexReady, model.IndexPoolReady} {
		if err := a.client.SRem(ctx, set, id).Err(); err != nil {
			errs = append(errs, fmt.Errorf("deindex %s: %w", set, err))
		}
	}

	keys := []string{sessionKey(id), sessionConfigKey(id), agentPIDKey(id), agentLogsKey(id)}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		errs = append(errs, fmt.Errorf("delete keys: %w", err))
	}

	return errs
}

// AppendLog appends one line to the persisted, capped ring-log mirror for a
// session (agent:{id}:logs, capped at 100 lines).
func (a *Adapter) AppendLog(ctx context.Context, id, line string) error {
	pipe := a.client.Pipeline()
	pipe.RPush(ctx, agentLogsKey(id), line)
	pipe.LTrim(ctx, agentLogsKey(id), -100, -1)
	pipe.Expire(ctx, agentLogsKey(id), a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// GetLogs returns the persisted log lines for a session.
func (a *Adapter) GetLogs(ctx context.Context, id string) ([]string, error) {
	lines, err := a.client.LRange(ctx, agentLogsKey(id), 0, -1).Result()
	if err != nil {
		return nil, apperr.StoreUnavailable(err)
	}
	return lines, nil
}

// RateLimit implements the increment-with-expire idiom: the first call in a
// window sets the bucket to 1 with a TTL of window; subsequent calls
// increment it. Returns false once the bucket exceeds max.
func (a *Adapter) RateLimit(ctx context.Context, bucket string, window time.Duration, max int64) (bool, error) {
	key := rateLimitKey(bucket)
	count, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return false, apperr.StoreUnavailable(err)
	}
	if count == 1 {
		if err := a.client.Expire(ctx, key, window).Err(); err != nil {
			return false, apperr.StoreUnavailable(err)
		}
	}
	return count <= max, nil
}

// PoolTarget reads the configured pool-ready target size.
func (a *Adapter) PoolTarget(ctx context.Context) (int, error) {
	v, err := a.client.Get(ctx, "pool:target").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.StoreUnavailable(err)
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, nil
	}
	return n, nil
}

// SetPoolTarget persists the configured pool-ready target size.
func (a *Adapter) SetPoolTarget(ctx context.Context, target int) error {
	if err := a.client.Set(ctx, "pool:target", target, 0).Err(); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// IncrPoolStat bumps one field of the pool:stats hash (total_spawned,
// total_assigned).
func (a *Adapter) IncrPoolStat(ctx context.Context, field string) error {
	if err := a.client.HIncrBy(ctx, "pool:stats", field, 1).Err(); err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// VerifyWebhookSignature performs a constant-time HMAC-SHA256 comparison of
// a webhook body against the provided signature, using the shared secret.
func VerifyWebhookSignature(secret, body, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := mac.Sum(nil)

	signature = strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

func toHash(s *model.Session) map[string]interface{} {
	h := map[string]interface{}{
		"id":               s.ID,
		"user_identity":    s.UserIdentity,
		"voice_id":         s.VoiceID,
		"opening_line":     s.OpeningLine,
		"system_prompt":    s.SystemPrompt,
		"spawn_job_id":     s.SpawnJobID,
		"agent_pid":        s.AgentPID,
		"agent_pgid":       s.AgentPGID,
		"status":           string(s.Status),
		"created_at":       s.CreatedAt.Format(time.RFC3339Nano),
		"last_active_at":   s.LastActiveAt.Format(time.RFC3339Nano),
		"duration_seconds": s.DurationSeconds,
		"error_message":    s.ErrorMessage,
		"prewarmed":        boolToStr(s.Prewarmed),
		"long_form":        boolToStr(s.LongForm),
	}
	if s.ConversationStart != nil {
		h["conversation_start_at"] = s.ConversationStart.Format(time.RFC3339Nano)
	} else {
		h["conversation_start_at"] = ""
	}
	return h
}

func fromHash(id string, m map[string]string) (*model.Session, error) {
	s := &model.Session{
		ID:           id,
		UserIdentity: m["user_identity"],
		VoiceID:      m["voice_id"],
		OpeningLine:  m["opening_line"],
		SystemPrompt: m["system_prompt"],
		SpawnJobID:   m["spawn_job_id"],
		Status:       model.Status(m["status"]),
		ErrorMessage: m["error_message"],
		Prewarmed:    m["prewarmed"] == "true",
		LongForm:     m["long_form"] == "true",
	}

	s.AgentPID, _ = strconv.Atoi(m["agent_pid"])
	s.AgentPGID, _ = strconv.Atoi(m["agent_pgid"])
	s.DurationSeconds, _ = strconv.ParseInt(m["duration_seconds"], 10, 64)

	if v := m["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.CreatedAt = t
		}
	}
	if v := m["last_active_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.LastActiveAt = t
		}
	}
	if v := m["conversation_start_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.ConversationStart = &t
		}
	}

	return s, nil
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
