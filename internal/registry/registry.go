// Package registry implements the Session Registry: the single source of
// truth for session-state transitions. Structurally grounded on the
// teacher's internal/agent/lifecycle.Manager — same per-id indexed
// tracking, cleanup-ordering discipline, and event-bus publication on every
// transition — rebuilt around a process-group Handle and a Redis-backed
// store instead of Manager's Docker client and Postgres task repository.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/common/tracing"
	"github.com/simsbuddy/voxorch/internal/events"
	"github.com/simsbuddy/voxorch/internal/events/bus"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/process"
	"github.com/simsbuddy/voxorch/internal/store"
)

// Registry owns every transition a session's record can make. The State
// Store is its durable mirror; the Process Supervisor's Handle is looked up
// by reference, never owned — the OS owns the process, this Registry just
// tracks it.
type Registry struct {
	store          *store.Adapter
	eventBus       bus.EventBus
	logger         *logger.Logger
	terminateGrace time.Duration

	mu      sync.Mutex
	handles map[string]*process.Handle
	locks   map[string]*sync.Mutex
	removed map[string]bool
	reports map[string]model.CleanupReport
	spans   map[string]trace.Span
}

// New builds a Registry.
func New(st *store.Adapter, eb bus.EventBus, log *logger.Logger, terminateGrace time.Duration) *Registry {
	return &Registry{
		store:          st,
		eventBus:       eb,
		logger:         log,
		terminateGrace: terminateGrace,
		handles:        make(map[string]*process.Handle),
		locks:          make(map[string]*sync.Mutex),
		removed:        make(map[string]bool),
		reports:        make(map[string]model.CleanupReport),
		spans:          make(map[string]trace.Span),
	}
}

// sessionSpan starts (or, for a session already tracked, reuses) the
// long-lived trace span for id, returning a context to use for the current
// transition. A no-op tracer is installed until OTEL_EXPORTER_OTLP_ENDPOINT
// is set, so this is zero-cost when tracing is disabled.
func (r *Registry) sessionSpan(ctx context.Context, id string) context.Context {
	r.mu.Lock()
	span, ok := r.spans[id]
	r.mu.Unlock()
	if ok {
		return trace.ContextWithSpan(ctx, span)
	}
	spanCtx, span := tracing.TraceSessionStart(ctx, id)
	r.mu.Lock()
	r.spans[id] = span
	r.mu.Unlock()
	return spanCtx
}

func (r *Registry) endSessionSpan(id string) {
	r.mu.Lock()
	span, ok := r.spans[id]
	delete(r.spans, id)
	r.mu.Unlock()
	if ok {
		span.End()
	}
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// CreateParams describes a new session before its agent has been spawned.
type CreateParams struct {
	UserIdentity string
	Config       model.Config
	Prewarm      bool
	LongForm     bool
}

// Create inserts a new session record in status `starting`, indexed under
// the starting set, with no pid yet.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now()

	s := &model.Session{
		ID:           id,
		UserIdentity: p.UserIdentity,
		VoiceID:      p.Config.VoiceID,
		OpeningLine:  p.Config.OpeningLine,
		SystemPrompt: p.Config.SystemPrompt,
		Status:       model.StatusStarting,
		CreatedAt:    now,
		LastActiveAt: now,
		Prewarmed:    p.Prewarm,
		LongForm:     p.LongForm,
	}

	if err := r.store.PutSession(ctx, s); err != nil {
		return nil, err
	}
	if err := r.store.PutSessionConfig(ctx, id, p.Config); err != nil {
		return nil, err
	}
	if err := r.store.AddToIndex(ctx, model.IndexStarting, id); err != nil {
		return nil, err
	}

	ctx = r.sessionSpan(ctx, id)
	r.publish(ctx, events.SessionStarting, events.SessionEvent{SessionID: id})
	r.logger.Info("session created",
		zap.String("session_id", id),
		zap.Bool("prewarm", p.Prewarm),
	)
	return s, nil
}

// AttachProcess records pid/pgid and keeps the live Handle, before any
// observer can look for readiness. Must run before the spawn worker begins
// its readiness wait, so a readiness check never races an unattached handle.
func (r *Registry) AttachProcess(ctx context.Context, id string, h *process.Handle) error {
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()

	pid := h.PID()
	return r.store.PatchSession(ctx, id, map[string]interface{}{
		"agent_pid":  pid,
		"agent_pgid": pid,
	})
}

// MarkReady moves a session from `starting` to either `pool-ready` or
// `ready`, per asPool.
func (r *Registry) MarkReady(ctx context.Context, id string, asPool bool) error {
	ctx, span := tracing.TraceTransition(r.sessionSpan(ctx, id), id, "ready")
	defer span.End()

	targetSet := model.IndexReady
	if asPool {
		targetSet = model.IndexPoolReady
	}

	if err := r.store.PatchSession(ctx, id, map[string]interface{}{
		"status": string(model.StatusReady),
	}); err != nil {
		tracing.TraceTransitionResult(span, err)
		return err
	}
	if err := r.store.RemoveFromIndex(ctx, model.IndexStarting, id); err != nil {
		tracing.TraceTransitionResult(span, err)
		return err
	}
	if err := r.store.AddToIndex(ctx, targetSet, id); err != nil {
		tracing.TraceTransitionResult(span, err)
		return err
	}

	r.publish(ctx, events.SessionReady, events.SessionEvent{SessionID: id, Pool: asPool})
	r.logger.Info("session ready", zap.String("session_id", id), zap.Bool("pool", asPool))
	return nil
}

// MarkActive sets conversation_start_at if absent. The orchestrator stamps
// it on the webhook-reported participant join rather than trusting the
// agent's self-reported timestamp — see DESIGN.md.
func (r *Registry) MarkActive(ctx context.Context, id string, ts time.Time) error {
	ctx, span := tracing.TraceTransition(r.sessionSpan(ctx, id), id, "active")
	defer span.End()

	existing, err := r.store.GetSession(ctx, id)
	if err != nil {
		tracing.TraceTransitionResult(span, err)
		return err
	}
	if existing == nil {
		err := apperr.NotFound("session", id)
		tracing.TraceTransitionResult(span, err)
		return err
	}
	if existing.ConversationStart != nil {
		return nil
	}

	if err := r.store.PatchSession(ctx, id, map[string]interface{}{
		"status":                string(model.StatusActive),
		"conversation_start_at": ts.Format(time.RFC3339Nano),
		"last_active_at":        ts.Format(time.RFC3339Nano),
	}); err != nil {
		tracing.TraceTransitionResult(span, err)
		return err
	}

	r.publish(ctx, events.SessionActive, events.SessionEvent{SessionID: id})
	return nil
}

// Touch refreshes last_active_at, used by any operation that observes
// liveness (e.g. a media heartbeat), feeding the idle sweeper.
func (r *Registry) Touch(ctx context.Context, id string, ts time.Time) error {
	return r.store.PatchSession(ctx, id, map[string]interface{}{
		"last_active_at": ts.Format(time.RFC3339Nano),
	})
}

// MarkError sets status=error and error_message, then triggers Remove:
// error is a brief terminal-ish state that collapses straight to ended.
func (r *Registry) MarkError(ctx context.Context, id, msg string) (model.CleanupReport, error) {
	if err := r.store.PatchSession(ctx, id, map[string]interface{}{
		"status":        string(model.StatusError),
		"error_message": msg,
	}); err != nil {
		r.logger.Warn("failed to mark session error before removal",
			zap.String("session_id", id), zap.Error(err))
	}
	r.publish(ctx, events.SessionError, events.SessionEvent{SessionID: id, Error: msg})
	return r.Remove(ctx, id, msg)
}

// AssignResult is the outcome of Assign.
type AssignResult int

const (
	Assigned AssignResult = iota
	AlreadyAssigned
)

// Assign performs the patch half of pool assignment: the Pool Manager has
// already executed the atomic SPOP, the actual linearisation point; Assign
// only applies the resulting user_identity/status/index mutation, verifying
// the record is still present and unassigned first so a caller can never
// silently double-promote the same id. It also writes the user->session
// index, the same write PutSession does for a cold-spawned session, so a
// pool-assigned session is just as reachable from LookupByUserIdentity as
// one that was spawned fresh — without it a second Start call for the same
// user would never find this session and would spawn a duplicate.
func (r *Registry) Assign(ctx context.Context, id, userIdentity string) (AssignResult, error) {
	existing, err := r.store.GetSession(ctx, id)
	if err != nil {
		return AlreadyAssigned, err
	}
	if existing == nil {
		return AlreadyAssigned, apperr.NotFound("session", id)
	}
	if existing.UserIdentity != "" {
		return AlreadyAssigned, nil
	}

	if err := r.store.PatchSession(ctx, id, map[string]interface{}{
		"user_identity": userIdentity,
		"status":        string(model.StatusReady),
	}); err != nil {
		return AlreadyAssigned, err
	}
	if err := r.store.AddToIndex(ctx, model.IndexReady, id); err != nil {
		return AlreadyAssigned, err
	}
	if err := r.store.SetUserIndex(ctx, userIdentity, id); err != nil {
		return AlreadyAssigned, err
	}

	r.publish(ctx, events.PoolAgentAssigned, events.SessionEvent{SessionID: id, UserIdentity: userIdentity})
	return Assigned, nil
}

// Remove is the authoritative teardown, serialised per session id so two
// concurrent calls collapse into one effective cleanup and both receive a
// coherent report.
func (r *Registry) Remove(ctx context.Context, id string, reason string) (model.CleanupReport, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	alreadyRemoved, existed := r.removed[id]
	r.mu.Unlock()
	if existed && alreadyRemoved {
		return r.cachedReport(id), nil
	}

	ctx, span := tracing.TraceTransition(r.sessionSpan(ctx, id), id, "ended")
	defer func() {
		span.End()
		r.endSessionSpan(id)
	}()

	report := model.CleanupReport{SessionID: id}

	existing, _ := r.store.GetSession(ctx, id)

	// Step 1: mark record ended so new observers stop using it.
	if err := r.store.PatchSession(ctx, id, map[string]interface{}{
		"status": string(model.StatusEnded),
	}); err != nil {
		report.Steps = append(report.Steps, model.CleanupStepResult{Step: model.StepMarkEnded, OK: false, Error: err.Error()})
	} else {
		report.Steps = append(report.Steps, model.CleanupStepResult{Step: model.StepMarkEnded, OK: true})
	}

	// Step 2: signal the process group, grace, then force.
	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if h != nil {
		if err := h.Terminate(r.terminateGrace); err != nil {
			report.Steps = append(report.Steps, model.CleanupStepResult{Step: model.StepSignal, OK: false, Error: err.Error()})
		} else {
			report.Steps = append(report.Steps, model.CleanupStepResult{Step: model.StepSignal, OK: true})
		}
	} else {
		// No handle tracked locally (e.g. after an orchestrator restart) —
		// nothing to signal from this process; still a reportable,
		// non-fatal step.
		report.Steps = append(report.Steps, model.CleanupStepResult{Step: model.StepSignal, OK: true})
	}

	// Step 3: deindex, step 4: delete record + subsidiary keys.
	errs := r.store.DeleteSessionAndIndexes(ctx, id)
	if len(errs) == 0 {
		report.Steps = append(report.Steps,
			model.CleanupStepResult{Step: model.StepDeindex, OK: true},
			model.CleanupStepResult{Step: model.StepDeleteRecord, OK: true},
		)
	} else {
		report.Steps = append(report.Steps,
			model.CleanupStepResult{Step: model.StepDeindex, OK: false, Error: combineErrors(errs)},
			model.CleanupStepResult{Step: model.StepDeleteRecord, OK: false, Error: combineErrors(errs)},
		)
	}

	if existing != nil {
		_ = r.store.ClearUserIndex(ctx, existing.UserIdentity)
		if existing.ConversationStart != nil {
			report.DurationSeconds = int64(time.Since(*existing.ConversationStart).Seconds())
		}
	}

	r.mu.Lock()
	r.removed[id] = true
	r.reports[id] = report
	r.mu.Unlock()

	r.publish(ctx, events.SessionEnded, events.SessionEvent{SessionID: id, Reason: reason})
	r.logger.Info("session removed",
		zap.String("session_id", id),
		zap.String("reason", reason),
		zap.Bool("all_ok", report.AllOK()),
	)

	return report, nil
}

// cachedReport returns the CleanupReport recorded by the first Remove call
// for id, so repeated calls return the same report instead of a fresh empty
// one once the session is gone.
func (r *Registry) cachedReport(id string) model.CleanupReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports[id]
}

// Handle returns the tracked process handle for a session, if any is held
// by this orchestrator instance (absent after a restart).
func (r *Registry) Handle(id string) (*process.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// ShouldAbandonSpawn reports whether a session's spawn job should abort
// because the session no longer appears in the `starting` index — it was
// Removed concurrently. An in-flight spawn whose session was Removed while
// starting must abort and Terminate the handle rather than finish spawning
// into a session nobody is waiting on.
func (r *Registry) ShouldAbandonSpawn(ctx context.Context, id string) bool {
	isMember, err := r.store.IsMember(ctx, model.IndexStarting, id)
	if err != nil {
		// Store trouble: be conservative, do not abandon on a transient error.
		return false
	}
	return !isMember
}

func (r *Registry) publish(ctx context.Context, eventType string, payload events.SessionEvent) {
	if r.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "registry", payload)
	if err := r.eventBus.Publish(ctx, events.BuildSessionSubject(payload.SessionID), evt); err != nil {
		r.logger.Debug("event publish failed", zap.Error(err))
	}
}

func combineErrors(errs []error) string {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	if msg == "" {
		msg = "unknown error"
	}
	return msg
}
