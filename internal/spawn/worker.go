// Package spawn consumes queued spawn jobs against the Process Supervisor,
// interprets agent readiness, retries transient failures, and publishes
// results into the Session Registry. The bounded-queue +
// N-worker shape and its retry-with-backoff are grounded on the teacher's
// internal/orchestrator/scheduler.Scheduler (ticker-driven processLoop,
// RetryTask's delayed re-enqueue), reworked around golang.org/x/sync/errgroup
// for the worker pool instead of a hand-rolled sync.WaitGroup/channel loop.
package spawn

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/process"
	"github.com/simsbuddy/voxorch/internal/registry"
)

// initMarkers are the agent's initialization-complete readiness markers.
// Both pool and direct-assigned spawns wait on these: the user-join signal
// (when one exists) arrives later and separately via the media server's
// webhook, so gating readiness on it would make pool agents — which have no
// joiner — time out forever. Decision recorded in DESIGN.md.
var initMarkers = []string{
	"Pipeline started",
	"LiveKit transport created",
	"Inworld TTS service initialized",
}

// Job describes one agent spawn to perform.
type Job struct {
	SessionID    string
	UserIdentity string
	Prewarm      bool
	Config       model.Config
}

// AgentLaunchConfig carries the knobs needed to construct a LaunchSpec.
type AgentLaunchConfig struct {
	Path           string
	StoreURL       string
	StartupTimeout time.Duration
	TerminateGrace time.Duration
}

// Worker is the bounded spawn-job consumer.
type Worker struct {
	supervisor *process.Supervisor
	registry   *registry.Registry
	logger     *logger.Logger
	cfg        AgentLaunchConfig

	concurrency int
	queue       chan Job
}

// New builds a Worker with a bounded in-memory queue (backpressure via
// max_queue, typically 2 x max_bots).
func New(sup *process.Supervisor, reg *registry.Registry, log *logger.Logger, cfg AgentLaunchConfig, concurrency, maxQueue int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if maxQueue <= 0 {
		maxQueue = concurrency * 10
	}
	return &Worker{
		supervisor:  sup,
		registry:    reg,
		logger:      log,
		cfg:         cfg,
		concurrency: concurrency,
		queue:       make(chan Job, maxQueue),
	}
}

// Enqueue submits a job without blocking; callers must not wait on the
// queue — if it is at capacity, AtCapacity is returned immediately.
func (w *Worker) Enqueue(job Job) error {
	select {
	case w.queue <- job:
		return nil
	default:
		return apperr.AtCapacity("spawn queue is full")
	}
}

// QueueLen reports current queue depth, surfaced via /health.
func (w *Worker) QueueLen() int {
	return len(w.queue)
}

// Run starts `concurrency` workers draining the queue until ctx is done.
// Each worker is an errgroup goroutine, matching the bounded-concurrency
// idiom the pack reaches for (golang.org/x/sync/errgroup) in place of a
// hand-rolled WaitGroup/channel loop.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue:
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	const maxAttempts = 3
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		transient, err := w.attempt(ctx, job)
		if err == nil {
			return
		}
		lastErr = err
		if !transient {
			// Non-transient outcomes (timeout, premature exit) already
			// marked the session error inside attempt; do not retry at this
			// layer.
			return
		}

		if attempt == maxAttempts {
			break
		}

		backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		w.logger.Warn("spawn attempt failed, retrying",
			zap.String("session_id", job.SessionID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return
		}
	}

	w.logger.Error("spawn exhausted retries",
		zap.String("session_id", job.SessionID),
		zap.Error(lastErr),
	)
	_, _ = w.registry.MarkError(ctx, job.SessionID, fmt.Sprintf("spawn failed after retries: %v", lastErr))
}

// attempt runs one spawn attempt. The bool return reports whether the
// failure (if any) is transient and worth retrying.
func (w *Worker) attempt(ctx context.Context, job Job) (transient bool, err error) {
	if w.registry.ShouldAbandonSpawn(ctx, job.SessionID) {
		return false, nil
	}

	args := []string{
		"--session-id=" + job.SessionID,
		"--voice-id=" + job.Config.VoiceID,
	}
	if job.Config.OpeningLine != "" {
		args = append(args, "--opening-line="+job.Config.OpeningLine)
	}
	if job.Config.SystemPrompt != "" {
		args = append(args, "--system-prompt="+job.Config.SystemPrompt)
	}

	spec := process.LaunchSpec{
		SessionID:    job.SessionID,
		Path:         w.cfg.Path,
		Args:         args,
		Env:          []string{"VOXORCH_STORE_URL=" + w.cfg.StoreURL},
		ReadyMarkers: initMarkers,
	}

	handle, launchErr := w.supervisor.Launch(spec)
	if launchErr != nil {
		// Failing to exec the agent binary at all is transient from the
		// worker's point of view (e.g. a momentary resource limit).
		return true, launchErr
	}

	// AttachProcess before any readiness wait: load-bearing so a concurrent
	// Remove can still locate the pgid.
	if err := w.registry.AttachProcess(ctx, job.SessionID, handle); err != nil {
		_ = handle.Terminate(w.cfg.TerminateGrace)
		return true, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, w.cfg.StartupTimeout)
	defer cancel()

	abandonCtx, abandonCancel := context.WithCancel(readyCtx)
	defer abandonCancel()
	go w.watchForAbandon(abandonCtx, abandonCancel, job.SessionID)

	waitErr := handle.WaitReady(abandonCtx)
	if waitErr == nil {
		if err := w.registry.MarkReady(ctx, job.SessionID, job.Prewarm); err != nil {
			return true, err
		}
		return false, nil
	}

	if abandonCtx.Err() != nil && readyCtx.Err() == nil {
		// Session was removed out from under us; honor the cancellation
		// silently, no error to report.
		_ = handle.Terminate(w.cfg.TerminateGrace)
		return false, nil
	}

	if readyCtx.Err() != nil {
		// Hard startup deadline hit.
		_ = handle.Terminate(w.cfg.TerminateGrace)
		_, _ = w.registry.MarkError(ctx, job.SessionID, apperr.SpawnTimeout(job.SessionID).Message)
		return false, apperr.SpawnTimeout(job.SessionID)
	}

	// Process exited before becoming ready.
	exit := handle.WaitExit()
	agentErr := apperr.AgentPrematureExit(job.SessionID, exit.ExitCode)
	_, _ = w.registry.MarkError(ctx, job.SessionID, agentErr.Message)
	return false, agentErr
}

func (w *Worker) watchForAbandon(ctx context.Context, cancel context.CancelFunc, sessionID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.registry.ShouldAbandonSpawn(context.Background(), sessionID) {
				cancel()
				return
			}
		}
	}
}
