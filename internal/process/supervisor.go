// Package process launches and supervises voice-agent subprocesses: one
// OS process per session, running in its own process group so the whole
// group can be torn down together. Adapted from the teacher's
// agentctl background-process runner, trading its byte-bounded output
// ring buffer for a line-bounded one and its WebSocket streaming for a
// simple readiness-marker scan.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simsbuddy/voxorch/internal/common/logger"
)

// ringLogCapacity bounds the number of lines retained per session for
// GET /session/{id}/logs.
const ringLogCapacity = 100

// LaunchSpec describes an agent subprocess to start.
type LaunchSpec struct {
	SessionID string
	Path      string
	Args      []string
	Env       []string
	// ReadyMarkers are output substrings (matched on stdout and stderr)
	// that indicate the agent has finished initializing.
	ReadyMarkers []string
}

// ExitResult carries the outcome of a subprocess that has exited.
type ExitResult struct {
	ExitCode   int
	SignalName string
	Err        error
}

// ringLog is a thread-safe, line-bounded FIFO buffer of subprocess output.
type ringLog struct {
	mu    sync.Mutex
	lines []string
}

func newRingLog() *ringLog {
	return &ringLog{lines: make([]string, 0, ringLogCapacity)}
}

func (r *ringLog) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > ringLogCapacity {
		r.lines = r.lines[len(r.lines)-ringLogCapacity:]
	}
}

func (r *ringLog) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Handle represents one supervised agent subprocess.
type Handle struct {
	sessionID string
	cmd       *exec.Cmd
	pid       int
	log       *ringLog
	logger    *logger.Logger

	readyMarkers []string
	readyOnce    sync.Once
	readyCh      chan struct{}

	exitCh     chan struct{}
	exitResult ExitResult
	mu         sync.Mutex
	alive      bool
}

// Supervisor launches agent subprocesses and hands back a Handle for each.
type Supervisor struct {
	logger *logger.Logger
}

// NewSupervisor builds a Supervisor.
func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{logger: log}
}

// Launch starts the agent subprocess described by spec and begins streaming
// its stdout/stderr into a bounded ring log, watching for readiness markers.
func (s *Supervisor) Launch(spec LaunchSpec) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	h := &Handle{
		sessionID:    spec.SessionID,
		cmd:          cmd,
		pid:          cmd.Process.Pid,
		log:          newRingLog(),
		logger:       s.logger,
		readyMarkers: spec.ReadyMarkers,
		readyCh:      make(chan struct{}),
		exitCh:       make(chan struct{}),
		alive:        true,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.streamOutput(&wg, "stdout", stdout)
	go h.streamOutput(&wg, "stderr", stderr)

	go func() {
		wg.Wait()
		exitCode, signalName, waitErr := waitProcess(cmd)
		h.mu.Lock()
		h.alive = false
		h.exitResult = ExitResult{ExitCode: exitCode, SignalName: signalName, Err: waitErr}
		h.mu.Unlock()
		close(h.exitCh)
	}()

	s.logger.Info("agent process launched",
		zap.String("session_id", spec.SessionID),
		zap.Int("pid", h.pid),
	)

	return h, nil
}

func (h *Handle) streamOutput(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.log.append(fmt.Sprintf("[%s] %s", stream, line))

		for _, marker := range h.readyMarkers {
			if marker != "" && strings.Contains(line, marker) {
				h.readyOnce.Do(func() { close(h.readyCh) })
			}
		}
	}
}

// PID returns the agent subprocess's process id, which doubles as its
// process group id (setProcGroup makes the child its own group leader).
func (h *Handle) PID() int {
	return h.pid
}

// Alive reports whether the subprocess is still running.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// IsGroupAlive reports whether the process group led by pgid still has a
// member (signal 0) — usable even when no in-process Handle exists, e.g. a
// liveness sweep running after an orchestrator restart.
func IsGroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	return isGroupAlive(pgid)
}

// Output returns a snapshot of the bounded ring log.
func (h *Handle) Output() []string {
	return h.log.snapshot()
}

// WaitReady blocks until a readiness marker is observed, the process exits,
// or ctx is done.
func (h *Handle) WaitReady(ctx context.Context) error {
	select {
	case <-h.readyCh:
		return nil
	default:
	}
	select {
	case <-h.readyCh:
		return nil
	case <-h.exitCh:
		res := h.WaitExit()
		if res.Err != nil {
			return fmt.Errorf("agent exited before becoming ready: %w", res.Err)
		}
		return fmt.Errorf("agent exited before becoming ready (code %d)", res.ExitCode)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitExit blocks until the subprocess exits and returns its result.
func (h *Handle) WaitExit() ExitResult {
	<-h.exitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitResult
}

// Terminate sends SIGTERM to the process group and escalates to SIGKILL if
// the group has not exited within grace.
func (h *Handle) Terminate(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}

	if err := terminateProcessGroup(h.pid); err != nil {
		h.logger.Warn("SIGTERM to process group failed, escalating to SIGKILL",
			zap.String("session_id", h.sessionID),
			zap.Int("pid", h.pid),
			zap.Error(err),
		)
		return killProcessGroup(h.pid)
	}

	<-time.After(grace)
	if h.Alive() || isGroupAlive(h.pid) {
		return killProcessGroup(h.pid)
	}
	return nil
}
