// Package model holds the data types shared across voxorch's components.
package model

import "time"

// Status is a session's position in the lifecycle state machine.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusEnded    Status = "ended"
)

// Index set names the Adapter tracks session ids under.
const (
	IndexStarting  = "starting"
	IndexReady     = "ready"
	IndexPoolReady = "pool-ready"
)

// Session is the sole first-class entity: one per voice conversation.
type Session struct {
	ID           string `redis:"id"`
	UserIdentity string `redis:"user_identity"`

	VoiceID      string `redis:"voice_id"`
	OpeningLine  string `redis:"opening_line"`
	SystemPrompt string `redis:"system_prompt"`

	SpawnJobID string `redis:"spawn_job_id"`

	AgentPID  int `redis:"agent_pid"`
	AgentPGID int `redis:"agent_pgid"`

	Status Status `redis:"status"`

	CreatedAt         time.Time  `redis:"created_at"`
	LastActiveAt      time.Time  `redis:"last_active_at"`
	ConversationStart *time.Time `redis:"conversation_start_at"`

	DurationSeconds int64  `redis:"duration_seconds"`
	ErrorMessage    string `redis:"error_message"`

	Prewarmed bool `redis:"prewarmed"`

	// LongForm marks sessions that use the extended idle-sweep threshold.
	LongForm bool `redis:"long_form"`
}

// Config is the agent-configuration snapshot captured at session creation
// and never mutated after spawn. Keyed by session id so two sessions for
// the same voice never collide on a shared config key.
type Config struct {
	VoiceID      string `redis:"voice_id"`
	OpeningLine  string `redis:"opening_line"`
	SystemPrompt string `redis:"system_prompt"`
}

// IsDefault reports whether cfg matches the pool's default voice
// configuration, used by the Lifecycle Controller to decide whether a
// request may be satisfied from the pool. A conservative implementation
// bypasses the pool for non-default config — see DESIGN.md.
func (c Config) IsDefault(defaultCfg Config) bool {
	return c == defaultCfg
}

// DurationMinutes rounds DurationSeconds up to whole minutes (61s -> 2 minutes).
func (s *Session) DurationMinutes() int64 {
	if s.DurationSeconds <= 0 {
		return 0
	}
	return (s.DurationSeconds + 59) / 60
}

// IsTerminal reports whether status represents a terminal state.
func (st Status) IsTerminal() bool {
	return st == StatusEnded || st == StatusError
}

// CleanupStep names one ordered step of Registry.Remove's teardown.
type CleanupStep string

const (
	StepMarkEnded    CleanupStep = "mark_ended"
	StepSignal       CleanupStep = "signal_process_group"
	StepDeindex      CleanupStep = "deindex"
	StepDeleteRecord CleanupStep = "delete_record"
)

// CleanupStepResult records whether one step of Remove succeeded.
type CleanupStepResult struct {
	Step  CleanupStep `json:"step"`
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
}

// CleanupReport is the structured, step-by-step outcome of a Remove call.
// Repeated calls for the same id must return structurally equal reports.
type CleanupReport struct {
	SessionID       string              `json:"sessionId"`
	Steps           []CleanupStepResult `json:"steps"`
	DurationSeconds int64               `json:"durationSeconds"`
}

// AllOK reports whether every step in the report succeeded.
func (r CleanupReport) AllOK() bool {
	for _, step := range r.Steps {
		if !step.OK {
			return false
		}
	}
	return true
}
