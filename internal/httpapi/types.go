package httpapi

import "github.com/simsbuddy/voxorch/internal/model"

// StartSessionRequest is the body of POST /session/start.
type StartSessionRequest struct {
	UserName         string `json:"userName" binding:"required"`
	VoiceID          string `json:"voiceId"`
	OpeningLine      string `json:"openingLine"`
	SystemPrompt     string `json:"systemPrompt"`
	CorrelationToken string `json:"correlationToken"`
	LongForm         bool   `json:"longForm"`
}

// StartSessionResponse is the success body of POST /session/start.
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ServerURL string `json:"serverUrl"`
	RoomName  string `json:"roomName"`
	Status    string `json:"status"`
}

// EndSessionRequest is the body of POST /session/end.
type EndSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// EndSessionResponse is the success body of POST /session/end.
type EndSessionResponse struct {
	CleanupReport   model.CleanupReport `json:"cleanupReport"`
	DurationSeconds int64               `json:"durationSeconds"`
	DurationMinutes int64               `json:"durationMinutes"`
}

// SessionStatusResponse is the body of GET /session/{id}.
type SessionStatusResponse struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	LastActiveAt string `json:"lastActiveAt"`
	Error        string `json:"error,omitempty"`
}

// SessionLogsResponse is the body of GET /session/{id}/logs.
type SessionLogsResponse struct {
	SessionID string   `json:"sessionId"`
	Lines     []string `json:"lines"`
}

// WebhookRoom mirrors the media server's room payload shape.
type WebhookRoom struct {
	Name string `json:"name"`
}

// WebhookRequest is the body of POST /webhook/media.
type WebhookRequest struct {
	Event string      `json:"event"`
	Room  WebhookRoom `json:"room"`
}

// WebhookResponse is the success body of POST /webhook/media.
type WebhookResponse struct {
	Status string `json:"status"`
	Event  string `json:"event"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string              `json:"status"`
	StoreConnected bool                `json:"storeConnected"`
	Sessions       HealthSessionCounts `json:"sessions"`
	Capacity       int                 `json:"capacity"`
	QueueDepth     int                 `json:"queueDepth"`
	PoolTarget     int                 `json:"poolTarget"`
	PoolDeficit    int                 `json:"poolDeficit"`
}

// HealthSessionCounts breaks down index sizes for /health.
type HealthSessionCounts struct {
	Ready    int64 `json:"ready"`
	Starting int64 `json:"starting"`
	Pool     int64 `json:"pool"`
}
