package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDurationMinutes_RoundsUp(t *testing.T) {
	s := &Session{DurationSeconds: 61}
	assert.Equal(t, int64(2), s.DurationMinutes())
}

func TestDurationMinutes_ExactMinute(t *testing.T) {
	s := &Session{DurationSeconds: 120}
	assert.Equal(t, int64(2), s.DurationMinutes())
}

func TestDurationMinutes_Zero(t *testing.T) {
	s := &Session{DurationSeconds: 0}
	assert.Equal(t, int64(0), s.DurationMinutes())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusEnded.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusReady.IsTerminal())
	assert.False(t, StatusStarting.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
}

func TestConfig_IsDefault(t *testing.T) {
	def := Config{VoiceID: "default", OpeningLine: "hi", SystemPrompt: "be nice"}
	assert.True(t, def.IsDefault(def))

	custom := Config{VoiceID: "Craig", OpeningLine: "hi", SystemPrompt: "be nice"}
	assert.False(t, custom.IsDefault(def))
}

func TestCleanupReport_AllOK(t *testing.T) {
	ok := CleanupReport{Steps: []CleanupStepResult{{Step: StepMarkEnded, OK: true}, {Step: StepSignal, OK: true}}}
	assert.True(t, ok.AllOK())

	notOK := CleanupReport{Steps: []CleanupStepResult{{Step: StepMarkEnded, OK: true}, {Step: StepSignal, OK: false, Error: "no such process"}}}
	assert.False(t, notOK.AllOK())
}
