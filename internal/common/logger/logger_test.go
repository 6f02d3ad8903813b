package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_AcceptsConsoleAndTextAliases(t *testing.T) {
	for _, format := range []string{"console", "text", "json"} {
		log, err := NewLogger(LoggingConfig{Level: "info", Format: format, OutputPath: "stdout"})
		require.NoError(t, err)
		require.NotNil(t, log.Zap())
	}
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "not-a-level", Format: "json"})
	require.NoError(t, err, "an unparsable level must not fail construction")
	require.NotNil(t, log)
}

func TestWithFields_DoesNotMutateParent(t *testing.T) {
	base, err := NewLogger(LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	child := base.WithFields(zap.String("session_id", "abc"))
	assert.Len(t, base.fields, 0)
	assert.Len(t, child.fields, 1)
}

func TestWithContext_ExtractsCorrelationID(t *testing.T) {
	base, err := NewLogger(LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), CorrelationIDKey, "req-1")
	withCtx := base.WithContext(ctx)
	assert.Len(t, withCtx.fields, 1)
}

func TestWithContext_NoValuesReturnsSameLogger(t *testing.T) {
	base, err := NewLogger(LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	withCtx := base.WithContext(context.Background())
	assert.Same(t, base, withCtx)
}

func TestDefault_IsIdempotent(t *testing.T) {
	first := Default()
	second := Default()
	assert.Same(t, first, second)
}

func TestSetDefault_Overrides(t *testing.T) {
	custom, err := NewLogger(LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	SetDefault(custom)
	assert.Same(t, custom, Default())
}
