package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJWTPayload(t *testing.T, jwt string) map[string]interface{} {
	t.Helper()
	parts := strings.Split(jwt, ".")
	require.Len(t, parts, 3, "a JWT must have header.payload.signature")

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var claims map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &claims))
	return claims
}

func TestNewIssuer_DefaultsTTL(t *testing.T) {
	i := NewIssuer("key", "secret", 0)
	assert.Equal(t, 2*time.Hour, i.defaultTTL)
}

func TestGrant_ProducesValidJWTWithRoomAndIdentity(t *testing.T) {
	i := NewIssuer("api-key", "super-secret-value-padding", time.Hour)

	jwt, err := i.Grant("room-123", "alice", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, jwt)

	claims := decodeJWTPayload(t, jwt)
	assert.Equal(t, "alice", claims["sub"])

	video, ok := claims["video"].(map[string]interface{})
	require.True(t, ok, "claims must carry a video grant")
	assert.Equal(t, "room-123", video["room"])
	assert.Equal(t, true, video["roomJoin"])
	assert.Equal(t, true, video["canPublish"])
	assert.Equal(t, true, video["canSubscribe"])
}

func TestGrant_FallsBackToDefaultTTL(t *testing.T) {
	i := NewIssuer("api-key", "super-secret-value-padding", 30*time.Minute)

	jwt, err := i.Grant("room-456", "bob", 0)
	require.NoError(t, err)

	claims := decodeJWTPayload(t, jwt)
	exp, ok := claims["exp"].(float64)
	require.True(t, ok)
	iat, ok := claims["iat"].(float64)
	require.True(t, ok)

	assert.InDelta(t, 30*60, exp-iat, 5, "expiry must reflect the default TTL when none is given")
}
