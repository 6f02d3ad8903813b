// Package token issues signed WebRTC join capabilities for the media room
// backing each session. Grounded on the real LiveKit server SDK
// (github.com/livekit/protocol/auth), present in the retrieved pack's
// lookatitude-beluga-ai go.mod — a pure function with no service state and
// no retries.
package token

import (
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
)

// Issuer mints bearer tokens. Signing key material is process-level
// configuration; Issuer holds no session state.
type Issuer struct {
	apiKey     string
	apiSecret  string
	defaultTTL time.Duration
}

// NewIssuer builds an Issuer from the media server's API key/secret pair.
func NewIssuer(apiKey, apiSecret string, defaultTTL time.Duration) *Issuer {
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Hour
	}
	return &Issuer{apiKey: apiKey, apiSecret: apiSecret, defaultTTL: defaultTTL}
}

// Grant is the capability minted for a room/identity pair: join the named
// room, publish audio, subscribe. No other service state.
func (i *Issuer) Grant(room, identity string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = i.defaultTTL
	}

	canPublish := true
	canSubscribe := true

	at := auth.NewAccessToken(i.apiKey, i.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         room,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}
	at.AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(ttl)

	jwt, err := at.ToJWT()
	if err != nil {
		return "", apperr.InternalError("failed to mint media access token", err)
	}
	return jwt, nil
}
