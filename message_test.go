package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	origin := NewId()
	frame := &Frame{
		Kind:      FrameKindUpdate,
		SessionId: "session-1",
		Origin:    origin,
		FilePath:  "main.go",
		Payload:   []byte{0x00, 0x01, 0xfe, 0xff},
	}

	frameBytes, err := EncodeFrame(frame)
	assert.Equal(t, nil, err)

	decoded, err := DecodeFrame(frameBytes)
	assert.Equal(t, nil, err)
	assert.Equal(t, frame.Kind, decoded.Kind)
	assert.Equal(t, frame.SessionId, decoded.SessionId)
	assert.Equal(t, origin, decoded.Origin)
	assert.Equal(t, frame.FilePath, decoded.FilePath)
	assert.Equal(t, frame.Payload, decoded.Payload)
}

func TestFrameRejectsBadInput(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame([]byte(`{"kind":"teleport"}`))
	assert.NotEqual(t, err, nil)

	_, err = EncodeFrame(&Frame{})
	assert.NotEqual(t, err, nil)
}

func TestSessionJwtRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	jwt, err := SignSessionJwt(secret, &SessionJwt{
		SessionId: "session-1",
		UserId:    "u-alice",
		UserName:  "alice",
	}, time.Hour)
	assert.Equal(t, nil, err)

	sessionJwt, err := ParseSessionJwt(secret, jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, "session-1", sessionJwt.SessionId)
	assert.Equal(t, "u-alice", sessionJwt.UserId)
	assert.Equal(t, "alice", sessionJwt.UserName)

	// wrong secret
	_, err = ParseSessionJwt([]byte("other-secret"), jwt)
	assert.NotEqual(t, err, nil)
}
