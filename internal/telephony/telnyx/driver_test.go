package telnyx

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/telephony"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger(commons.Name("telnyx-test"), commons.Level("debug"))
	require.NoError(t, err)
	return l
}

func TestVerifySignature_PermissiveWhenUnconfigured(t *testing.T) {
	d, err := New(newTestLogger(t), "key", "conn", "", false)
	require.NoError(t, err)
	assert.True(t, d.VerifySignature("", "https://example.com", []byte("body")))
}

func TestVerifySignature_StrictRejectsWhenUnconfigured(t *testing.T) {
	d, err := New(newTestLogger(t), "key", "conn", "", true)
	require.NoError(t, err)
	assert.False(t, d.VerifySignature("", "https://example.com", []byte("body")))
}

func TestVerifySignature_Ed25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	d, err := New(newTestLogger(t), "key", "conn", base64.StdEncoding.EncodeToString(pub), true)
	require.NoError(t, err)

	body := []byte(`{"data":{"event_type":"call.answered"}}`)
	sig := ed25519.Sign(priv, body)
	assert.True(t, d.VerifySignature(base64.StdEncoding.EncodeToString(sig), "https://example.com/twiml", body))
}

func TestVerifySignature_RejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	d, err := New(newTestLogger(t), "key", "conn", base64.StdEncoding.EncodeToString(pub), true)
	require.NoError(t, err)

	sig := ed25519.Sign(priv, []byte("original"))
	assert.False(t, d.VerifySignature(base64.StdEncoding.EncodeToString(sig), "https://example.com/twiml", []byte("tampered")))
}

func TestParseEvent_MapsKnownEventTypes(t *testing.T) {
	d, err := New(newTestLogger(t), "key", "conn", "", false)
	require.NoError(t, err)

	body := []byte(`{"data":{"event_type":"streaming.started","payload":{"call_control_id":"ccid-1"}}}`)
	ev, err := d.ParseEvent("application/json", body)
	require.NoError(t, err)
	assert.Equal(t, telephony.StreamingStarted, ev.Kind)
	assert.Equal(t, "ccid-1", ev.CarrierCallID)
}

func TestParseEvent_UnknownEventTypeRoundTrips(t *testing.T) {
	d, err := New(newTestLogger(t), "key", "conn", "", false)
	require.NoError(t, err)

	body := []byte(`{"data":{"event_type":"call.weird_new_thing","payload":{"call_control_id":"ccid-2"}}}`)
	ev, err := d.ParseEvent("application/json", body)
	require.NoError(t, err)
	assert.Equal(t, telephony.Unknown, ev.Kind)
	assert.Equal(t, "call.weird_new_thing", ev.RawTag)
}

func TestStreamConnectResponse_IsEmptyXMLEnvelope(t *testing.T) {
	d, err := New(newTestLogger(t), "key", "conn", "", false)
	require.NoError(t, err)
	resp := d.StreamConnectResponse("wss://example.com/media-stream?token=abc")
	assert.Contains(t, string(resp), "<Response>")
}
