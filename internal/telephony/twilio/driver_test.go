package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/telephony"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger(commons.Name("twilio-test"), commons.Level("debug"))
	require.NoError(t, err)
	return l
}

func sign(authToken, fullURL string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_AcceptsValidSignature(t *testing.T) {
	d := New(newTestLogger(t), "AC_test", "authtoken123")
	url := "https://example.ngrok.io/twiml"
	body := []byte("CallSid=CA123&CallStatus=completed")
	sig := sign("authtoken123", url, body)
	assert.True(t, d.VerifySignature(sig, url, body))
}

func TestVerifySignature_RejectsWrongSignature(t *testing.T) {
	d := New(newTestLogger(t), "AC_test", "authtoken123")
	assert.False(t, d.VerifySignature("bogus==", "https://example.ngrok.io/twiml", []byte("x")))
}

func TestParseEvent_MapsCallStatusToEvents(t *testing.T) {
	d := New(newTestLogger(t), "AC_test", "authtoken123")

	cases := []struct {
		status string
		want   telephony.EventKind
	}{
		{"ringing", telephony.CallAnswered},
		{"in-progress", telephony.CallAnswered},
		{"completed", telephony.CallHungUp},
		{"busy", telephony.CallBusy},
		{"no-answer", telephony.CallNoAnswer},
		{"failed", telephony.CallFailed},
	}
	for _, c := range cases {
		body := []byte("CallSid=CA999&CallStatus=" + c.status)
		ev, err := d.ParseEvent("application/x-www-form-urlencoded", body)
		require.NoError(t, err)
		assert.Equal(t, c.want, ev.Kind, "status %q", c.status)
		assert.Equal(t, "CA999", ev.CarrierCallID)
	}
}

func TestParseEvent_UnknownStatusRoundTrips(t *testing.T) {
	d := New(newTestLogger(t), "AC_test", "authtoken123")
	body := []byte("CallSid=CA1&CallStatus=queued")
	ev, err := d.ParseEvent("application/x-www-form-urlencoded", body)
	require.NoError(t, err)
	assert.Equal(t, telephony.Unknown, ev.Kind)
	assert.Equal(t, "queued", ev.RawTag)
}

func TestStreamConnectResponse_ContainsStreamURL(t *testing.T) {
	d := New(newTestLogger(t), "AC_test", "authtoken123")
	resp := d.StreamConnectResponse("wss://example.com/media-stream?token=abc")
	assert.Contains(t, string(resp), `<Stream url="wss://example.com/media-stream?token=abc"/>`)
	assert.Contains(t, string(resp), "<Pause length=\"60\"/>")
}

func TestStartStreaming_IsNoOp(t *testing.T) {
	d := New(newTestLogger(t), "AC_test", "authtoken123")
	assert.NoError(t, d.StartStreaming("CA1", "wss://example.com"))
}
