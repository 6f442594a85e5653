package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanLisse/RingRing/internal/callerr"
	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/config"
	"github.com/RyanLisse/RingRing/internal/registry"
	"github.com/RyanLisse/RingRing/internal/speech"
	"github.com/RyanLisse/RingRing/internal/telephony"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger(commons.Name("orchestrator-test"), commons.Level("debug"))
	require.NoError(t, err)
	return l
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Carrier:    config.CarrierConfig{Provider: config.ProviderTelnyx, CallerNumber: "+15550000000"},
		Speech:     config.SpeechConfig{APIKey: "sk-test", Voice: config.VoiceOnyx, TTSModel: "tts-1", SilenceDurationMs: 800, TranscriptTimeoutMs: 2000},
		Endpoint:   &config.EndpointConfig{Port: 3333},
		UserNumber: "+15559876543",
	}
}

func newTestEndpoint() *config.EndpointConfig {
	e := &config.EndpointConfig{Port: 3333}
	e.SetPublicURL("https://example.ngrok.app")
	return e
}

// fakeTranscriber is a deterministic Transcriber double: Connect always
// succeeds immediately, and WaitForTranscript returns whatever outcome the
// test preloaded, so orchestrator tests never dial the real realtime socket.
type fakeTranscriber struct {
	mu        sync.Mutex
	connected bool
	sentAudio [][]byte
	outcome   speech.TranscriptOutcome
	closed    bool

	// resultCh, when non-nil, makes WaitForTranscript block until a value is
	// delivered — Close() delivers a HangUp outcome, mirroring the real
	// speech.TranscriptionSession.Close contract this fake stands in for.
	resultCh chan speech.TranscriptOutcome
}

func (f *fakeTranscriber) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTranscriber) SendAudio(mulaw []byte) error {
	f.mu.Lock()
	f.sentAudio = append(f.sentAudio, mulaw)
	f.mu.Unlock()
	return nil
}
func (f *fakeTranscriber) WaitForTranscript(timeoutMs int) speech.TranscriptOutcome {
	f.mu.Lock()
	ch := f.resultCh
	f.mu.Unlock()
	if ch != nil {
		return <-ch
	}
	return f.outcome
}
func (f *fakeTranscriber) OnPartial(cb func(string)) {}
func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	f.closed = true
	ch := f.resultCh
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- speech.TranscriptOutcome{HangUp: true}:
		default:
		}
	}
	return nil
}

type fakeSynthesizer struct {
	pcm []byte
	err error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.pcm, f.err
}

type fakeDriver struct {
	mu             sync.Mutex
	carrierCallID  string
	initiateErr    error
	hangupCalled   bool
	startStreamErr error
}

func (f *fakeDriver) Initiate(to, from, webhookURL string) (string, error) {
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	return f.carrierCallID, nil
}
func (f *fakeDriver) Hangup(carrierCallID string) error {
	f.mu.Lock()
	f.hangupCalled = true
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) StartStreaming(carrierCallID, wsURL string) error { return f.startStreamErr }
func (f *fakeDriver) StreamConnectResponse(wsURL string) []byte       { return []byte("<Response></Response>") }
func (f *fakeDriver) VerifySignature(headerSig, fullURL string, body []byte) bool { return true }
func (f *fakeDriver) ParseEvent(contentType string, body []byte) (telephony.WebhookEvent, error) {
	return telephony.WebhookEvent{}, nil
}

// dialCarrierWS stands in for the carrier opening /media-stream: it returns a
// live client/server websocket.Conn pair, mirroring pump package's test helper.
func dialCarrierWS(t *testing.T) (client *websocket.Conn, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	clientConn, _, err := dialer.DialContext(context.Background(), wsURL, nil)
	require.NoError(t, err)
	return clientConn, <-serverConnCh
}

func newOrchestrator(t *testing.T, driver telephony.Driver, transcriber *fakeTranscriber, synth *fakeSynthesizer) (*Orchestrator, *registry.Registry) {
	reg := registry.New()
	cfg := testConfig()
	cfg.Endpoint = newTestEndpoint()
	o := New(newTestLogger(t), cfg, reg, driver,
		WithTranscriberFactory(func(logger commons.Logger, apiKey, model string, silenceMs int) Transcriber { return transcriber }),
		WithSynthesizerFactory(func(apiKey, model, voice string) Synthesizer { return synth }),
	)
	return o, reg
}

// initiateAndBindMediaStream drives Initiate in a goroutine and, once the
// call's media-stream token is bound as its channel id, simulates the carrier
// opening /media-stream and
// variant T's streaming.started webhook so the 15s readiness gate clears.
func initiateAndBindMediaStream(t *testing.T, o *Orchestrator, reg *registry.Registry, message string) (callID, transcript string, err error) {
	t.Helper()
	type result struct {
		callID, transcript string
		err                error
	}
	resCh := make(chan result, 1)
	go func() {
		id, text, e := o.Initiate(context.Background(), message)
		resCh <- result{id, text, e}
	}()

	require.Eventually(t, func() bool {
		return reg.ActiveCount() == 1
	}, time.Second, 5*time.Millisecond)

	var rec *registry.CallRecord
	require.Eventually(t, func() bool {
		o.mu.Lock()
		c := o.current
		o.mu.Unlock()
		if c == nil {
			return false
		}
		r, e := reg.Get(c.id)
		if e != nil {
			return false
		}
		rec = r
		return rec.ChannelID != ""
	}, time.Second, 5*time.Millisecond)

	_, server := dialCarrierWS(t)
	o.HandleMediaStream(rec.CallID, server)
	reg.SetStreamingReady(rec.CallID)
	o.HandleStreamingStarted(rec.CallID)

	select {
	case r := <-resCh:
		return r.callID, r.transcript, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Initiate did not return in time")
		return "", "", nil
	}
}

func TestInitiate_HappyPathReturnsTranscript(t *testing.T) {
	transcriber := &fakeTranscriber{outcome: speech.TranscriptOutcome{Text: "Go ahead."}}
	synth := &fakeSynthesizer{pcm: make([]byte, 2*24)} // 24 samples of silence, resamples cleanly
	driver := &fakeDriver{carrierCallID: "CC1"}
	o, reg := newOrchestrator(t, driver, transcriber, synth)

	callID, transcript, err := initiateAndBindMediaStream(t, o, reg, "Hello.")
	require.NoError(t, err)
	assert.NotEmpty(t, callID)
	assert.Equal(t, "Go ahead.", transcript)
	assert.True(t, len(transcriber.sentAudio) >= 0) // inbound audio forwarding is pump-driven, not exercised here
}

func TestInitiate_SecondCallWhileActiveFailsWithProviderError(t *testing.T) {
	transcriber := &fakeTranscriber{outcome: speech.TranscriptOutcome{Text: "ok"}}
	synth := &fakeSynthesizer{pcm: make([]byte, 48)}
	driver := &fakeDriver{carrierCallID: "CC1"}
	o, reg := newOrchestrator(t, driver, transcriber, synth)

	_, _, err := initiateAndBindMediaStream(t, o, reg, "Hello.")
	require.NoError(t, err)

	_, _, err = o.Initiate(context.Background(), "Hello again.")
	require.Error(t, err)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.ProviderError, ce.Kind)
}

func TestInitiate_CarrierInitiateFailureCleansUpRegistry(t *testing.T) {
	transcriber := &fakeTranscriber{outcome: speech.TranscriptOutcome{Text: "ok"}}
	synth := &fakeSynthesizer{pcm: make([]byte, 48)}
	driver := &fakeDriver{initiateErr: callerr.New(callerr.ProviderError, "carrier rejected the call")}
	o, reg := newOrchestrator(t, driver, transcriber, synth)

	_, _, err := o.Initiate(context.Background(), "Hello.")
	require.Error(t, err)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.ProviderError, ce.Kind)
	assert.Equal(t, 0, reg.ActiveCount())
}

func TestInitiate_ReadinessTimeoutYieldsCallTimeout(t *testing.T) {
	transcriber := &fakeTranscriber{outcome: speech.TranscriptOutcome{Text: "ok"}}
	synth := &fakeSynthesizer{pcm: make([]byte, 48)}
	driver := &fakeDriver{carrierCallID: "CC1"}
	reg := registry.New()
	cfg := testConfig()
	cfg.Endpoint = newTestEndpoint()
	o := New(newTestLogger(t), cfg, reg, driver,
		WithTranscriberFactory(func(logger commons.Logger, apiKey, model string, silenceMs int) Transcriber { return transcriber }),
		WithSynthesizerFactory(func(apiKey, model, voice string) Synthesizer { return synth }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := o.Initiate(ctx, "Hello.")
	require.Error(t, err)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.CallTimeout, ce.Kind)
	assert.Equal(t, 0, reg.ActiveCount())
}

func TestContinue_ReturnsNextTranscriptAndRejectsUnknownCall(t *testing.T) {
	transcriber := &fakeTranscriber{outcome: speech.TranscriptOutcome{Text: "first"}}
	synth := &fakeSynthesizer{pcm: make([]byte, 48)}
	driver := &fakeDriver{carrierCallID: "CC1"}
	o, reg := newOrchestrator(t, driver, transcriber, synth)

	callID, _, err := initiateAndBindMediaStream(t, o, reg, "Hello.")
	require.NoError(t, err)

	transcriber.outcome = speech.TranscriptOutcome{Text: "second"}
	text, err := o.Continue(context.Background(), callID, "Anything else?")
	require.NoError(t, err)
	assert.Equal(t, "second", text)

	_, err = o.Continue(context.Background(), "unknown-call-id", "hi")
	require.Error(t, err)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.CallNotFound, ce.Kind)
}

func TestListen_HangUpOutcomeYieldsCallHungUp(t *testing.T) {
	transcriber := &fakeTranscriber{outcome: speech.TranscriptOutcome{HangUp: true}}
	synth := &fakeSynthesizer{pcm: make([]byte, 48)}
	driver := &fakeDriver{carrierCallID: "CC1"}
	o, reg := newOrchestrator(t, driver, transcriber, synth)

	_, _, err := initiateAndBindMediaStream(t, o, reg, "Hello.")
	require.Error(t, err)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.CallHungUp, ce.Kind)
}

func TestEnd_RemovesCallAndClosesResources(t *testing.T) {
	transcriber := &fakeTranscriber{outcome: speech.TranscriptOutcome{Text: "ok"}}
	synth := &fakeSynthesizer{pcm: make([]byte, 48)}
	driver := &fakeDriver{carrierCallID: "CC1"}
	o, reg := newOrchestrator(t, driver, transcriber, synth)

	callID, _, err := initiateAndBindMediaStream(t, o, reg, "Hello.")
	require.NoError(t, err)

	endCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	elapsed, err := o.End(endCtx, callID, "Goodbye.")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 0.0)
	assert.Equal(t, 0, reg.ActiveCount())
	assert.True(t, transcriber.closed)
	assert.True(t, driver.hangupCalled)

	_, err = reg.Get(callID)
	require.Error(t, err)
	ce, ok := callerr.As(err)
	require.True(t, ok)
	assert.Equal(t, callerr.CallNotFound, ce.Kind)
}

func TestHandleHangup_InterruptsListenWithCallHungUp(t *testing.T) {
	transcriber := &fakeTranscriber{resultCh: make(chan speech.TranscriptOutcome, 1)}
	synth := &fakeSynthesizer{pcm: make([]byte, 48)}
	driver := &fakeDriver{carrierCallID: "CC1"}
	reg := registry.New()
	cfg := testConfig()
	cfg.Endpoint = newTestEndpoint()
	o := New(newTestLogger(t), cfg, reg, driver,
		WithTranscriberFactory(func(logger commons.Logger, apiKey, model string, silenceMs int) Transcriber { return transcriber }),
		WithSynthesizerFactory(func(apiKey, model, voice string) Synthesizer { return synth }),
	)

	resCh := make(chan error, 1)
	go func() {
		_, _, err := o.Initiate(context.Background(), "Hello.")
		resCh <- err
	}()

	require.Eventually(t, func() bool { return reg.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	o.mu.Lock()
	c := o.current
	o.mu.Unlock()
	require.NotNil(t, c)

	_, server := dialCarrierWS(t)
	o.HandleMediaStream(c.id, server)
	reg.SetStreamingReady(c.id)
	o.HandleStreamingStarted(c.id)

	// listen() is now blocked on transcriber.WaitForTranscript (resultCh has
	// no value yet). HandleHangup must close the session, which delivers a
	// HangUp outcome and unblocks it.
	require.Eventually(t, func() bool { return c.getState() == StateListening }, time.Second, 5*time.Millisecond)
	o.HandleHangup(c.id)
	assert.Equal(t, StateClosing, c.getState())

	select {
	case err := <-resCh:
		require.Error(t, err)
		ce, ok := callerr.As(err)
		require.True(t, ok)
		assert.Equal(t, callerr.CallHungUp, ce.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Initiate did not return")
	}
	assert.True(t, transcriber.closed)
}
