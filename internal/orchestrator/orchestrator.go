// Package orchestrator implements the Call Orchestrator (C8): the per-call
// state machine and the four tool operations, coordinating the carrier
// driver (C2), the registry (C6), the webhook/media endpoint (C7), the
// transcription session (C3), the synthesizer (C4), and the media pump (C5).
//
// The concurrent-init pattern in initiate (dial the transcription socket and
// place the carrier call at the same time, fail fast if either errors) is
// grounded on the teacher's errgroup.WithContext usage in
// internal/agent/executor/llm/internal/websocket/websocket_executor.go.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/RyanLisse/RingRing/internal/audio"
	"github.com/RyanLisse/RingRing/internal/callerr"
	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/config"
	"github.com/RyanLisse/RingRing/internal/pump"
	"github.com/RyanLisse/RingRing/internal/registry"
	"github.com/RyanLisse/RingRing/internal/speech"
	"github.com/RyanLisse/RingRing/internal/telephony"
)

// State is the per-call wire state machine from spec.md §4.8.
type State string

const (
	StateCreating  State = "creating"
	StateDialing   State = "dialing"
	StateStreaming State = "streaming"
	StateIdle      State = "idle"
	StateSpeaking  State = "speaking"
	StateListening State = "listening"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
)

const (
	waitForConnectionDeadline = 15 * time.Second
	tailDrainDelay            = 2 * time.Second
	transcriptionModel        = "gpt-4o-transcribe"
)

// Transcriber is the narrow slice of *speech.TranscriptionSession the
// orchestrator depends on. Accepting the interface (rather than the concrete
// type) lets tests substitute a fake instead of dialing the real realtime
// socket, the same narrow-interface style the teacher uses for its LLM
// executor collaborators.
type Transcriber interface {
	Connect(ctx context.Context) error
	SendAudio(mulaw []byte) error
	WaitForTranscript(timeoutMs int) speech.TranscriptOutcome
	OnPartial(cb func(string))
	Close() error
}

// Synthesizer is the narrow slice of *speech.Synthesizer the orchestrator
// depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Option configures an Orchestrator at construction time, following the
// teacher's functional-option constructor pattern.
type Option func(*Orchestrator)

// WithTranscriberFactory overrides how a call's Transcriber is built. Tests
// use this to inject a fake; production code leaves the default, which wraps
// speech.New.
func WithTranscriberFactory(factory func(logger commons.Logger, apiKey, model string, silenceDurationMs int) Transcriber) Option {
	return func(o *Orchestrator) { o.newTranscriber = factory }
}

// WithSynthesizerFactory overrides how a call's Synthesizer is built.
func WithSynthesizerFactory(factory func(apiKey, model, voice string) Synthesizer) Option {
	return func(o *Orchestrator) { o.newSynthesizer = factory }
}

// call is the orchestrator's private view of one in-flight call, distinct
// from registry.CallRecord (which holds only the data C6/C7 need).
type call struct {
	id    string
	token string

	mu    sync.Mutex
	state State

	turnMu sync.Mutex // enforces the speak/listen mutual-exclusion rule

	wsBound bool
	readyMu sync.Mutex
	readyCh chan struct{}
	once    sync.Once

	pump    *pump.Pump
	session Transcriber

	hangupOnce sync.Once
	hangupCh   chan struct{}

	carrierCallID string
	startTime     time.Time
}

func (c *call) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *call) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) signalReady() {
	c.once.Do(func() { close(c.readyCh) })
}

// signalHangup closes hangupCh and reports whether this call was the first.
func (c *call) signalHangup() bool {
	first := false
	c.hangupOnce.Do(func() {
		close(c.hangupCh)
		first = true
	})
	return first
}

// Orchestrator drives the single active call through its lifecycle. It
// implements webhook.MediaStreamHandler, webhook.StreamingStartedHandler, and
// webhook.HangupHandler so the C7 endpoint can notify it directly.
type Orchestrator struct {
	logger commons.Logger
	cfg    *config.AppConfig
	reg    *registry.Registry
	driver telephony.Driver

	newTranscriber func(logger commons.Logger, apiKey, model string, silenceDurationMs int) Transcriber
	newSynthesizer func(apiKey, model, voice string) Synthesizer

	mu      sync.Mutex
	current *call
}

// New builds an Orchestrator bound to one registry and carrier driver.
func New(logger commons.Logger, cfg *config.AppConfig, reg *registry.Registry, driver telephony.Driver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger: logger,
		cfg:    cfg,
		reg:    reg,
		driver: driver,
		newTranscriber: func(logger commons.Logger, apiKey, model string, silenceDurationMs int) Transcriber {
			return speech.New(logger, apiKey, model, silenceDurationMs)
		},
		newSynthesizer: func(apiKey, model, voice string) Synthesizer {
			return speech.NewSynthesizer(apiKey, model, voice)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) lookupCall(callID string) (*call, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.id != callID {
		return nil, callerr.New(callerr.CallNotFound, "%s", callID)
	}
	return o.current, nil
}

// HandleMediaStream implements webhook.MediaStreamHandler: attaches the
// Media Pump to the freshly upgraded carrier WebSocket.
func (o *Orchestrator) HandleMediaStream(callID string, conn *websocket.Conn) {
	c, err := o.lookupCall(callID)
	if err != nil {
		_ = conn.Close()
		return
	}

	p := pump.New(o.logger, conn,
		func(mulaw []byte) {
			if c.session != nil {
				_ = c.session.SendAudio(mulaw)
			}
		},
		func(streamSid string) {
			o.reg.SetStreamSid(c.id, streamSid)
			o.checkReady(c)
		},
		func() { o.beginClosing(c) },
	)
	c.mu.Lock()
	c.pump = p
	c.wsBound = true
	c.mu.Unlock()

	go p.Run()
	o.checkReady(c)
}

// HandleStreamingStarted implements webhook.StreamingStartedHandler (variant
// T): streamingReady is already recorded in the registry by C7. The variant-T
// streaming trigger is the explicit StartStreaming API call named in
// spec.md §4.7 — it has to be made here, not by C7, since only the
// orchestrator knows the call's media-WS token.
func (o *Orchestrator) HandleStreamingStarted(callID string) {
	c, err := o.lookupCall(callID)
	if err != nil {
		return
	}
	if c.carrierCallID != "" {
		wsURL := mediaWSURL(o.cfg.Endpoint.PublicURL(), c.token)
		if err := o.driver.StartStreaming(c.carrierCallID, wsURL); err != nil {
			o.logger.Warnw("startStreaming failed", "callId", c.id, "error", err)
		}
	}
	o.checkReady(c)
}

// mediaWSURL builds the wss:// media-stream URL the carrier is told to dial,
// from the process's public base URL and the call's bearer token.
func mediaWSURL(publicURL, token string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(publicURL, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")
	return "wss://" + host + "/media-stream?token=" + token
}

// HandleHangup implements webhook.HangupHandler: a carrier-side hangup
// interrupts any pending listen with CallHungUp.
func (o *Orchestrator) HandleHangup(callID string) {
	c, err := o.lookupCall(callID)
	if err != nil {
		return
	}
	o.beginClosing(c)
}

// beginClosing transitions a call to Closing and, on its first invocation
// only, closes its transcription session, which unblocks any outstanding
// WaitForTranscript with a HangUp outcome (speech.TranscriptionSession.Close's
// contract) — the mechanism spec.md §5's ordering guarantee #3 depends on to
// fail a pending listen. A webhook hangup racing a WS close closes it once.
func (o *Orchestrator) beginClosing(c *call) {
	c.setState(StateClosing)
	if c.signalHangup() && c.session != nil {
		_ = c.session.Close()
	}
}

func (o *Orchestrator) checkReady(c *call) {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()

	c.mu.Lock()
	bound := c.wsBound
	c.mu.Unlock()
	if !bound {
		return
	}

	rec, err := o.reg.Get(c.id)
	if err != nil {
		return
	}
	if rec.StreamSid != "" || rec.StreamingReady {
		c.signalReady()
	}
}

// Initiate places an outbound call, waits for the media channel to come up,
// speaks the opening message, and listens for the user's first response.
func (o *Orchestrator) Initiate(ctx context.Context, message string) (callID string, userTranscript string, err error) {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return "", "", callerr.New(callerr.ProviderError, "one active call at a time")
	}
	o.mu.Unlock()

	rec, err := o.reg.Create(o.cfg.UserNumber)
	if err != nil {
		return "", "", err
	}

	c := &call{
		id:        rec.CallID,
		token:     uuid.NewString(),
		state:     StateCreating,
		readyCh:   make(chan struct{}),
		hangupCh:  make(chan struct{}),
		startTime: time.Now(),
		session:   o.newTranscriber(o.logger, o.cfg.Speech.APIKey, transcriptionModel, o.cfg.Speech.SilenceDurationMs),
	}

	o.mu.Lock()
	o.current = c
	o.mu.Unlock()

	o.reg.BindChannel(c.id, c.token)

	cleanup := func(cause error) (string, string, error) {
		_ = c.session.Close()
		o.reg.Remove(c.id)
		o.mu.Lock()
		if o.current == c {
			o.current = nil
		}
		o.mu.Unlock()
		return "", "", cause
	}

	// Dial the transcription socket and place the carrier call concurrently:
	// both are independent network round-trips and neither needs the other's
	// result to start.
	g, gCtx := errgroup.WithContext(ctx)
	var carrierCallID string
	g.Go(func() error {
		return c.session.Connect(gCtx)
	})
	g.Go(func() error {
		webhookURL := o.cfg.Endpoint.PublicURL() + "/twiml"
		id, err := o.driver.Initiate(o.cfg.UserNumber, o.cfg.Carrier.CallerNumber, webhookURL)
		if err != nil {
			return err
		}
		carrierCallID = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return cleanup(err)
	}

	c.carrierCallID = carrierCallID
	o.reg.BindCarrierID(c.id, carrierCallID)
	c.setState(StateDialing)

	waitCtx, cancel := context.WithTimeout(ctx, waitForConnectionDeadline)
	defer cancel()
	select {
	case <-c.readyCh:
	case <-waitCtx.Done():
		return cleanup(callerr.New(callerr.CallTimeout, "waitForConnection timed out after %s", waitForConnectionDeadline))
	}

	c.setState(StateStreaming)
	c.setState(StateIdle)
	o.reg.MarkPhase(c.id, registry.PhaseClaimed)

	if err := o.speak(ctx, c, message); err != nil {
		return c.id, "", err
	}
	text, err := o.listen(ctx, c)
	if err != nil {
		return c.id, "", err
	}
	return c.id, text, nil
}

// Continue requires Idle state and a live call; it speaks then listens.
func (o *Orchestrator) Continue(ctx context.Context, callID, message string) (string, error) {
	c, err := o.lookupCall(callID)
	if err != nil {
		return "", err
	}
	if c.getState() != StateIdle {
		return "", callerr.New(callerr.ProviderError, "call %s is not idle", callID)
	}
	rec, err := o.reg.Get(callID)
	if err != nil {
		return "", err
	}
	if rec.HungUp() {
		return "", callerr.New(callerr.CallHungUp, "call %s has already hung up", callID)
	}

	if err := o.speak(ctx, c, message); err != nil {
		return "", err
	}
	return o.listen(ctx, c)
}

// Speak is the standalone speak_to_user tool operation: Idle->Speaking->Idle,
// no transcript consumed.
func (o *Orchestrator) Speak(ctx context.Context, callID, message string) error {
	c, err := o.lookupCall(callID)
	if err != nil {
		return err
	}
	return o.speak(ctx, c, message)
}

func (o *Orchestrator) speak(ctx context.Context, c *call, message string) error {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.setState(StateSpeaking)
	defer c.setState(StateIdle)

	synth := o.newSynthesizer(o.cfg.Speech.APIKey, o.cfg.Speech.TTSModel, string(o.cfg.Speech.Voice))
	pcm24k, err := synth.Synthesize(ctx, message)
	if err != nil {
		return err
	}
	mulaw := audio.PCM16ToMulaw(audio.Resample24kTo8k(pcm24k))

	c.mu.Lock()
	p := c.pump
	c.mu.Unlock()
	if p == nil {
		return callerr.New(callerr.NetworkError, "media channel not yet attached")
	}
	if err := p.SendUtterance(ctx, mulaw); err != nil {
		return err
	}
	o.reg.AppendTranscript(c.id, registry.SpeakerAgent, message)
	return nil
}

func (o *Orchestrator) listen(ctx context.Context, c *call) (string, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.setState(StateListening)
	defer func() {
		// A hang-up during the wait leaves the call in Closing.
		if c.getState() == StateListening {
			c.setState(StateIdle)
		}
	}()

	outcome := c.session.WaitForTranscript(o.cfg.Speech.TranscriptTimeoutMs)
	switch {
	case outcome.Timeout:
		return "", callerr.New(callerr.CallTimeout, "waitForTranscript timed out")
	case outcome.HangUp:
		c.setState(StateClosing)
		return "", callerr.New(callerr.CallHungUp, "call %s hung up while listening", c.id)
	case outcome.Err != nil:
		return "", outcome.Err
	}
	o.reg.AppendTranscript(c.id, registry.SpeakerUser, outcome.Text)
	return outcome.Text, nil
}

// End speaks a closing message, drains the tail, hangs up, and tears down
// every resource associated with the call. Returns elapsed call duration.
func (o *Orchestrator) End(ctx context.Context, callID, message string) (float64, error) {
	c, err := o.lookupCall(callID)
	if err != nil {
		return 0, err
	}
	c.setState(StateClosing)

	if message != "" {
		_ = o.speak(ctx, c, message)
	}

	select {
	case <-time.After(tailDrainDelay):
	case <-ctx.Done():
	}

	if c.carrierCallID != "" {
		if err := o.driver.Hangup(c.carrierCallID); err != nil {
			o.logger.Warnw("carrier hangup failed", "callId", c.id, "error", err)
		}
	}
	if c.session != nil {
		_ = c.session.Close()
	}
	c.mu.Lock()
	p := c.pump
	c.mu.Unlock()
	if p != nil {
		p.Close()
	}

	o.reg.Remove(c.id)
	o.mu.Lock()
	if o.current == c {
		o.current = nil
	}
	o.mu.Unlock()
	c.setState(StateClosed)

	return time.Since(c.startTime).Seconds(), nil
}
