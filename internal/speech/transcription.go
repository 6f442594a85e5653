// Package speech implements the Transcription Session (C3) and Synthesizer
// (C4) against OpenAI's realtime transcription WebSocket and one-shot
// /v1/audio/speech endpoint. The realtime socket has no first-party Go SDK
// anywhere in the retrieved corpus, so it is hand-framed JSON over a raw
// gorilla/websocket connection, following the teacher's own
// internal/agent/executor/llm/internal/websocket pattern for provider
// protocols the SDK doesn't wrap.
package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RyanLisse/RingRing/internal/callerr"
	"github.com/RyanLisse/RingRing/internal/commons"
)

const realtimeURL = "wss://api.openai.com/v1/realtime"

// TranscriptOutcome is the resolved result of waitForTranscript.
type TranscriptOutcome struct {
	Text    string
	Timeout bool
	HangUp  bool
	Err     error // non-nil means TranscriptionError
}

type sessionUpdatePayload struct {
	Type    string `json:"type"`
	Session struct {
		InputAudioFormat string `json:"input_audio_format"`
		TurnDetection    struct {
			Type              string  `json:"type"`
			Threshold         float64 `json:"threshold"`
			PrefixPaddingMs   int     `json:"prefix_padding_ms"`
			SilenceDurationMs int     `json:"silence_duration_ms"`
		} `json:"turn_detection"`
		InputAudioTranscription struct {
			Model string `json:"model"`
		} `json:"input_audio_transcription"`
	} `json:"session"`
}

type inboundEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Delta      string `json:"delta"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TranscriptionSession is actor-like: one writer, one reader goroutine, and
// at most one outstanding waitForTranscript at a time.
type TranscriptionSession struct {
	logger commons.Logger

	apiKey            string
	model             string
	silenceDurationMs int

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   chan TranscriptOutcome
	waiting   bool

	onPartial func(text string)

	done chan struct{}
}

// New builds a TranscriptionSession. Nothing is dialed until Connect.
func New(logger commons.Logger, apiKey, model string, silenceDurationMs int) *TranscriptionSession {
	return &TranscriptionSession{
		logger:            logger,
		apiKey:            apiKey,
		model:             model,
		silenceDurationMs: silenceDurationMs,
		done:              make(chan struct{}),
	}
}

// OnPartial registers a callback invoked with live (non-final) hypotheses.
func (s *TranscriptionSession) OnPartial(cb func(text string)) {
	s.onPartial = cb
}

// Connect opens the realtime WebSocket, sends session.update, and starts the
// receive loop.
func (s *TranscriptionSession) Connect(ctx context.Context) error {
	start := time.Now()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	u, err := url.Parse(realtimeURL)
	if err != nil {
		return callerr.Wrap(callerr.ProviderError, err)
	}
	q := u.Query()
	q.Set("model", s.model)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return callerr.Wrap(callerr.NetworkError, err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)
	s.conn = conn

	if err := s.sendSessionUpdate(); err != nil {
		return err
	}

	go s.receiveLoop(ctx)

	s.logger.Benchmark("speech.TranscriptionSession.Connect", time.Since(start))
	return nil
}

func (s *TranscriptionSession) sendSessionUpdate() error {
	upd := sessionUpdatePayload{Type: "session.update"}
	upd.Session.InputAudioFormat = "g711_ulaw"
	upd.Session.TurnDetection.Type = "server_vad"
	upd.Session.TurnDetection.Threshold = 0.5
	upd.Session.TurnDetection.PrefixPaddingMs = 300
	upd.Session.TurnDetection.SilenceDurationMs = s.silenceDurationMs
	upd.Session.InputAudioTranscription.Model = s.model

	body, err := json.Marshal(upd)
	if err != nil {
		return callerr.Wrap(callerr.ProviderError, err)
	}
	return s.writeRaw(body)
}

type appendAudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SendAudio streams one μ-law frame to the speech service.
func (s *TranscriptionSession) SendAudio(mulaw []byte) error {
	evt := appendAudioEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(mulaw),
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return callerr.Wrap(callerr.ProviderError, err)
	}
	return s.writeRaw(body)
}

func (s *TranscriptionSession) writeRaw(body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return callerr.New(callerr.NetworkError, "transcription session not connected")
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return callerr.Wrap(callerr.NetworkError, err)
	}
	return nil
}

// WaitForTranscript blocks until a final transcript, timeout, hang-up, or
// transcription error arrives. Only one call may be outstanding at a time;
// a second concurrent call is a programming error and panics, matching the
// actor-like single-writer/single-waiter contract in spec.md §4.3.
func (s *TranscriptionSession) WaitForTranscript(timeoutMs int) TranscriptOutcome {
	s.pendingMu.Lock()
	if s.waiting {
		s.pendingMu.Unlock()
		panic("speech: WaitForTranscript called while another wait is outstanding")
	}
	ch := make(chan TranscriptOutcome, 1)
	s.pending = ch
	s.waiting = true
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		s.waiting = false
		s.pending = nil
		s.pendingMu.Unlock()
	}()

	if timeoutMs <= 0 {
		return TranscriptOutcome{Timeout: true}
	}

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome
	case <-timer.C:
		return TranscriptOutcome{Timeout: true}
	case <-s.done:
		return TranscriptOutcome{HangUp: true}
	}
}

// resolve delivers an outcome to the single outstanding waiter, if any.
func (s *TranscriptionSession) resolve(outcome TranscriptOutcome) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.waiting && s.pending != nil {
		select {
		case s.pending <- outcome:
		default:
		}
	}
}

func (s *TranscriptionSession) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.resolve(TranscriptOutcome{HangUp: true})
				return
			}
			s.logger.Warnw("transcription socket read error", "error", err)
			s.resolve(TranscriptOutcome{Err: callerr.Wrap(callerr.TranscriptionError, err)})
			return
		}

		var evt inboundEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			s.logger.Warnw("malformed transcription event", "error", err)
			continue
		}

		switch evt.Type {
		case "conversation.item.input_audio_transcription.completed":
			s.resolve(TranscriptOutcome{Text: evt.Transcript})
		case "conversation.item.input_audio_transcription.failed":
			s.resolve(TranscriptOutcome{Err: callerr.New(callerr.TranscriptionError, "%s", evt.Error.Message)})
		case "conversation.item.input_audio_transcription.delta":
			if s.onPartial != nil {
				s.onPartial(evt.Delta)
			}
		case "input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped":
			// Observed but not surfaced, per spec.
		}
	}
}

// Close terminates the WebSocket and unblocks any outstanding wait with HangUp.
func (s *TranscriptionSession) Close() error {
	select {
	case <-s.done:
		// already closed
	default:
		close(s.done)
	}
	s.resolve(TranscriptOutcome{HangUp: true})

	if s.conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return callerr.Wrap(callerr.NetworkError, err)
	}
	return nil
}
