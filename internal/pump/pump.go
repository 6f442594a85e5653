// Package pump implements the Media Pump (C5): the per-call bidirectional
// audio shuttle between the carrier WebSocket and the transcription session.
// Structure (own lifecycle context, single writer mutex, idempotent
// disconnect signalling) is grounded on the teacher's
// internal/channel/webrtc/base_streamer.go baseStreamer. Inbound audio is
// handed to the forwarder synchronously; no frame is dropped.
package pump

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RyanLisse/RingRing/internal/audio"
	"github.com/RyanLisse/RingRing/internal/callerr"
	"github.com/RyanLisse/RingRing/internal/commons"
)

const (
	frameInterval = 18 * time.Millisecond
	tailFlush     = 200 * time.Millisecond
)

type controlFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// Pump runs for the lifetime of one call. The carrier WebSocket has a single
// writer (Pump.SendUtterance) and a single reader (Pump.Run's inbound loop).
type Pump struct {
	logger commons.Logger
	conn   *websocket.Conn

	forwardInbound func(mulaw []byte)
	onStreamStart  func(streamSid string)
	onStreamStop   func() // fired on an explicit "stop" control frame AND on connection loss

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	streamSid string

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Pump bound to one carrier WebSocket connection.
func New(logger commons.Logger, conn *websocket.Conn, forwardInbound func(mulaw []byte), onStreamStart func(streamSid string), onStreamStop func()) *Pump {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pump{
		logger:         logger,
		conn:           conn,
		forwardInbound: forwardInbound,
		onStreamStart:  onStreamStart,
		onStreamStop:   onStreamStop,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// StreamSid returns the streamSid captured from the most recent "start"
// control frame, or "" if none has arrived yet (variant T never sets one).
func (p *Pump) StreamSid() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamSid
}

// Run reads inbound carrier frames until the connection closes or Close is
// called. It never buffers more than the current frame — inbound audio is
// forwarded frame-by-frame, per spec.md §5's no-internal-buffer rule.
func (p *Pump) Run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if p.onStreamStop != nil {
				p.onStreamStop()
			}
			p.Close()
			return
		}

		if decoded, ok := audio.ExtractInboundAudio(msg); ok {
			if p.forwardInbound != nil {
				p.forwardInbound(decoded)
			}
			continue
		}
		p.handleControlFrame(msg)
	}
}

func (p *Pump) handleControlFrame(msg []byte) {
	var cf controlFrame
	if err := json.Unmarshal(msg, &cf); err != nil {
		p.logger.Debugw("unrecognized carrier frame", "error", err)
		return
	}
	switch cf.Event {
	case "start":
		p.mu.Lock()
		p.streamSid = cf.StreamSid
		p.mu.Unlock()
		if p.onStreamStart != nil {
			p.onStreamStart(cf.StreamSid)
		}
	case "stop":
		if p.onStreamStop != nil {
			p.onStreamStop()
		}
	case "connected", "mark":
		// Observed, no action required.
	}
}

// SendUtterance splits a full μ-law buffer into 160-byte frames, paces them
// 18ms apart on the single writer, and sleeps an additional 200ms after the
// last chunk so the carrier can flush. Callers must not invoke this
// concurrently — the Idle<->Speaking mutual exclusion in C8 enforces that at
// most one utterance is outstanding at a time.
func (p *Pump) SendUtterance(ctx context.Context, mulaw []byte) error {
	streamSid := p.StreamSid()

	for offset := 0; offset < len(mulaw); offset += audio.FrameBytes {
		end := offset + audio.FrameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		chunk := mulaw[offset:end]
		frame := audio.MakeMediaMessage(chunk, streamSid)

		if err := p.writeText(frame); err != nil {
			return err
		}

		select {
		case <-time.After(frameInterval):
		case <-ctx.Done():
			return callerr.Wrap(callerr.CallHungUp, ctx.Err())
		}
	}

	select {
	case <-time.After(tailFlush):
	case <-ctx.Done():
	}
	return nil
}

func (p *Pump) writeText(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return callerr.Wrap(callerr.NetworkError, err)
	}
	return nil
}

// Close idempotently tears the pump down: cancels its context and closes the
// carrier WebSocket. Safe to call from multiple goroutines or more than
// once, matching baseStreamer.pushDisconnection's guard.
func (p *Pump) Close() {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	if alreadyClosed {
		return
	}
	p.cancel()
	_ = p.conn.Close()
}
