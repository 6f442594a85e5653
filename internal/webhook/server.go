// Package webhook implements the Webhook/Media Endpoint (C7): the gin HTTP
// server exposing /health, POST /twiml, and the /media-stream WebSocket
// upgrade, wired the way the teacher wires its gin routes (struct-based API
// handlers registered on an *gin.Engine route group, grounded on
// api/assistant-api/router/assistant.go and healthcheck.go) and upgrading
// connections the way the teacher's WebRTCConnect handler does (a package
// level websocket.Upgrader with CheckOrigin always true, since the carrier
// and the tunnel front door are both outside the browser origin model).
package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/registry"
	"github.com/RyanLisse/RingRing/internal/telephony"
)

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MediaStreamHandler is notified once a /media-stream WebSocket has
// completed its handshake and the token has resolved to a known call. The
// orchestrator (C8) implements this to attach the Media Pump (C5).
type MediaStreamHandler interface {
	HandleMediaStream(callID string, conn *websocket.Conn)
}

// StreamingStartedHandler is notified on the streaming.started webhook
// (variant T only) so the orchestrator can build the media-WS URL and invoke
// the carrier driver's StartStreaming.
type StreamingStartedHandler interface {
	HandleStreamingStarted(callID string)
}

// HangupHandler is notified whenever a webhook event implies the call ended
// on the carrier side (hangup, busy, no-answer, failed), so the orchestrator
// can interrupt a pending listen with CallHungUp.
type HangupHandler interface {
	HandleHangup(callID string)
}

// Server is the C7 HTTP/WS surface. It holds no call-state logic of its
// own — every mutation is delegated to the registry or to the handler
// callbacks above, per spec.md §4.7's "routes into C6/C5/C2" framing.
type Server struct {
	logger   commons.Logger
	registry *registry.Registry
	driver   telephony.Driver
	media    MediaStreamHandler
	started  StreamingStartedHandler
	hangup   HangupHandler
	engine   *gin.Engine
}

// New builds the C7 endpoint and registers its three routes on a fresh gin
// engine, the way the teacher's router package groups routes per concern.
func New(logger commons.Logger, reg *registry.Registry, driver telephony.Driver, media MediaStreamHandler, started StreamingStartedHandler, hangup HangupHandler) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		logger:   logger,
		registry: reg,
		driver:   driver,
		media:    media,
		started:  started,
		hangup:   hangup,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Engine exposes the underlying gin.Engine so cmd/ringring can run it.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/twiml", s.handleTwiML)
	s.engine.GET("/media-stream", s.handleMediaStream)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"activeCalls": s.registry.ActiveCount(),
	})
}

// signatureHeader picks whichever of the two carrier-specific signature
// headers spec.md §6 names is present on the request; each driver only
// recognizes its own.
func signatureHeader(c *gin.Context) string {
	if v := c.GetHeader("Telnyx-Signature-Ed25519"); v != "" {
		return v
	}
	return c.GetHeader("X-Twilio-Signature")
}

func (s *Server) handleTwiML(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.logger.Errorw("failed to read webhook body", "error", err)
		c.Data(http.StatusOK, "application/xml", s.driver.StreamConnectResponse(""))
		return
	}

	fullURL := publicURLFor(c)
	if !s.driver.VerifySignature(signatureHeader(c), fullURL, body) {
		s.logger.Warnw("rejected webhook with bad signature")
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	evt, err := s.driver.ParseEvent(c.GetHeader("Content-Type"), body)
	if err != nil {
		s.logger.Debugw("malformed webhook body", "error", err)
		c.Data(http.StatusOK, "application/xml", s.driver.StreamConnectResponse(""))
		return
	}

	switch evt.Kind {
	// callAnswered carries no state change of its own here: the orchestrator
	// already knows dialing succeeded once the media channel binds (§4.8).
	case telephony.CallHungUp, telephony.CallBusy, telephony.CallNoAnswer, telephony.CallFailed:
		rec, ok := s.registry.LookupByCarrierID(evt.CarrierCallID)
		s.registry.MarkHungUpByCarrierID(evt.CarrierCallID)
		if ok && s.hangup != nil {
			s.hangup.HandleHangup(rec.CallID)
		}
	case telephony.StreamingStarted:
		if rec, ok := s.registry.LookupByCarrierID(evt.CarrierCallID); ok {
			s.registry.SetStreamingReady(rec.CallID)
			if s.started != nil {
				s.started.HandleStreamingStarted(rec.CallID)
			}
		}
	}

	wsURL := ""
	if rec, ok := s.registry.LookupByCarrierID(evt.CarrierCallID); ok {
		wsURL = mediaStreamURL(c, rec.ChannelID)
	}
	c.Data(http.StatusOK, "application/xml", s.driver.StreamConnectResponse(wsURL))
}

func (s *Server) handleMediaStream(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := mediaUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("media-stream upgrade failed", "error", err)
		return
	}

	rec, ok := s.registry.LookupByChannel(token)
	if !ok {
		s.logger.Warnw("media-stream token did not resolve to a call", "token", token)
		_ = conn.Close()
		return
	}

	if s.media != nil {
		s.media.HandleMediaStream(rec.CallID, conn)
	}
}

func publicURLFor(c *gin.Context) string {
	scheme := "https"
	if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}

func mediaStreamURL(c *gin.Context, token string) string {
	if token == "" {
		return ""
	}
	return "wss://" + c.Request.Host + "/media-stream?token=" + token
}
