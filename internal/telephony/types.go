// Package telephony defines the carrier driver contract shared by the two
// variants (Telnyx-style and Twilio-style) and the wire types they exchange
// with the orchestrator.
package telephony

// EventKind tags a parsed WebhookEvent.
type EventKind string

const (
	CallInitiated    EventKind = "callInitiated"
	CallAnswered     EventKind = "callAnswered"
	CallHungUp       EventKind = "callHungUp"
	CallBusy         EventKind = "callBusy"
	CallNoAnswer     EventKind = "callNoAnswer"
	CallFailed       EventKind = "callFailed"
	StreamingStarted EventKind = "streamingStarted"
	StreamingStopped EventKind = "streamingStopped"
	Unknown          EventKind = "unknown"
)

// WebhookEvent is the tagged variant produced by a carrier driver's event
// parser, per spec.md §3.
type WebhookEvent struct {
	Kind          EventKind
	CarrierCallID string
	RawTag        string // populated when Kind == Unknown
}

// Driver is the contract both carrier variants implement. No inheritance —
// a tagged-union-by-interface, matching the polymorphic design in spec.md §9.
type Driver interface {
	// Initiate places an outbound call and returns the carrier-assigned call id.
	Initiate(to, from, webhookURL string) (carrierCallID string, err error)
	// Hangup terminates an in-progress call.
	Hangup(carrierCallID string) error
	// StartStreaming asks the carrier to open a media WebSocket to wsURL.
	// Variant W is a no-op here; it streams via StreamConnectResponse instead.
	StartStreaming(carrierCallID, wsURL string) error
	// StreamConnectResponse builds the response document returned from the
	// webhook endpoint that instructs the carrier how to proceed.
	StreamConnectResponse(wsURL string) []byte
	// VerifySignature authenticates an inbound webhook request.
	VerifySignature(headerSig, fullURL string, body []byte) bool
	// ParseEvent maps a raw webhook body into the tagged WebhookEvent variant.
	ParseEvent(contentType string, body []byte) (WebhookEvent, error)
}
