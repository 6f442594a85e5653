// Package telnyx implements carrier Variant T: REST+JSON over net/http, with
// streaming triggered by an explicit API call and ed25519 webhook signatures.
// No Telnyx Go SDK exists in the retrieved corpus, so this driver talks to
// the carrier directly over net/http, the same fallback the teacher repo
// itself uses for providers lacking a first-party client.
package telnyx

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RyanLisse/RingRing/internal/callerr"
	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/telephony"
)

const baseURL = "https://api.telnyx.com/v2"

// Driver implements telephony.Driver for the Telnyx-style carrier API.
type Driver struct {
	logger       commons.Logger
	httpClient   *http.Client
	apiKey       string // bearer token
	connectionID string
	publicKey    ed25519.PublicKey // nil when unconfigured
	strict       bool
}

// New builds a Telnyx driver. publicKeyB64 may be empty; verification then
// follows the permissive compatibility rule in spec.md §7.
func New(logger commons.Logger, apiKey, connectionID, publicKeyB64 string, strict bool) (*Driver, error) {
	var pub ed25519.PublicKey
	if publicKeyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
		if err != nil {
			return nil, callerr.New(callerr.MissingConfiguration, "telnyx public key is not valid base64: %s", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, callerr.New(callerr.MissingConfiguration, "telnyx public key has wrong size %d", len(raw))
		}
		pub = ed25519.PublicKey(raw)
	}
	return &Driver{
		logger:       logger,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		apiKey:       apiKey,
		connectionID: connectionID,
		publicKey:    pub,
		strict:       strict,
	}, nil
}

type createCallRequest struct {
	To               string `json:"to"`
	From             string `json:"from"`
	WebhookURL       string `json:"webhook_url"`
	WebhookURLMethod string `json:"webhook_url_method"`
	ConnectionID     string `json:"connection_id"`
}

type createCallResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

// Initiate places an outbound call via POST {api}/calls.
func (d *Driver) Initiate(to, from, webhookURL string) (string, error) {
	start := time.Now()
	body, err := json.Marshal(createCallRequest{
		To:               to,
		From:             from,
		WebhookURL:       webhookURL,
		WebhookURLMethod: "POST",
		ConnectionID:     d.connectionID,
	})
	if err != nil {
		return "", callerr.Wrap(callerr.ProviderError, err)
	}
	var resp createCallResponse
	if err := d.doJSON(http.MethodPost, baseURL+"/calls", body, &resp); err != nil {
		return "", err
	}
	d.logger.Benchmark("telnyx.Initiate", time.Since(start))
	return resp.Data.CallControlID, nil
}

// Hangup ends a call via POST {api}/calls/{id}/actions/hangup.
func (d *Driver) Hangup(carrierCallID string) error {
	url := fmt.Sprintf("%s/calls/%s/actions/hangup", baseURL, carrierCallID)
	return d.doJSON(http.MethodPost, url, []byte(`{}`), nil)
}

type startStreamingRequest struct {
	StreamURL   string `json:"stream_url"`
	StreamTrack string `json:"stream_track"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
}

// StartStreaming asks Telnyx to open a media WS to wsURL via the explicit
// streaming API call (the variant-T streaming trigger).
func (d *Driver) StartStreaming(carrierCallID, wsURL string) error {
	url := fmt.Sprintf("%s/calls/%s/actions/stream", baseURL, carrierCallID)
	body, err := json.Marshal(startStreamingRequest{
		StreamURL:   wsURL,
		StreamTrack: "inbound",
		Format:      "ULAW",
		SampleRate:  8000,
	})
	if err != nil {
		return callerr.Wrap(callerr.ProviderError, err)
	}
	return d.doJSON(http.MethodPost, url, body, nil)
}

// StreamConnectResponse returns an empty XML envelope: variant T triggers
// streaming via the explicit API call above, not via the webhook response.
func (d *Driver) StreamConnectResponse(wsURL string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

// VerifySignature checks an ed25519 signature over the raw webhook body. When
// no public key is configured, the permissive compatibility rule (spec.md
// §7) applies unless strict mode is on.
func (d *Driver) VerifySignature(headerSig, fullURL string, body []byte) bool {
	if d.publicKey == nil {
		if d.strict {
			return false
		}
		d.logger.Warnw("telnyx signature check skipped: no public key configured")
		return true
	}
	sig, err := base64.StdEncoding.DecodeString(headerSig)
	if err != nil {
		return false
	}
	return ed25519.Verify(d.publicKey, body, sig)
}

type telnyxWebhook struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
		} `json:"payload"`
	} `json:"data"`
}

var eventKindByType = map[string]telephony.EventKind{
	"call.initiated":      telephony.CallInitiated,
	"call.answered":       telephony.CallAnswered,
	"call.hangup":         telephony.CallHungUp,
	"call.busy":           telephony.CallBusy,
	"call.no-answer":      telephony.CallNoAnswer,
	"call.failed":         telephony.CallFailed,
	"streaming.started":   telephony.StreamingStarted,
	"streaming.stopped":   telephony.StreamingStopped,
}

// ParseEvent maps a Telnyx JSON webhook body into the tagged WebhookEvent.
func (d *Driver) ParseEvent(_ string, body []byte) (telephony.WebhookEvent, error) {
	var w telnyxWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return telephony.WebhookEvent{}, callerr.Wrap(callerr.ProviderError, err)
	}
	kind, ok := eventKindByType[w.Data.EventType]
	if !ok {
		return telephony.WebhookEvent{
			Kind:          telephony.Unknown,
			CarrierCallID: w.Data.Payload.CallControlID,
			RawTag:        w.Data.EventType,
		}, nil
	}
	return telephony.WebhookEvent{Kind: kind, CarrierCallID: w.Data.Payload.CallControlID}, nil
}

func (d *Driver) doJSON(method, url string, body []byte, out interface{}) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return callerr.Wrap(callerr.NetworkError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return callerr.Wrap(callerr.NetworkError, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return callerr.Wrap(callerr.NetworkError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return callerr.New(callerr.ProviderError, "telnyx %s %s: %d: %s", method, url, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return callerr.Wrap(callerr.ProviderError, err)
		}
	}
	return nil
}
