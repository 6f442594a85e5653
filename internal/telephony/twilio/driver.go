// Package twilio implements carrier Variant W: REST+form-encoded over the
// real twilio-go SDK, with streaming triggered by a TwiML document returned
// from the webhook, and HMAC-SHA1 webhook signatures.
package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	twilioSDK "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/RyanLisse/RingRing/internal/callerr"
	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/telephony"
)

// Driver implements telephony.Driver for the Twilio-style carrier API.
type Driver struct {
	logger    commons.Logger
	client    *twilioSDK.RestClient
	accountSID string
	authToken string
}

// New builds a Twilio driver, thin-wrapping twilio-go the way the teacher's
// own internal/telephony/twilio package wraps it.
func New(logger commons.Logger, accountSID, authToken string) *Driver {
	client := twilioSDK.NewRestClientWithParams(twilioSDK.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Driver{logger: logger, client: client, accountSID: accountSID, authToken: authToken}
}

// Initiate places an outbound call via POST /Accounts/{sid}/Calls.json.
func (d *Driver) Initiate(to, from, webhookURL string) (string, error) {
	start := time.Now()
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(webhookURL)

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		return "", callerr.Wrap(callerr.ProviderError, err)
	}
	if resp.Sid == nil {
		return "", callerr.New(callerr.ProviderError, "twilio call creation returned no sid")
	}
	d.logger.Benchmark("twilio.Initiate", time.Since(start))
	return *resp.Sid, nil
}

// Hangup ends a call via POST /Calls/{sid}.json with Status=completed.
func (d *Driver) Hangup(carrierCallID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := d.client.Api.UpdateCall(carrierCallID, params); err != nil {
		return callerr.Wrap(callerr.ProviderError, err)
	}
	return nil
}

// StartStreaming is a no-op for variant W: streaming is triggered by the
// TwiML document returned from the webhook (StreamConnectResponse).
func (d *Driver) StartStreaming(carrierCallID, wsURL string) error {
	return nil
}

// StreamConnectResponse builds the TwiML document instructing Twilio to
// dial the media WebSocket, then pause to hold the call open.
func (d *Driver) StreamConnectResponse(wsURL string) []byte {
	return []byte(fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Start><Stream url="%s"/></Start><Pause length="60"/></Response>`,
		wsURL,
	))
}

// VerifySignature checks the X-Twilio-Signature header: HMAC-SHA1, keyed with
// the auth token, of fullURL followed by the raw request body, base64-encoded
// and compared in constant time. Form parameters are not sorted or otherwise
// re-encoded before signing.
func (d *Driver) VerifySignature(headerSig, fullURL string, body []byte) bool {
	mac := hmac.New(sha1.New, []byte(d.authToken))
	mac.Write([]byte(fullURL))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(headerSig))
}

var callStatusToEvent = map[string]telephony.EventKind{
	"ringing":     telephony.CallAnswered,
	"in-progress": telephony.CallAnswered,
	"completed":   telephony.CallHungUp,
	"busy":        telephony.CallBusy,
	"no-answer":   telephony.CallNoAnswer,
	"failed":      telephony.CallFailed,
}

// ParseEvent maps Twilio's form-urlencoded webhook body into the tagged
// WebhookEvent, keying off CallStatus and CallSid.
func (d *Driver) ParseEvent(_ string, body []byte) (telephony.WebhookEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return telephony.WebhookEvent{}, callerr.Wrap(callerr.ProviderError, err)
	}
	callSid := values.Get("CallSid")
	status := strings.ToLower(values.Get("CallStatus"))

	kind, ok := callStatusToEvent[status]
	if !ok {
		return telephony.WebhookEvent{Kind: telephony.Unknown, CarrierCallID: callSid, RawTag: status}, nil
	}
	return telephony.WebhookEvent{Kind: kind, CarrierCallID: callSid}, nil
}
