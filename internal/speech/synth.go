package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/RyanLisse/RingRing/internal/callerr"
)

const speechURL = "https://api.openai.com/v1/audio/speech"

// Synthesizer implements the one-shot text->PCM16@24kHz operation (C4).
// Plain net/http, same minimal-dependency-surface choice other OpenAI-backed
// projects in the corpus make for this one REST call even when they import
// an SDK for their main LLM traffic.
type Synthesizer struct {
	httpClient *http.Client
	apiKey     string
	model      string
	voice      string
}

// NewSynthesizer builds a Synthesizer bound to one model/voice pair.
func NewSynthesizer(apiKey, model, voice string) *Synthesizer {
	return &Synthesizer{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		model:      model,
		voice:      voice,
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize converts text to raw PCM16 @ 24kHz mono audio. No caching, no
// retry (spec.md §7): a non-200 response is a SynthesisError carrying the
// response body.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: "pcm",
	})
	if err != nil {
		return nil, callerr.Wrap(callerr.SynthesisError, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, speechURL, bytes.NewReader(body))
	if err != nil {
		return nil, callerr.Wrap(callerr.SynthesisError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, callerr.Wrap(callerr.NetworkError, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, callerr.Wrap(callerr.NetworkError, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, callerr.New(callerr.SynthesisError, "%s", string(respBody))
	}
	return respBody, nil
}
