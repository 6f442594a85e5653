// Package config loads process configuration from the environment (with an
// optional .env file) into one immutable AppConfig. This is the "out of
// scope" collaborator named in spec.md §1 — the core never reads os.Getenv
// directly, only the struct this package produces.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/RyanLisse/RingRing/internal/callerr"
)

// Provider tags which carrier variant is configured.
type Provider string

const (
	ProviderTelnyx Provider = "telnyx"
	ProviderTwilio Provider = "twilio"
)

// Voice enumerates the supported TTS voices.
type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceEcho    Voice = "echo"
	VoiceFable   Voice = "fable"
	VoiceOnyx    Voice = "onyx"
	VoiceNova    Voice = "nova"
	VoiceShimmer Voice = "shimmer"
)

func (v Voice) valid() bool {
	switch v {
	case VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer:
		return true
	}
	return false
}

// CarrierConfig is immutable for the life of the process.
type CarrierConfig struct {
	Provider        Provider
	AccountID       string
	Secret          string
	CallerNumber    string // E.164 outbound caller id
	ConnectionID    string // Telnyx connection id, unused by Twilio
	StrictSignature bool   // production deployments must set this true
}

// SpeechConfig is immutable for the life of the process.
type SpeechConfig struct {
	APIKey               string
	Voice                Voice
	TTSModel             string
	SilenceDurationMs    int
	TranscriptTimeoutMs  int
}

// EndpointConfig's PublicURL is late-bound: it may be set once, after
// startup, by the tunnel-provisioning collaborator, then is frozen.
type EndpointConfig struct {
	publicURL string
	bound     bool
	Port      int
}

// SetPublicURL binds the public base URL exactly once. Subsequent calls are
// no-ops, matching the "late-bound once, then frozen" rule in spec.md §3.
func (e *EndpointConfig) SetPublicURL(url string) {
	if e.bound {
		return
	}
	e.publicURL = url
	e.bound = true
}

// PublicURL returns the bound public base URL, or "" if not yet bound.
func (e *EndpointConfig) PublicURL() string { return e.publicURL }

// AppConfig aggregates every immutable configuration block the core depends
// on, read once at startup and never mutated afterward (besides the one-shot
// EndpointConfig.SetPublicURL late-binding).
type AppConfig struct {
	Carrier    CarrierConfig
	Speech     SpeechConfig
	Endpoint   *EndpointConfig
	UserNumber string // E.164 number the agent calls
	TunnelAuth string // optional
}

// Load reads .env (if present) then the process environment, and validates
// required keys. Missing required keys yield a MissingConfiguration-flavored
// error; callers decide how to map that to the process exit code (spec.md §6).
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	provider := Provider(getenv("PHONE_PROVIDER", "telnyx"))
	if provider != ProviderTelnyx && provider != ProviderTwilio {
		return nil, callerr.New(callerr.MissingConfiguration, "PHONE_PROVIDER must be telnyx or twilio, got %q", provider)
	}

	accountID, err := required("CARRIER_ACCOUNT_ID")
	if err != nil {
		return nil, err
	}
	secret, err := required("CARRIER_SECRET")
	if err != nil {
		return nil, err
	}
	callerNumber, err := required("OUTBOUND_CALLER_ID")
	if err != nil {
		return nil, err
	}
	userNumber, err := required("USER_NUMBER")
	if err != nil {
		return nil, err
	}
	apiKey, err := required("SPEECH_API_KEY")
	if err != nil {
		return nil, err
	}

	voice := Voice(getenv("TTS_VOICE", string(VoiceOnyx)))
	if !voice.valid() {
		return nil, callerr.New(callerr.MissingConfiguration, "TTS_VOICE %q is not one of the 6 supported voices", voice)
	}

	port, err := strconv.Atoi(getenv("PORT", "3333"))
	if err != nil {
		return nil, callerr.New(callerr.MissingConfiguration, "PORT is not numeric: %s", err)
	}
	silenceMs, err := strconv.Atoi(getenv("STT_SILENCE_DURATION_MS", "800"))
	if err != nil {
		return nil, callerr.New(callerr.MissingConfiguration, "STT_SILENCE_DURATION_MS is not numeric: %s", err)
	}
	timeoutMs, err := strconv.Atoi(getenv("TRANSCRIPT_TIMEOUT_MS", "180000"))
	if err != nil {
		return nil, callerr.New(callerr.MissingConfiguration, "TRANSCRIPT_TIMEOUT_MS is not numeric: %s", err)
	}
	strict, _ := strconv.ParseBool(getenv("STRICT_WEBHOOK_SIGNATURE", "false"))

	cfg := &AppConfig{
		Carrier: CarrierConfig{
			Provider:        provider,
			AccountID:       accountID,
			Secret:          secret,
			CallerNumber:    callerNumber,
			ConnectionID:    getenv("CARRIER_CONNECTION_ID", ""),
			StrictSignature: strict,
		},
		Speech: SpeechConfig{
			APIKey:              apiKey,
			Voice:               voice,
			TTSModel:            getenv("TTS_MODEL", "tts-1"),
			SilenceDurationMs:   silenceMs,
			TranscriptTimeoutMs: timeoutMs,
		},
		Endpoint:   &EndpointConfig{Port: port},
		UserNumber: userNumber,
		TunnelAuth: getenv("TUNNEL_AUTH_TOKEN", ""),
	}
	if explicit := getenv("PUBLIC_URL", ""); explicit != "" {
		cfg.Endpoint.SetPublicURL(explicit)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func required(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", callerr.New(callerr.MissingConfiguration, "%s is required", key)
	}
	return v, nil
}
