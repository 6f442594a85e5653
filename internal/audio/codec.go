// Package audio implements the Audio Codec (C1): μ-law <-> PCM16 conversion,
// 24 kHz -> 8 kHz decimation, and the carrier media JSON framing. All
// functions here are pure — no state, no I/O.
package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/zaf/g711"
)

// FrameBytes is the size of one 20ms @ 8kHz mono μ-law media frame.
const FrameBytes = 160

// PCM16ToMulaw encodes signed 16-bit little-endian PCM samples to standard
// ITU-T G.711 μ-law bytes via zaf/g711 (the teacher's own codec dependency).
// Output length is input length / 2, bit-exact against the canonical
// reference table.
func PCM16ToMulaw(pcm []byte) []byte {
	var buf bytes.Buffer
	enc, err := g711.NewUlawEncoder(&buf)
	if err != nil {
		return nil
	}
	_, _ = enc.Write(pcm)
	return buf.Bytes()
}

// MulawToPCM16 decodes μ-law bytes back to signed 16-bit little-endian PCM.
// Not exercised by the outbound pipeline (the carrier and speech service both
// consume raw μ-law directly) but kept for tests and any future debug tap.
func MulawToPCM16(mulaw []byte) []byte {
	var buf bytes.Buffer
	dec, err := g711.NewUlawDecoder(&buf)
	if err != nil {
		return nil
	}
	_, _ = dec.Write(mulaw)
	return buf.Bytes()
}

// Resample24kTo8k performs 3:1 decimation by picking every third sample, with
// no anti-alias filtering. This matches the reference behavior; it is a
// documented quality trade-off (spec.md §9), not a bug.
func Resample24kTo8k(pcm []byte) []byte {
	samples := len(pcm) / 2
	outSamples := samples / 3
	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		src := i * 3 * 2
		out[i*2] = pcm[src]
		out[i*2+1] = pcm[src+1]
	}
	return out
}

// mediaEnvelope mirrors the carrier's inbound/outbound media JSON frame.
type mediaEnvelope struct {
	Event string `json:"event"`
	Media struct {
		Track    string `json:"track,omitempty"`
		Payload  string `json:"payload"`
		StreamSid string `json:"streamSid,omitempty"`
	} `json:"media"`
	StreamSid string `json:"streamSid,omitempty"`
}

// ExtractInboundAudio parses a carrier media JSON message. It returns the
// decoded μ-law payload when media.track == "inbound"; otherwise it returns
// (nil, false) without error, including for non-JSON input.
func ExtractInboundAudio(msg []byte) ([]byte, bool) {
	var env mediaEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false
	}
	if env.Media.Track != "inbound" || env.Media.Payload == "" {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// MakeMediaMessage builds an outbound carrier media frame:
// {"event":"media","media":{"payload":<base64>}[,"streamSid":...]}.
func MakeMediaMessage(audio []byte, streamSid string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"event":"media","media":{"payload":"`)
	buf.WriteString(base64.StdEncoding.EncodeToString(audio))
	buf.WriteString(`"}`)
	if streamSid != "" {
		buf.WriteString(`,"streamSid":"`)
		buf.WriteString(streamSid)
		buf.WriteString(`"`)
	}
	buf.WriteString(`}`)
	return buf.Bytes()
}
