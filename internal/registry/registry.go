// Package registry implements the Call State Registry (C6): the in-memory
// map of active calls plus secondary indexes, serialized by a single
// registry-wide lock (the coarse-but-acceptable discipline from spec.md §5,
// grounded on the teacher's single-mutex guard around shared call state in
// internal/channel/webrtc/base_streamer.go).
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/RyanLisse/RingRing/internal/callerr"
)

// Speaker tags a transcript line's origin.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// TranscriptLine is one entry in a CallRecord's transcript log.
type TranscriptLine struct {
	Speaker Speaker
	Text    string
}

// Phase is the observability-facing lifecycle summary, distinct from the
// orchestrator's wire state machine — see SPEC_FULL.md's supplemented
// features section.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseClaimed   Phase = "claimed"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// CallRecord is one active call, per spec.md §3. hungUp is monotonic: it may
// only flip from false to true.
type CallRecord struct {
	CallID         string
	CarrierCallID  string
	UserNumber     string
	StartTime      time.Time
	Transcript     []TranscriptLine
	hungUp         bool
	StreamSid      string
	StreamingReady bool
	Phase          Phase
	ChannelID      string
}

// HungUp reports the call's monotonic hang-up flag.
func (r *CallRecord) HungUp() bool { return r.hungUp }

// MarkHungUp flips hungUp to true. A no-op if already true.
func (r *CallRecord) MarkHungUp() { r.hungUp = true }

// Registry holds the single active call (spec.md's single-active-call rule)
// plus secondary indexes by carrier call id and channel identity.
type Registry struct {
	mu          sync.Mutex
	byCallID    map[string]*CallRecord
	byCarrierID map[string]string
	byChannel   map[string]string
	nextID      uint64
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byCallID:    make(map[string]*CallRecord),
		byCarrierID: make(map[string]string),
		byChannel:   make(map[string]string),
	}
}

// Create mints a new call-id of the form call-<counter>-<unix-seconds> and
// inserts a CallRecord. Fails if a call is already active (single-active-call
// rule, spec.md §3 and §8).
func (r *Registry) Create(userNumber string) (*CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byCallID) > 0 {
		return nil, callerr.New(callerr.ProviderError, "one active call at a time")
	}

	id := fmt.Sprintf("call-%d-%d", r.nextID, time.Now().Unix())
	r.nextID++

	rec := &CallRecord{
		CallID:     id,
		UserNumber: userNumber,
		StartTime:  time.Now(),
		Phase:      PhasePending,
	}
	r.byCallID[id] = rec
	return rec, nil
}

// Get looks up a CallRecord by call-id.
func (r *Registry) Get(callID string) (*CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byCallID[callID]
	if !ok {
		return nil, callerr.New(callerr.CallNotFound, "%s", callID)
	}
	return rec, nil
}

// ActiveCount returns the number of currently tracked calls, for /health.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCallID)
}

// BindCarrierID records the secondary carrier-call-id -> call-id index and
// marks the record claimed.
func (r *Registry) BindCarrierID(callID, carrierCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byCallID[callID]; ok {
		rec.CarrierCallID = carrierCallID
		rec.Phase = PhaseClaimed
	}
	r.byCarrierID[carrierCallID] = callID
}

// BindChannel records the secondary channel-identity -> call-id index.
func (r *Registry) BindChannel(callID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byCallID[callID]; ok {
		rec.ChannelID = channelID
	}
	r.byChannel[channelID] = callID
}

// LookupByCarrierID resolves a carrier-call-id to its CallRecord.
func (r *Registry) LookupByCarrierID(carrierCallID string) (*CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCarrierID[carrierCallID]
	if !ok {
		return nil, false
	}
	rec, ok := r.byCallID[id]
	return rec, ok
}

// LookupByChannel resolves a channel identity to its CallRecord.
func (r *Registry) LookupByChannel(channelID string) (*CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byChannel[channelID]
	if !ok {
		return nil, false
	}
	rec, ok := r.byCallID[id]
	return rec, ok
}

// SetStreamSid records the streamSid assigned by variant W on media "start".
func (r *Registry) SetStreamSid(callID, streamSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byCallID[callID]; ok {
		rec.StreamSid = streamSid
	}
}

// SetStreamingReady flags a call as ready once variant T's streaming.started
// webhook arrives.
func (r *Registry) SetStreamingReady(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byCallID[callID]; ok {
		rec.StreamingReady = true
	}
}

// MarkHungUpByCarrierID flips the monotonic hungUp flag for the call
// matching carrierCallID, if any.
func (r *Registry) MarkHungUpByCarrierID(carrierCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCarrierID[carrierCallID]
	if !ok {
		return
	}
	if rec, ok := r.byCallID[id]; ok {
		rec.MarkHungUp()
	}
}

// AppendTranscript appends one transcript line to a call's log.
func (r *Registry) AppendTranscript(callID string, speaker Speaker, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byCallID[callID]; ok {
		rec.Transcript = append(rec.Transcript, TranscriptLine{Speaker: speaker, Text: text})
	}
}

// Remove deletes a CallRecord and its secondary-index entries. Called by C8
// at end (or on fatal error during initiate).
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byCallID[callID]
	if !ok {
		return
	}
	delete(r.byCallID, callID)
	if rec.CarrierCallID != "" {
		delete(r.byCarrierID, rec.CarrierCallID)
	}
	if rec.ChannelID != "" {
		delete(r.byChannel, rec.ChannelID)
	}
}

// MarkPhase updates a call's observability-facing phase.
func (r *Registry) MarkPhase(callID string, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byCallID[callID]; ok {
		rec.Phase = phase
	}
}
