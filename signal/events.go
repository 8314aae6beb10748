package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types exchanged through the messaging substrate. The four literals
// are part of the public wire contract and must not change.
const (
	EventInvite     = "m.call.invite"
	EventCandidates = "m.call.candidates"
	EventAnswer     = "m.call.answer"
	EventHangup     = "m.call.hangup"
)

// Version is the signalling protocol version carried on every payload.
const Version = 0

// SessionDescription is a plain-value SDP description.
//
// Type is "offer" or "answer". The description is always a copy of the
// media stack's output; forwarding live wrapper objects breaks certain
// engines on the receiving side.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a single ICE candidate in wire form. Field names follow the
// substrate's established JSON casing.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// InviteContent is the payload of an EventInvite room event.
// Lifetime is the invite validity window in milliseconds; the callee
// shortens its ringing timeout by the event's already-elapsed age.
type InviteContent struct {
	Version  int                `json:"version"`
	CallID   string             `json:"call_id"`
	Offer    SessionDescription `json:"offer"`
	Lifetime int64              `json:"lifetime"`
}

// AnswerContent is the payload of an EventAnswer room event.
type AnswerContent struct {
	Version int                `json:"version"`
	CallID  string             `json:"call_id"`
	Answer  SessionDescription `json:"answer"`
}

// CandidatesContent is the payload of an EventCandidates room event.
// Candidates are batched; within a batch the order matches local emission
// order.
type CandidatesContent struct {
	Version    int         `json:"version"`
	CallID     string      `json:"call_id"`
	Candidates []Candidate `json:"candidates"`
}

// HangupContent is the payload of an EventHangup room event.
type HangupContent struct {
	Version int    `json:"version"`
	CallID  string `json:"call_id"`
	Reason  string `json:"reason"`
}

// Event is the envelope in which a signalling payload is delivered by the
// substrate. AgeMS is how long the event spent in transit and federation
// queues before local delivery; it is only meaningful on invites.
type Event struct {
	RoomID  string          `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	AgeMS   int64           `json:"age_ms,omitempty"`
}

// Envelope errors.
var (
	// ErrMissingCallID indicates a payload without a call_id field.
	ErrMissingCallID = errors.New("signalling payload has no call_id")

	// ErrUnknownEventType indicates an event type outside the call
	// signalling contract.
	ErrUnknownEventType = errors.New("unknown signalling event type")
)

// ParseInvite decodes an InviteContent payload.
func ParseInvite(raw json.RawMessage) (*InviteContent, error) {
	var content InviteContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode invite: %w", err)
	}
	if content.CallID == "" {
		return nil, ErrMissingCallID
	}
	return &content, nil
}

// ParseAnswer decodes an AnswerContent payload.
func ParseAnswer(raw json.RawMessage) (*AnswerContent, error) {
	var content AnswerContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	if content.CallID == "" {
		return nil, ErrMissingCallID
	}
	return &content, nil
}

// ParseCandidates decodes a CandidatesContent payload.
func ParseCandidates(raw json.RawMessage) (*CandidatesContent, error) {
	var content CandidatesContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	if content.CallID == "" {
		return nil, ErrMissingCallID
	}
	return &content, nil
}

// ParseHangup decodes a HangupContent payload.
func ParseHangup(raw json.RawMessage) (*HangupContent, error) {
	var content HangupContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode hangup: %w", err)
	}
	if content.CallID == "" {
		return nil, ErrMissingCallID
	}
	return &content, nil
}
