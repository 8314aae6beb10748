// Package callsig routes call signalling events between a room-based
// messaging substrate and per-call state machines.
//
// The Registry owns the call table for a client session: it constructs
// inbound calls when invites arrive, dispatches answers, candidates, and
// hangups to the owning call by identifier, and synthesizes already-ended
// calls for hangups observed after the fact so history can be displayed.
package callsig

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roomrtc/callsig/call"
	"github.com/roomrtc/callsig/media"
	"github.com/roomrtc/callsig/signal"
)

// Config carries the shared collaborators for every call the registry
// creates.
type Config struct {
	// Channel publishes signalling events. Required.
	Channel signal.Channel

	// Provider is the media stack adapter. Required.
	Provider media.Provider

	// StreamURL converts stream handles to renderer URLs. Required only
	// when video views are used.
	StreamURL media.StreamURL

	// TURNServers configures ICE for every call. Defaults to the fallback
	// STUN entry per call when empty.
	TURNServers []media.ICEServer

	// InviteLifetime overrides the per-call default.
	InviteLifetime time.Duration

	// Time overrides the system clock, for tests.
	Time call.TimeProvider
}

// Registry tracks the live calls of one client session and routes inbound
// signalling events to them.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	calls map[string]*call.Call

	incomingCB func(*call.Call)
	endedCB    func(*call.Call)
}

// NewRegistry validates the configuration and builds an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Channel == nil {
		return nil, errors.New("signalling channel cannot be nil")
	}
	if cfg.Provider == nil {
		return nil, errors.New("media provider cannot be nil")
	}
	return &Registry{
		cfg:   cfg,
		calls: make(map[string]*call.Call),
	}, nil
}

// SetIncomingCallback registers the observer for inbound ringing calls.
// The observer must register the call's own callbacks and either Answer
// or Hangup it.
func (r *Registry) SetIncomingCallback(fn func(*call.Call)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incomingCB = fn
}

// SetEndedCallback registers the observer for synthetic ended calls built
// from hangups that arrived for calls this session never saw.
func (r *Registry) SetEndedCallback(fn func(*call.Call)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endedCB = fn
}

// CreateCall builds an outbound-capable call bound to a room and tracks
// it. The caller places it with PlaceVoiceCall or PlaceVideoCall after
// registering callbacks.
func (r *Registry) CreateCall(roomID string) (*call.Call, error) {
	c, err := call.New(r.callConfig(roomID))
	if err != nil {
		return nil, err
	}
	r.track(c)
	return c, nil
}

// CallByID returns the tracked call with the given identifier, or nil.
func (r *Registry) CallByID(callID string) *call.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[callID]
}

// ActiveCalls returns the number of tracked non-ended calls.
func (r *Registry) ActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.State() != call.StateEnded {
			n++
		}
	}
	return n
}

// HandleEvent dispatches one inbound signalling event. Events of unknown
// type return signal.ErrUnknownEventType; malformed payloads return the
// decode error. Events for unknown calls are dropped, except hangups,
// which synthesize an ended call for history.
func (r *Registry) HandleEvent(ev signal.Event) error {
	switch ev.Type {
	case signal.EventInvite:
		return r.handleInvite(ev)
	case signal.EventAnswer:
		return r.handleAnswer(ev)
	case signal.EventCandidates:
		return r.handleCandidates(ev)
	case signal.EventHangup:
		return r.handleHangup(ev)
	default:
		return signal.ErrUnknownEventType
	}
}

func (r *Registry) handleInvite(ev signal.Event) error {
	inv, err := signal.ParseInvite(ev.Content)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.calls[inv.CallID]; exists {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleInvite",
			"call_id":  inv.CallID,
		}).Debug("Dropping duplicate invite")
		return nil
	}
	incomingCB := r.incomingCB
	r.mu.Unlock()

	c, err := call.New(r.callConfig(ev.RoomID))
	if err != nil {
		return err
	}
	if err := c.OnInvite(inv, time.Duration(ev.AgeMS)*time.Millisecond); err != nil {
		return err
	}
	r.track(c)

	logrus.WithFields(logrus.Fields{
		"function": "handleInvite",
		"call_id":  inv.CallID,
		"room_id":  ev.RoomID,
	}).Info("Incoming call")

	if incomingCB != nil {
		incomingCB(c)
	}
	return nil
}

func (r *Registry) handleAnswer(ev signal.Event) error {
	ans, err := signal.ParseAnswer(ev.Content)
	if err != nil {
		return err
	}
	c := r.CallByID(ans.CallID)
	if c == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"call_id":  ans.CallID,
		}).Debug("Dropping answer for unknown call")
		return nil
	}

	// An answer for an inbound call this session has not answered means
	// another of the user's sessions picked up.
	if c.Direction() == call.DirectionInbound && c.State() == call.StateRinging {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"call_id":  ans.CallID,
		}).Info("Call answered on another session")
		c.OnAnsweredElsewhere()
		return nil
	}

	c.OnAnswer(ans)
	return nil
}

func (r *Registry) handleCandidates(ev signal.Event) error {
	msg, err := signal.ParseCandidates(ev.Content)
	if err != nil {
		return err
	}
	c := r.CallByID(msg.CallID)
	if c == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidates",
			"call_id":  msg.CallID,
		}).Debug("Dropping candidates for unknown call")
		return nil
	}
	c.OnCandidates(msg)
	return nil
}

func (r *Registry) handleHangup(ev signal.Event) error {
	msg, err := signal.ParseHangup(ev.Content)
	if err != nil {
		return err
	}

	if c := r.CallByID(msg.CallID); c != nil {
		c.OnHangup(msg)
		return nil
	}

	// A hangup for a call this session never saw: surface it as an
	// already-ended call so the application can show it in history.
	ended := call.NewEnded(ev.RoomID, msg.CallID, msg.Reason)
	r.track(ended)

	r.mu.Lock()
	endedCB := r.endedCB
	r.mu.Unlock()
	if endedCB != nil {
		endedCB(ended)
	}
	return nil
}

// track records a call under its current identifier.
func (r *Registry) track(c *call.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID()] = c
}

func (r *Registry) callConfig(roomID string) call.Config {
	return call.Config{
		RoomID:         roomID,
		Channel:        r.cfg.Channel,
		Provider:       r.cfg.Provider,
		StreamURL:      r.cfg.StreamURL,
		TURNServers:    r.cfg.TURNServers,
		InviteLifetime: r.cfg.InviteLifetime,
		Time:           r.cfg.Time,
	}
}
