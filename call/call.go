package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/roomrtc/callsig/media"
	"github.com/roomrtc/callsig/signal"
)

// DefaultInviteLifetime is how long an invite stays answerable, and how
// long an outbound call rings before timing out.
const DefaultInviteLifetime = 60 * time.Second

// FallbackSTUNServer is injected when a call is constructed without any
// TURN server configuration, so ICE always has at least one helper.
var FallbackSTUNServer = media.ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}}

// Config carries the collaborators and tuning for one call.
type Config struct {
	// RoomID scopes the signalling events. Required.
	RoomID string

	// Channel publishes signalling events to the room. Required.
	Channel signal.Channel

	// Provider is the media stack adapter. Required.
	Provider media.Provider

	// StreamURL converts stream handles to renderer URLs. Required only
	// when video views are bound.
	StreamURL media.StreamURL

	// TURNServers configures ICE. Defaults to FallbackSTUNServer when
	// empty.
	TURNServers []media.ICEServer

	// InviteLifetime overrides DefaultInviteLifetime.
	InviteLifetime time.Duration

	// Time overrides the system clock, for tests.
	Time TimeProvider

	// CandidateDelay overrides the pump's coalescing window, for tests.
	CandidateDelay time.Duration

	// BackoffBase overrides the pump's retry base delay, for tests.
	BackoffBase time.Duration
}

// Call is the controller for a single two-party call.
//
// All state transitions are serialized on the call's mutex. Blocking
// provider and channel operations run without the mutex held, and every
// resumption re-checks for StateEnded before mutating.
type Call struct {
	cfg  Config
	tp   TimeProvider
	pump *candidatePump

	mu           sync.Mutex
	id           string
	state        State
	direction    Direction
	callType     Type
	hangupParty  Party
	hangupReason string
	didConnect   bool

	localStream  media.Stream
	remoteStream media.Stream
	pc           media.PeerConnection
	pcCreated    bool
	pcClosed     bool

	localView  media.View
	remoteView media.View

	successor      *Call
	waitForHandoff bool

	inviteTimer Timer
	ringTimer   Timer

	hangupCB   func(*Call)
	errorCB    func(code string, err error)
	replacedCB func(*Call)
}

// New constructs a call in StateFledgling bound to a room.
func New(cfg Config) (*Call, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room ID cannot be empty")
	}
	if cfg.Channel == nil {
		return nil, errors.New("signalling channel cannot be nil")
	}
	if cfg.Provider == nil {
		return nil, errors.New("media provider cannot be nil")
	}
	if cfg.InviteLifetime <= 0 {
		cfg.InviteLifetime = DefaultInviteLifetime
	}
	if len(cfg.TURNServers) == 0 {
		cfg.TURNServers = []media.ICEServer{FallbackSTUNServer}
	}
	tp := cfg.Time
	if tp == nil {
		tp = RealTimeProvider{}
	}

	c := &Call{
		cfg:   cfg,
		tp:    tp,
		id:    mintCallID(tp),
		state: StateFledgling,
	}
	c.pump = newCandidatePump(cfg.Channel, cfg.RoomID, c.ID, tp, cfg.CandidateDelay, cfg.BackoffBase)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"call_id":  c.id,
		"room_id":  cfg.RoomID,
	}).Debug("Call created")
	return c, nil
}

// NewEnded builds a synthetic call directly in StateEnded, for displaying
// hangups observed after the fact. It has no collaborators and accepts no
// operations.
func NewEnded(roomID, callID, reason string) *Call {
	return &Call{
		id:           callID,
		cfg:          Config{RoomID: roomID},
		tp:           RealTimeProvider{},
		state:        StateEnded,
		hangupParty:  PartyRemote,
		hangupReason: reason,
	}
}

// mintCallID produces a session-unique, roughly time-ordered identifier.
func mintCallID(tp TimeProvider) string {
	return fmt.Sprintf("c%d.%s", tp.Now().UnixMilli(), uuid.NewString()[:8])
}

// ID returns the call identifier. For inbound calls this is the remote
// caller's identifier once the invite has been applied.
func (c *Call) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// RoomID returns the room the call is scoped to.
func (c *Call) RoomID() string { return c.cfg.RoomID }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Direction reports who placed the call.
func (c *Call) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

// Type reports the media type, TypeUnset until tracks are known.
func (c *Call) Type() Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callType
}

// HangupParty reports which side ended the call.
func (c *Call) HangupParty() Party {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupParty
}

// HangupReason reports why the call ended.
func (c *Call) HangupReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupReason
}

// DidConnect reports whether ICE ever reached connected or completed.
func (c *Call) DidConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.didConnect
}

// TURNServers returns the ICE configuration in effect, including the
// injected fallback when none was supplied.
func (c *Call) TURNServers() []media.ICEServer {
	return append([]media.ICEServer(nil), c.cfg.TURNServers...)
}

// Successor returns the replacement call after a glare handoff, or nil.
func (c *Call) Successor() *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successor
}

// SetHangupCallback registers the observer for terminal hangups.
func (c *Call) SetHangupCallback(fn func(*Call)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangupCB = fn
}

// SetErrorCallback registers the observer for non-fatal errors. Place*
// refuses to run until one is registered.
func (c *Call) SetErrorCallback(fn func(code string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCB = fn
}

// SetReplacedCallback registers the observer for glare replacement.
func (c *Call) SetReplacedCallback(fn func(newCall *Call)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replacedCB = fn
}

// PlaceVoiceCall starts an outbound audio-only call.
func (c *Call) PlaceVoiceCall() error {
	return c.place(TypeVoice, nil, nil)
}

// PlaceVideoCall starts an outbound audio+video call, rendering the local
// stream into localView and the remote stream, when it arrives, into
// remoteView.
func (c *Call) PlaceVideoCall(localView, remoteView media.View) error {
	return c.place(TypeVideo, localView, remoteView)
}

func (c *Call) place(t Type, localView, remoteView media.View) error {
	c.mu.Lock()
	if c.errorCB == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: register an error callback before placing a call", ErrNoErrorListener)
	}
	if c.state != StateFledgling {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot place call in state %s", ErrBadState, state)
	}

	c.direction = DirectionOutbound
	c.callType = t
	c.localView = localView
	c.remoteView = remoteView
	c.setStateLocked(StateWaitLocalMedia)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "place",
		"call_id":   c.ID(),
		"call_type": t.String(),
	}).Info("Placing outbound call")

	constraints := media.VoiceConstraints()
	if t == TypeVideo {
		constraints = media.VideoCallConstraints()
	}

	go func() {
		stream, err := c.cfg.Provider.Acquire(context.Background(), constraints)
		if err != nil {
			c.captureFailed(err)
			return
		}
		c.gotUserMediaForInvite(stream)
	}()
	return nil
}

// Answer accepts a ringing inbound call.
func (c *Call) Answer() error {
	c.mu.Lock()

	switch {
	case c.localStream != nil && (c.state == StateRinging || c.state == StateWaitLocalMedia):
		// Glare handoff already delivered the stream.
		stream := c.localStream
		c.mu.Unlock()
		go c.gotUserMediaForAnswer(stream)
		return nil

	case c.waitForHandoff:
		// A replaced call will forward its stream here once capture
		// completes.
		c.setStateLocked(StateWaitLocalMedia)
		c.mu.Unlock()
		return nil

	case c.state == StateRinging:
		t := c.callType
		c.setStateLocked(StateWaitLocalMedia)
		c.mu.Unlock()

		constraints := media.VoiceConstraints()
		if t == TypeVideo {
			constraints = media.VideoCallConstraints()
		}
		go func() {
			stream, err := c.cfg.Provider.Acquire(context.Background(), constraints)
			if err != nil {
				c.captureFailed(err)
				return
			}
			c.gotUserMediaForAnswer(stream)
		}()
		return nil

	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot answer in state %s", ErrBadState, state)
	}
}

// Hangup terminates the call locally and publishes the hangup event. When
// suppressEvent is true the hangup callback is not invoked, but the room
// event is still sent.
func (c *Call) Hangup(reason string, suppressEvent bool) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	id := c.id
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Hangup",
		"call_id":  id,
		"reason":   reason,
	}).Info("Ending call")

	c.terminate(PartyLocal, reason, !suppressEvent)

	content := signal.HangupContent{Version: signal.Version, CallID: id, Reason: reason}
	if err := c.cfg.Channel.Publish(context.Background(), c.cfg.RoomID, signal.EventHangup, content); err != nil {
		// The call is already ended locally; delivery failure only means
		// the remote side relies on its own timeout.
		logrus.WithFields(logrus.Fields{
			"function": "Hangup",
			"call_id":  id,
			"error":    err.Error(),
		}).Error("Failed to publish hangup event")
	}
}

// SetLocalAudioEnabled toggles the microphone on the captured local
// stream, for mute and hold. It is a no-op before capture completes and
// after the call has ended.
func (c *Call) SetLocalAudioEnabled(enabled bool) {
	c.mu.Lock()
	stream := c.localStream
	if c.state == StateEnded || stream == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetLocalAudioEnabled",
		"call_id":  c.ID(),
		"enabled":  enabled,
	}).Debug("Toggling local audio")
	stream.SetAudioEnabled(enabled)
}

// SetRemoteView re-binds the remote renderer, playing immediately when
// remote media is already present.
func (c *Call) SetRemoteView(v media.View) {
	c.mu.Lock()
	c.remoteView = v
	stream := c.remoteStream
	c.mu.Unlock()

	if v != nil && stream != nil {
		c.playRemote(v, stream)
	}
}

// OnInvite applies an inbound invite. The call must be fledgling; the
// call takes on the remote caller's identifier. age is how long the
// invite spent in transit and shortens the ringing window.
func (c *Call) OnInvite(inv *signal.InviteContent, age time.Duration) error {
	c.mu.Lock()
	if c.state != StateFledgling {
		logrus.WithFields(logrus.Fields{
			"function": "OnInvite",
			"call_id":  c.id,
			"state":    c.state.String(),
		}).Debug("Dropping invite outside fledgling state")
		c.mu.Unlock()
		return nil
	}

	c.id = inv.CallID
	c.direction = DirectionInbound

	pc, err := c.newPeerConnectionLocked()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("inbound peer connection: %w", err)
	}
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(inv.Offer); err != nil {
		// Trace only: a malformed offer will surface as an ICE failure.
		logrus.WithFields(logrus.Fields{
			"function": "OnInvite",
			"call_id":  inv.CallID,
			"error":    err.Error(),
		}).Debug("Failed to set remote offer")
	}

	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}

	if media.HasVideoSection(inv.Offer.SDP) {
		c.callType = TypeVideo
	} else {
		c.callType = TypeVoice
	}
	c.setStateLocked(StateRinging)

	lifetime := time.Duration(inv.Lifetime) * time.Millisecond
	if lifetime <= 0 {
		lifetime = c.cfg.InviteLifetime
	}
	remaining := lifetime - age
	if remaining < 0 {
		remaining = 0
	}
	c.ringTimer = c.tp.AfterFunc(remaining, c.onRingingExpired)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "OnInvite",
		"call_id":   inv.CallID,
		"call_type": c.Type().String(),
		"ring_for":  remaining,
	}).Info("Inbound call ringing")
	return nil
}

// OnAnswer applies the remote answer to an outbound call.
func (c *Call) OnAnswer(ans *signal.AnswerContent) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	c.mu.Unlock()

	if pc == nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnAnswer",
			"call_id":  ans.CallID,
		}).Debug("Dropping answer before peer connection exists")
		return
	}

	if err := pc.SetRemoteDescription(ans.Answer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnAnswer",
			"call_id":  ans.CallID,
			"error":    err.Error(),
		}).Debug("Failed to set remote answer")
	}

	c.mu.Lock()
	if c.state == StateCreateOffer || c.state == StateInviteSent {
		c.setStateLocked(StateConnecting)
	}
	c.mu.Unlock()
}

// OnCandidates feeds a batch of remote ICE candidates into the peer
// connection. Per-candidate failures are best-effort and only traced.
func (c *Call) OnCandidates(msg *signal.CandidatesContent) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	c.mu.Unlock()

	if pc == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "OnCandidates",
			"call_id":    msg.CallID,
			"candidates": len(msg.Candidates),
		}).Debug("Dropping candidates before peer connection exists")
		return
	}

	for _, cand := range msg.Candidates {
		if err := pc.AddRemoteCandidate(cand); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "OnCandidates",
				"call_id":   msg.CallID,
				"candidate": cand.Candidate,
				"error":     err.Error(),
			}).Debug("Failed to add remote candidate")
		}
	}
}

// OnHangup terminates the call because the remote party hung up.
func (c *Call) OnHangup(msg *signal.HangupContent) {
	c.terminate(PartyRemote, msg.Reason, true)
}

// OnAnsweredElsewhere terminates the call because another of the local
// user's sessions answered it.
func (c *Call) OnAnsweredElsewhere() {
	c.terminate(PartyRemote, ReasonAnsweredElsewhere, true)
}

// ReplaceBy hands this call's resources to newCall, which takes over as
// the answering side of a glare pair. The replaced callback fires before
// this call hangs up with its hangup callback suppressed.
func (c *Call) ReplaceBy(newCall *Call) {
	c.mu.Lock()
	logrus.WithFields(logrus.Fields{
		"function":    "ReplaceBy",
		"call_id":     c.id,
		"new_call_id": newCall.ID(),
		"state":       c.state.String(),
	}).Info("Replacing call")

	c.successor = newCall

	var stream media.Stream
	switch c.state {
	case StateWaitLocalMedia:
		// Capture still in flight; the stream is forwarded on arrival.
		newCall.markWaitForHandoff()
	case StateCreateOffer, StateInviteSent:
		stream = c.localStream
		c.localStream = nil
	}

	localView, remoteView := c.localView, c.remoteView
	c.localView, c.remoteView = nil, nil
	replacedCB := c.replacedCB
	c.mu.Unlock()

	newCall.adoptViews(localView, remoteView)

	if replacedCB != nil {
		replacedCB(newCall)
	}
	if stream != nil {
		go newCall.gotUserMediaForAnswer(stream)
	}

	c.Hangup(ReasonReplaced, true)
}

func (c *Call) markWaitForHandoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForHandoff = true
}

func (c *Call) adoptViews(localView, remoteView media.View) {
	c.mu.Lock()
	if localView != nil {
		c.localView = localView
	}
	if remoteView != nil {
		c.remoteView = remoteView
	}
	c.mu.Unlock()
}

// gotUserMediaForInvite resumes the outbound path once capture completes.
func (c *Call) gotUserMediaForInvite(stream media.Stream) {
	c.mu.Lock()
	if c.successor != nil {
		successor := c.successor
		c.mu.Unlock()
		successor.gotUserMediaForAnswer(stream)
		return
	}
	if c.state == StateEnded {
		logrus.WithFields(logrus.Fields{
			"function": "gotUserMediaForInvite",
			"call_id":  c.id,
		}).Debug("Dropping captured stream, call already ended")
		c.mu.Unlock()
		return
	}

	c.bindLocalViewLocked(stream)
	stream.SetAudioEnabled(true)
	c.localStream = stream

	pc, err := c.newPeerConnectionLocked()
	if err != nil {
		c.mu.Unlock()
		c.emitError(CodeLocalOfferFailed, fmt.Errorf("%w: %v", ErrLocalOfferFailed, err))
		return
	}
	if err := pc.AttachStream(stream); err != nil {
		c.mu.Unlock()
		c.emitError(CodeLocalOfferFailed, fmt.Errorf("%w: %v", ErrLocalOfferFailed, err))
		return
	}
	c.setStateLocked(StateCreateOffer)
	c.mu.Unlock()

	offer, err := pc.CreateOffer()
	if err != nil {
		// No automatic hangup: the application decides whether a failed
		// offer ends the call.
		c.emitError(CodeLocalOfferFailed, fmt.Errorf("%w: %v", ErrLocalOfferFailed, err))
		return
	}
	c.gotLocalOffer(pc, offer)
}

// gotLocalOffer applies and publishes the freshly created offer.
func (c *Call) gotLocalOffer(pc media.PeerConnection, offer signal.SessionDescription) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := pc.SetLocalDescription(offer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "gotLocalOffer",
			"call_id":  c.ID(),
			"error":    err.Error(),
		}).Debug("Failed to set local offer")
	}

	content := signal.InviteContent{
		Version:  signal.Version,
		CallID:   c.ID(),
		Offer:    offer,
		Lifetime: c.cfg.InviteLifetime.Milliseconds(),
	}
	if err := c.cfg.Channel.Publish(context.Background(), c.cfg.RoomID, signal.EventInvite, content); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "gotLocalOffer",
			"call_id":  content.CallID,
			"error":    err.Error(),
		}).Error("Failed to publish invite")
		c.emitError(CodeSignallingFailed, fmt.Errorf("publish invite: %w", err))
		return
	}

	c.mu.Lock()
	// The remote answer may already have moved the call on while the
	// invite publish was in flight.
	if c.state == StateCreateOffer {
		c.setStateLocked(StateInviteSent)
		c.inviteTimer = c.tp.AfterFunc(c.cfg.InviteLifetime, c.onInviteExpired)
	}
	c.mu.Unlock()
}

// gotUserMediaForAnswer resumes the inbound path once capture completes
// (directly, or forwarded from a replaced call).
func (c *Call) gotUserMediaForAnswer(stream media.Stream) {
	c.mu.Lock()
	if c.state == StateEnded {
		logrus.WithFields(logrus.Fields{
			"function": "gotUserMediaForAnswer",
			"call_id":  c.id,
		}).Debug("Dropping captured stream, call already ended")
		c.mu.Unlock()
		return
	}

	c.bindLocalViewLocked(stream)
	stream.SetAudioEnabled(true)
	c.localStream = stream

	pc := c.pc
	if pc == nil {
		c.mu.Unlock()
		c.emitError(CodeLocalOfferFailed, fmt.Errorf("%w: no peer connection for answer", ErrLocalOfferFailed))
		return
	}
	if err := pc.AttachStream(stream); err != nil {
		c.mu.Unlock()
		c.emitError(CodeLocalOfferFailed, fmt.Errorf("%w: %v", ErrLocalOfferFailed, err))
		return
	}

	// Set before the answer resolves so concurrent messages arriving
	// during negotiation are classified against the right state.
	c.setStateLocked(StateCreateAnswer)
	receive := media.ReceiveConstraints{
		OfferToReceiveAudio: true,
		OfferToReceiveVideo: c.callType == TypeVideo,
	}
	c.mu.Unlock()

	answer, err := pc.CreateAnswer(receive)
	if err != nil {
		c.emitError(CodeLocalOfferFailed, fmt.Errorf("%w: %v", ErrLocalOfferFailed, err))
		return
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "gotUserMediaForAnswer",
			"call_id":  c.ID(),
			"error":    err.Error(),
		}).Debug("Failed to set local answer")
	}

	content := signal.AnswerContent{
		Version: signal.Version,
		CallID:  c.ID(),
		Answer:  answer,
	}
	if err := c.cfg.Channel.Publish(context.Background(), c.cfg.RoomID, signal.EventAnswer, content); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "gotUserMediaForAnswer",
			"call_id":  content.CallID,
			"error":    err.Error(),
		}).Error("Failed to publish answer")
		c.emitError(CodeSignallingFailed, fmt.Errorf("publish answer: %w", err))
		return
	}

	c.mu.Lock()
	if c.state == StateCreateAnswer {
		c.setStateLocked(StateConnecting)
	}
	c.mu.Unlock()
}

// captureFailed handles a denied or failed Acquire: emit the error, then
// hang up automatically.
func (c *Call) captureFailed(err error) {
	c.emitError(CodeNoUserMedia, fmt.Errorf("%w: %v", ErrNoUserMedia, err))
	c.Hangup(ReasonUserMediaFailed, false)
}

// newPeerConnectionLocked creates the call's peer connection. The caller
// holds the mutex. The observer closures capture the call pointer but the
// provider owns no call resources, so teardown cannot cycle.
func (c *Call) newPeerConnectionLocked() (media.PeerConnection, error) {
	if c.pcCreated {
		return nil, errors.New("peer connection already created for this call")
	}
	obs := media.Observer{
		OnLocalCandidate: c.onLocalCandidate,
		OnRemoteStream:   c.onRemoteStream,
		OnICEStateChange: c.onICEStateChange,
		OnSignalingStateChange: func(state string) {
			logrus.WithFields(logrus.Fields{
				"function": "OnSignalingStateChange",
				"call_id":  c.id,
				"state":    state,
			}).Debug("Signalling state changed")
		},
	}
	pc, err := c.cfg.Provider.NewPeerConnection(c.cfg.TURNServers, obs)
	if err != nil {
		return nil, err
	}
	c.pc = pc
	c.pcCreated = true
	return pc, nil
}

// onLocalCandidate hands a locally gathered candidate to the pump.
func (c *Call) onLocalCandidate(cand signal.Candidate) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateEnded || state == StateFledgling {
		logrus.WithFields(logrus.Fields{
			"function": "onLocalCandidate",
			"call_id":  c.ID(),
			"state":    state.String(),
		}).Debug("Dropping local candidate")
		return
	}
	c.pump.Enqueue(cand)
}

// onICEStateChange drives the connected and failed transitions.
func (c *Call) onICEStateChange(state media.ICEState) {
	logrus.WithFields(logrus.Fields{
		"function":  "onICEStateChange",
		"call_id":   c.ID(),
		"ice_state": state.String(),
	}).Debug("ICE state changed")

	switch state {
	case media.ICEStateConnected, media.ICEStateCompleted:
		c.mu.Lock()
		if c.state == StateEnded {
			c.mu.Unlock()
			return
		}
		c.didConnect = true
		c.setStateLocked(StateConnected)
		c.mu.Unlock()

	case media.ICEStateFailed:
		c.Hangup(ReasonICEFailed, false)
	}
}

// onRemoteStream records the remote media and starts rendering it.
func (c *Call) onRemoteStream(stream media.Stream) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.remoteStream = stream
	if c.direction == DirectionInbound && c.callType == TypeUnset {
		if stream.HasVideo() {
			c.callType = TypeVideo
		} else {
			c.callType = TypeVoice
		}
	}
	view := c.remoteView
	connectsOnPlayback := c.cfg.Provider.ConnectsOnPlayback()
	c.mu.Unlock()

	stream.OnEnded(c.onRemoteStreamEnded)

	played := false
	if view != nil {
		played = c.playRemote(view, stream)
	}

	// Stacks without ICE state events report connectivity by playback.
	if connectsOnPlayback && played {
		c.mu.Lock()
		if c.state != StateEnded {
			c.didConnect = true
			c.setStateLocked(StateConnected)
		}
		c.mu.Unlock()
	}
}

// playRemote binds and plays the remote stream on a view. Reports whether
// playback started.
func (c *Call) playRemote(view media.View, stream media.Stream) bool {
	if c.cfg.StreamURL == nil {
		logrus.WithFields(logrus.Fields{
			"function": "playRemote",
			"call_id":  c.ID(),
		}).Debug("No stream URL minter configured, skipping remote playback")
		return false
	}
	view.Bind(c.cfg.StreamURL(stream))
	if err := view.Play(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "playRemote",
			"call_id":  c.ID(),
			"error":    err.Error(),
		}).Debug("Remote playback not started")
		return false
	}
	return true
}

// onRemoteStreamEnded treats the remote stream stopping as a remote
// hangup.
func (c *Call) onRemoteStreamEnded() {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onRemoteStreamEnded",
		"call_id":  c.ID(),
	}).Info("Remote stream ended")
	c.terminate(PartyRemote, ReasonUserHangup, true)
}

// onInviteExpired fires the outbound ringing timeout.
func (c *Call) onInviteExpired() {
	c.mu.Lock()
	expired := c.state == StateInviteSent
	c.mu.Unlock()
	if !expired {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onInviteExpired",
		"call_id":  c.ID(),
	}).Info("Outbound invite timed out")
	c.Hangup(ReasonInviteTimeout, false)
}

// onRingingExpired fires the inbound ringing timeout.
func (c *Call) onRingingExpired() {
	c.mu.Lock()
	expired := c.state == StateRinging
	c.mu.Unlock()
	if !expired {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onRingingExpired",
		"call_id":  c.ID(),
	}).Info("Inbound invite expired unanswered")
	c.terminate(PartyRemote, ReasonInviteTimeout, true)
}

// bindLocalViewLocked renders the captured stream locally for video
// calls. The caller holds the mutex.
func (c *Call) bindLocalViewLocked(stream media.Stream) {
	if c.callType != TypeVideo || c.localView == nil || c.cfg.StreamURL == nil {
		return
	}
	c.localView.Bind(c.cfg.StreamURL(stream))
	if err := c.localView.Play(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "bindLocalViewLocked",
			"call_id":  c.id,
			"error":    err.Error(),
		}).Debug("Local playback not started")
	}
}

// terminate is the single teardown path. It is idempotent; the first
// caller wins and settles hangup party and reason.
func (c *Call) terminate(party Party, reason string, emitEvent bool) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}

	c.hangupParty = party
	c.hangupReason = reason

	if c.inviteTimer != nil {
		c.inviteTimer.Stop()
		c.inviteTimer = nil
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if c.pump != nil {
		c.pump.Stop()
	}

	localStream, remoteStream := c.localStream, c.remoteStream
	localView, remoteView := c.localView, c.remoteView

	// Locally initiated hangups close the peer connection
	// unconditionally; otherwise respect an already-closed signalling
	// state. The connection may be nil when inbound setup failed before
	// creating one.
	pc := c.pc
	closePC := pc != nil && !c.pcClosed && (party == PartyLocal || !pc.SignalingClosed())
	if closePC {
		c.pcClosed = true
	}

	c.setStateLocked(StateEnded)
	hangupCB := c.hangupCB
	c.mu.Unlock()

	if localStream != nil {
		localStream.StopTracks()
		localStream.Stop()
	}
	if remoteStream != nil {
		remoteStream.StopTracks()
		remoteStream.Stop()
	}
	if localView != nil {
		localView.Pause()
	}
	if remoteView != nil {
		remoteView.Pause()
	}
	if closePC {
		if err := pc.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "terminate",
				"call_id":  c.ID(),
				"error":    err.Error(),
			}).Debug("Peer connection close failed")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "terminate",
		"call_id":  c.ID(),
		"party":    party.String(),
		"reason":   reason,
	}).Info("Call ended")

	if emitEvent && hangupCB != nil {
		hangupCB(c)
	}
}

// emitError delivers a non-fatal error to the registered callback.
func (c *Call) emitError(code string, err error) {
	c.mu.Lock()
	cb := c.errorCB
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "emitError",
		"call_id":  c.ID(),
		"code":     code,
		"error":    err.Error(),
	}).Error("Call error")

	if cb != nil {
		cb(code, err)
	}
}

// setStateLocked records a transition. The caller holds the mutex.
func (c *Call) setStateLocked(next State) {
	if c.state == next {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "setStateLocked",
		"call_id":  c.id,
		"from":     c.state.String(),
		"to":       next.String(),
	}).Debug("State transition")
	c.state = next
}
