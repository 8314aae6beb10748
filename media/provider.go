package media

import (
	"context"

	"github.com/roomrtc/callsig/signal"
)

// Variant identifies the flavour of the underlying media stack. It is used
// only to adapt the ICE server configuration shape: some stacks take a
// list of URLs per server entry, others want a single URL per entry.
type Variant int

const (
	// VariantGeneric is a stack taking a list of URLs per ICE server entry.
	VariantGeneric Variant = iota
	// VariantMozilla is a Gecko-style stack (list of URLs per entry).
	VariantMozilla
	// VariantWebKit is a legacy WebKit-style stack (one URL per entry).
	VariantWebKit
)

// String returns a human-readable variant name.
func (v Variant) String() string {
	switch v {
	case VariantGeneric:
		return "generic"
	case VariantMozilla:
		return "mozilla"
	case VariantWebKit:
		return "webkit"
	default:
		return "unknown"
	}
}

// ICEServer is one STUN/TURN server configuration entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// VideoConstraints bounds the capture resolution requested from the
// provider.
type VideoConstraints struct {
	MinWidth  int
	MaxWidth  int
	MinHeight int
	MaxHeight int
}

// Constraints describes the tracks requested from Acquire. Video is nil
// for audio-only capture.
type Constraints struct {
	Audio bool
	Video *VideoConstraints
}

// VoiceConstraints returns the capture constraints for a voice call.
func VoiceConstraints() Constraints {
	return Constraints{Audio: true}
}

// VideoCallConstraints returns the capture constraints for a video call.
func VideoCallConstraints() Constraints {
	return Constraints{
		Audio: true,
		Video: &VideoConstraints{
			MinWidth:  640,
			MaxWidth:  640,
			MinHeight: 360,
			MaxHeight: 360,
		},
	}
}

// ReceiveConstraints steers answer creation: which remote media directions
// the answering side is willing to receive.
type ReceiveConstraints struct {
	OfferToReceiveAudio bool
	OfferToReceiveVideo bool
}

// ICEState is the provider-neutral ICE connection state.
type ICEState int

const (
	ICEStateNew ICEState = iota
	ICEStateChecking
	ICEStateConnected
	ICEStateCompleted
	ICEStateDisconnected
	ICEStateFailed
	ICEStateClosed
)

// String returns the lowercase state name.
func (s ICEState) String() string {
	switch s {
	case ICEStateNew:
		return "new"
	case ICEStateChecking:
		return "checking"
	case ICEStateConnected:
		return "connected"
	case ICEStateCompleted:
		return "completed"
	case ICEStateDisconnected:
		return "disconnected"
	case ICEStateFailed:
		return "failed"
	case ICEStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is an opaque handle on a set of local or remote media tracks.
// The provider owns the underlying resources; Stop and StopTracks request
// their release.
type Stream interface {
	// ID is the provider's identifier for this stream.
	ID() string

	// HasVideo reports whether the stream carries at least one video track.
	HasVideo() bool

	// SetAudioEnabled enables or disables every audio track on the stream.
	SetAudioEnabled(enabled bool)

	// Stop releases the top-level stream resource.
	Stop()

	// StopTracks stops each individual track.
	StopTracks()

	// OnEnded registers a callback fired when the stream terminates on the
	// provider side (remote party stopped sending, device unplugged).
	OnEnded(fn func())
}

// StreamURL converts a stream handle into a renderer-consumable URL.
// Required only when video views are bound.
type StreamURL func(Stream) string

// View is a renderer surface for a local or remote stream.
type View interface {
	// Bind points the view at a stream URL.
	Bind(url string)

	// Play starts rendering. An error generally means the renderer is not
	// ready yet; callers may retry when the stream changes.
	Play() error

	// Pause halts rendering, keeping the binding.
	Pause()
}

// Observer carries the per-peer-connection callbacks back into the call
// core. The provider holds only this non-owning handle on the core so
// teardown does not leave a retention cycle.
type Observer struct {
	// OnLocalCandidate fires for every locally gathered ICE candidate.
	OnLocalCandidate func(signal.Candidate)

	// OnRemoteStream fires when remote media becomes available.
	OnRemoteStream func(Stream)

	// OnICEStateChange fires on every ICE connection state transition.
	OnICEStateChange func(ICEState)

	// OnSignalingStateChange fires on signalling state transitions.
	OnSignalingStateChange func(state string)
}

// PeerConnection is the per-call negotiation handle. A call owns exactly
// one for its non-terminal lifetime.
type PeerConnection interface {
	// AttachStream adds the local stream's tracks to the connection.
	AttachStream(s Stream) error

	// CreateOffer generates a local session description proposing the
	// attached tracks.
	CreateOffer() (signal.SessionDescription, error)

	// CreateAnswer generates a local description answering the previously
	// applied remote offer, honouring the receive constraints.
	CreateAnswer(rc ReceiveConstraints) (signal.SessionDescription, error)

	// SetLocalDescription applies a locally created description.
	SetLocalDescription(d signal.SessionDescription) error

	// SetRemoteDescription applies the remote party's description.
	SetRemoteDescription(d signal.SessionDescription) error

	// AddRemoteCandidate feeds one trickled remote ICE candidate into the
	// connection. Failures are best-effort for the caller.
	AddRemoteCandidate(c signal.Candidate) error

	// SignalingClosed reports whether the connection's signalling state is
	// already closed.
	SignalingClosed() bool

	// Close releases the connection.
	Close() error
}

// Provider abstracts the media stack: capture plus peer connection
// construction.
type Provider interface {
	// Acquire captures local media matching the constraints. It may block
	// on user permission; the context bounds the wait.
	Acquire(ctx context.Context, c Constraints) (Stream, error)

	// NewPeerConnection builds a peer connection configured with the given
	// ICE servers, delivering events through the observer.
	NewPeerConnection(servers []ICEServer, obs Observer) (PeerConnection, error)

	// Variant identifies the stack flavour for configuration shaping.
	Variant() Variant

	// ConnectsOnPlayback reports whether the stack lacks ICE state events,
	// in which case the call treats the moment remote media starts playing
	// as the connected transition.
	ConnectsOnPlayback() bool
}
