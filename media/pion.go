package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/roomrtc/callsig/signal"
)

// CaptureFunc acquires local media for a PionProvider. pion/webrtc has no
// capture stack of its own, so the host supplies one (pion/mediadevices,
// file playback, a test double). The returned stream must implement
// TrackStream for AttachStream to work.
type CaptureFunc func(ctx context.Context, c Constraints) (Stream, error)

// TrackStream is implemented by local streams that can expose their pion
// tracks for attachment to a peer connection.
type TrackStream interface {
	Stream
	LocalTracks() []webrtc.TrackLocal
}

// ErrNotTrackStream indicates a stream that cannot be attached to a pion
// peer connection.
var ErrNotTrackStream = errors.New("stream does not expose pion local tracks")

// PionProvider implements Provider on top of pion/webrtc/v4.
type PionProvider struct {
	capture CaptureFunc
	variant Variant
}

// NewPionProvider builds a provider around the given capture function.
func NewPionProvider(capture CaptureFunc, variant Variant) (*PionProvider, error) {
	if capture == nil {
		return nil, errors.New("capture function cannot be nil")
	}
	return &PionProvider{capture: capture, variant: variant}, nil
}

// Acquire implements Provider.
func (p *PionProvider) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	return p.capture(ctx, c)
}

// Variant implements Provider.
func (p *PionProvider) Variant() Variant { return p.variant }

// ConnectsOnPlayback implements Provider. pion delivers ICE state events,
// so the call core should rely on those.
func (p *PionProvider) ConnectsOnPlayback() bool { return false }

// NewPeerConnection implements Provider.
func (p *PionProvider) NewPeerConnection(servers []ICEServer, obs Observer) (PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: adaptICEServers(servers, p.variant)}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewPeerConnection",
		"ice_servers":  len(cfg.ICEServers),
		"stack_flavor": p.variant.String(),
	}).Debug("Peer connection created")

	wrap := &pionPeerConnection{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete marker.
			return
		}
		if obs.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		cand := signal.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		obs.OnLocalCandidate(cand)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if obs.OnICEStateChange != nil {
			obs.OnICEStateChange(mapICEState(s))
		}
		if s == webrtc.ICEConnectionStateClosed {
			// pion has no per-stream ended event; connection closure is the
			// closest equivalent for the remote stream.
			wrap.mu.Lock()
			rs := wrap.remote
			wrap.mu.Unlock()
			if rs != nil {
				rs.markEnded()
			}
		}
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if obs.OnSignalingStateChange != nil {
			obs.OnSignalingStateChange(s.String())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		wrap.addRemoteTrack(track, obs)
	})

	return wrap, nil
}

// adaptICEServers maps port-level ICE server entries onto the shape the
// stack variant expects: webkit-style stacks get one URL per entry, the
// rest get the URL list as-is.
func adaptICEServers(servers []ICEServer, v Variant) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if v == VariantWebKit {
			for _, u := range s.URLs {
				out = append(out, webrtc.ICEServer{
					URLs:       []string{u},
					Username:   s.Username,
					Credential: s.Credential,
				})
			}
			continue
		}
		out = append(out, webrtc.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func mapICEState(s webrtc.ICEConnectionState) ICEState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return ICEStateNew
	case webrtc.ICEConnectionStateChecking:
		return ICEStateChecking
	case webrtc.ICEConnectionStateConnected:
		return ICEStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return ICEStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ICEStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ICEStateFailed
	case webrtc.ICEConnectionStateClosed:
		return ICEStateClosed
	default:
		return ICEStateNew
	}
}

// pionPeerConnection adapts *webrtc.PeerConnection to the PeerConnection
// port.
type pionPeerConnection struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	remote *remoteStream
}

func (p *pionPeerConnection) AttachStream(s Stream) error {
	ts, ok := s.(TrackStream)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotTrackStream, s)
	}
	for _, t := range ts.LocalTracks() {
		if _, err := p.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add local track %q: %w", t.ID(), err)
		}
	}
	return nil
}

func (p *pionPeerConnection) CreateOffer() (signal.SessionDescription, error) {
	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return signal.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (p *pionPeerConnection) CreateAnswer(rc ReceiveConstraints) (signal.SessionDescription, error) {
	// The remote offer determined the transceiver set; receive constraints
	// can only narrow it. Stop receive-only transceivers for media kinds
	// the answering side declined.
	for _, t := range p.pc.GetTransceivers() {
		declined := (t.Kind() == webrtc.RTPCodecTypeVideo && !rc.OfferToReceiveVideo) ||
			(t.Kind() == webrtc.RTPCodecTypeAudio && !rc.OfferToReceiveAudio)
		if !declined {
			continue
		}
		if t.Sender() != nil && t.Sender().Track() != nil {
			// Still sending this kind, keep the transceiver.
			continue
		}
		if err := t.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "CreateAnswer",
				"kind":     t.Kind().String(),
				"error":    err.Error(),
			}).Debug("Failed to stop declined transceiver")
		}
	}

	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return signal.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (p *pionPeerConnection) SetLocalDescription(d signal.SessionDescription) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (p *pionPeerConnection) SetRemoteDescription(d signal.SessionDescription) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *pionPeerConnection) AddRemoteCandidate(c signal.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := uint16(c.SDPMLineIndex)
	init.SDPMLineIndex = &idx
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

func (p *pionPeerConnection) SignalingClosed() bool {
	return p.pc.SignalingState() == webrtc.SignalingStateClosed
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

// addRemoteTrack folds inbound tracks into a single remote stream handle,
// announcing the stream to the observer on its first track. A video track
// arriving later flips HasVideo on the existing handle.
func (p *pionPeerConnection) addRemoteTrack(track *webrtc.TrackRemote, obs Observer) {
	p.mu.Lock()
	first := p.remote == nil
	if first {
		p.remote = &remoteStream{id: track.StreamID()}
	}
	rs := p.remote
	p.mu.Unlock()

	rs.addTrack(track)

	if first && obs.OnRemoteStream != nil {
		obs.OnRemoteStream(rs)
	}
}

// remoteStream aggregates the remote tracks of one peer connection behind
// the Stream port. The remote side owns the actual media; stop operations
// are no-ops here.
type remoteStream struct {
	mu       sync.Mutex
	id       string
	hasVideo bool
	ended    bool
	onEnded  func()
}

func (r *remoteStream) addTrack(track *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		r.hasVideo = true
	}
}

func (r *remoteStream) ID() string { return r.id }

func (r *remoteStream) HasVideo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasVideo
}

func (r *remoteStream) SetAudioEnabled(enabled bool) {
	logrus.WithFields(logrus.Fields{
		"function": "SetAudioEnabled",
		"stream":   r.id,
		"enabled":  enabled,
	}).Debug("Ignoring audio toggle on remote stream")
}

func (r *remoteStream) Stop()       {}
func (r *remoteStream) StopTracks() {}

func (r *remoteStream) OnEnded(fn func()) {
	r.mu.Lock()
	alreadyEnded := r.ended
	if !alreadyEnded {
		r.onEnded = fn
	}
	r.mu.Unlock()
	if alreadyEnded && fn != nil {
		fn()
	}
}

// markEnded fires the ended callback once.
func (r *remoteStream) markEnded() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	fn := r.onEnded
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// LocalTrackStream wraps pion local tracks as a Stream so capture
// functions can hand them to the call core.
type LocalTrackStream struct {
	id     string
	tracks []webrtc.TrackLocal

	mu           sync.Mutex
	audioEnabled bool
	stopped      bool
	onStop       func()
	onEnded      func()
}

// NewLocalTrackStream builds a local stream handle around pion tracks.
// onStop, if non-nil, is invoked once when the stream or its tracks are
// stopped, letting the capture source release devices.
func NewLocalTrackStream(id string, tracks []webrtc.TrackLocal, onStop func()) *LocalTrackStream {
	return &LocalTrackStream{
		id:           id,
		tracks:       tracks,
		audioEnabled: true,
		onStop:       onStop,
	}
}

// LocalTracks implements TrackStream.
func (l *LocalTrackStream) LocalTracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), l.tracks...)
}

// ID implements Stream.
func (l *LocalTrackStream) ID() string { return l.id }

// HasVideo implements Stream.
func (l *LocalTrackStream) HasVideo() bool {
	for _, t := range l.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// SetAudioEnabled implements Stream. The flag is advisory for the capture
// source, which polls AudioEnabled between samples.
func (l *LocalTrackStream) SetAudioEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioEnabled = enabled
}

// AudioEnabled reports the current audio toggle.
func (l *LocalTrackStream) AudioEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioEnabled
}

// Stop implements Stream.
func (l *LocalTrackStream) Stop() { l.stop() }

// StopTracks implements Stream.
func (l *LocalTrackStream) StopTracks() { l.stop() }

func (l *LocalTrackStream) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	stop := l.onStop
	ended := l.onEnded
	l.mu.Unlock()
	if stop != nil {
		stop()
	}
	if ended != nil {
		ended()
	}
}

// OnEnded implements Stream.
func (l *LocalTrackStream) OnEnded(fn func()) {
	l.mu.Lock()
	stopped := l.stopped
	if !stopped {
		l.onEnded = fn
	}
	l.mu.Unlock()
	if stopped && fn != nil {
		fn()
	}
}
