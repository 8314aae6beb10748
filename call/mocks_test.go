package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roomrtc/callsig/media"
	"github.com/roomrtc/callsig/signal"
)

// publishedEvent records one publish attempt on the mock channel.
type publishedEvent struct {
	roomID    string
	eventType string
	content   interface{}
	at        time.Time
}

// mockChannel implements signal.Channel, recording every publish attempt
// and failing a scriptable number of them.
type mockChannel struct {
	mu       sync.Mutex
	attempts []publishedEvent
	failNext int
	failAll  bool

	onPublish func(eventType string)
}

var errPublishRefused = errors.New("publish refused")

func (m *mockChannel) Publish(_ context.Context, roomID, eventType string, content interface{}) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, publishedEvent{
		roomID:    roomID,
		eventType: eventType,
		content:   content,
		at:        time.Now(),
	})
	fail := m.failAll
	if m.failNext > 0 {
		m.failNext--
		fail = true
	}
	hook := m.onPublish
	m.mu.Unlock()

	if hook != nil {
		hook(eventType)
	}
	if fail {
		return errPublishRefused
	}
	return nil
}

func (m *mockChannel) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

// eventsOfType returns the recorded attempts with the given type.
func (m *mockChannel) eventsOfType(eventType string) []publishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedEvent
	for _, e := range m.attempts {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// waitForEvent blocks until n events of the given type were attempted.
func (m *mockChannel) waitForEvent(t *testing.T, eventType string, n int) []publishedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs := m.eventsOfType(eventType)
		if len(evs) >= n {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, have %d", n, eventType, len(m.eventsOfType(eventType)))
	return nil
}

// mockStream implements media.Stream.
type mockStream struct {
	mu            sync.Mutex
	id            string
	video         bool
	audioEnabled  bool
	stopped       bool
	tracksStopped bool
	endedFn       func()
}

func newMockStream(id string, video bool) *mockStream {
	return &mockStream{id: id, video: video}
}

func (s *mockStream) ID() string { return s.id }

func (s *mockStream) HasVideo() bool { return s.video }

func (s *mockStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
}

func (s *mockStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *mockStream) StopTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracksStopped = true
}

func (s *mockStream) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedFn = fn
}

func (s *mockStream) fireEnded() {
	s.mu.Lock()
	fn := s.endedFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *mockStream) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || s.tracksStopped
}

// mockPeerConnection implements media.PeerConnection and exposes the
// observer so tests can fire provider events.
type mockPeerConnection struct {
	mu  sync.Mutex
	obs media.Observer

	offer     signal.SessionDescription
	answer    signal.SessionDescription
	offerErr  error
	answerErr error

	localDescs      []signal.SessionDescription
	remoteDescs     []signal.SessionDescription
	attached        []media.Stream
	addedCandidates []signal.Candidate
	answerReceive   media.ReceiveConstraints

	addCandidateErr error
	signalingClosed bool
	closeCount      int
}

func (p *mockPeerConnection) AttachStream(s media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, s)
	return nil
}

func (p *mockPeerConnection) CreateOffer() (signal.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return signal.SessionDescription{}, p.offerErr
	}
	return p.offer, nil
}

func (p *mockPeerConnection) CreateAnswer(rc media.ReceiveConstraints) (signal.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answerReceive = rc
	if p.answerErr != nil {
		return signal.SessionDescription{}, p.answerErr
	}
	return p.answer, nil
}

func (p *mockPeerConnection) SetLocalDescription(d signal.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDescs = append(p.localDescs, d)
	return nil
}

func (p *mockPeerConnection) SetRemoteDescription(d signal.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, d)
	return nil
}

func (p *mockPeerConnection) AddRemoteCandidate(c signal.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addedCandidates = append(p.addedCandidates, c)
	return p.addCandidateErr
}

func (p *mockPeerConnection) SignalingClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signalingClosed
}

func (p *mockPeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	return nil
}

func (p *mockPeerConnection) closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

func (p *mockPeerConnection) observer() media.Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.obs
}

// mockProvider implements media.Provider around a scripted stream and
// peer connection.
type mockProvider struct {
	mu           sync.Mutex
	stream       media.Stream
	acquireErr   error
	acquireCount int

	pc      *mockPeerConnection
	pcErr   error
	pcCount int

	variant            media.Variant
	connectsOnPlayback bool
}

func newMockProvider(stream media.Stream) *mockProvider {
	return &mockProvider{stream: stream, pc: &mockPeerConnection{
		offer:  signal.SessionDescription{Type: "offer", SDP: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"},
		answer: signal.SessionDescription{Type: "answer", SDP: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"},
	}}
}

func (m *mockProvider) Acquire(_ context.Context, _ media.Constraints) (media.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCount++
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	return m.stream, nil
}

func (m *mockProvider) NewPeerConnection(_ []media.ICEServer, obs media.Observer) (media.PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pcCount++
	if m.pcErr != nil {
		return nil, m.pcErr
	}
	m.pc.mu.Lock()
	m.pc.obs = obs
	m.pc.mu.Unlock()
	return m.pc, nil
}

func (m *mockProvider) Variant() media.Variant { return m.variant }

func (m *mockProvider) ConnectsOnPlayback() bool { return m.connectsOnPlayback }

// mockView implements media.View.
type mockView struct {
	mu     sync.Mutex
	bound  []string
	plays  int
	pauses int
}

func (v *mockView) Bind(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bound = append(v.bound, url)
}

func (v *mockView) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plays++
	return nil
}

func (v *mockView) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pauses++
}

// fakeClock implements TimeProvider, recording scheduled functions so
// tests can fire them deterministically.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	scheduled []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
	return !t.fired
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, d: d, f: f}
	c.scheduled = append(c.scheduled, timer)
	return timer
}

// pendingDelays returns the delays of timers not yet fired or stopped.
func (c *fakeClock) pendingDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.scheduled {
		if !t.fired && !t.stopped {
			out = append(out, t.d)
		}
	}
	return out
}

// fireNext runs the oldest pending timer synchronously and returns its
// scheduled delay.
func (c *fakeClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	var timer *fakeTimer
	for _, cand := range c.scheduled {
		if !cand.fired && !cand.stopped {
			timer = cand
			break
		}
	}
	if timer == nil {
		c.mu.Unlock()
		t.Fatal("no pending timer to fire")
		return 0
	}
	timer.fired = true
	c.now = c.now.Add(timer.d)
	c.mu.Unlock()

	timer.f()
	return timer.d
}

// waitForState polls until the call reaches the wanted state.
func waitForState(t *testing.T, c *Call, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, current state %s", want, c.State())
}
