package call

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roomrtc/callsig/signal"
)

// DefaultCandidateDelay is the coalescing window before a candidate batch
// is flushed. Candidates arriving within the window share one publish.
const DefaultCandidateDelay = 100 * time.Millisecond

// DefaultBackoffBase is the base delay for publish retries. The retry
// after failure k backs off as base·2^(k−1).
const DefaultBackoffBase = 500 * time.Millisecond

// maxSendAttempts bounds consecutive publish failures before the pump
// gives up on the current run. The buffer is retained; the next enqueued
// candidate starts a fresh round.
const maxSendAttempts = 5

// candidatePump batches locally gathered ICE candidates and delivers them
// through the signalling channel with bounded retry.
//
// At most one flush is in flight at any moment. Candidate order within a
// batch matches emission order, and a failed batch is prepended back onto
// the buffer so ordering survives retries.
type candidatePump struct {
	channel signal.Channel
	roomID  string
	callID  func() string
	tp      TimeProvider

	coalesceDelay time.Duration
	backoffBase   time.Duration

	mu        sync.Mutex
	queue     []signal.Candidate
	attempts  int
	scheduled bool
	inFlight  bool
	stopped   bool
}

func newCandidatePump(channel signal.Channel, roomID string, callID func() string, tp TimeProvider, coalesce, backoff time.Duration) *candidatePump {
	if coalesce <= 0 {
		coalesce = DefaultCandidateDelay
	}
	if backoff <= 0 {
		backoff = DefaultBackoffBase
	}
	return &candidatePump{
		channel:       channel,
		roomID:        roomID,
		callID:        callID,
		tp:            tp,
		coalesceDelay: coalesce,
		backoffBase:   backoff,
	}
}

// Enqueue appends a candidate to the buffer. If no flush is scheduled and
// no retry run is pending, a flush is scheduled after the coalescing
// delay.
func (p *candidatePump) Enqueue(c signal.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.queue = append(p.queue, c)
	if p.scheduled || p.inFlight || p.attempts > 0 {
		return
	}
	p.scheduled = true
	p.tp.AfterFunc(p.coalesceDelay, p.flush)
}

// Pending reports how many candidates are buffered.
func (p *candidatePump) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop discards the buffer and prevents any further publish, including
// retries already scheduled. The call is over; undelivered candidates are
// useless to the remote side.
func (p *candidatePump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.queue = nil
	p.attempts = 0
}

// flush drains the buffer and publishes it as one candidates event.
//
// On success the attempt counter resets and any candidates that arrived
// during the publish are flushed immediately, without the coalescing
// delay. On failure the drained batch is prepended back onto the buffer
// and a retry is scheduled with exponential backoff until the attempt
// ceiling, after which the run is abandoned with the buffer intact.
func (p *candidatePump) flush() {
	p.mu.Lock()
	p.scheduled = false
	if p.stopped || len(p.queue) == 0 || p.inFlight {
		p.mu.Unlock()
		return
	}
	batch := p.queue
	p.queue = nil
	p.inFlight = true
	p.mu.Unlock()

	content := signal.CandidatesContent{
		Version:    signal.Version,
		CallID:     p.callID(),
		Candidates: batch,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "flush",
		"call_id":    content.CallID,
		"candidates": len(batch),
	}).Debug("Publishing candidate batch")

	err := p.channel.Publish(context.Background(), p.roomID, signal.EventCandidates, content)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false

	if p.stopped {
		return
	}

	if err == nil {
		p.attempts = 0
		if len(p.queue) > 0 {
			p.scheduled = true
			go p.flush()
		}
		return
	}

	// Re-queue the failed batch ahead of anything enqueued meanwhile so
	// emission order is preserved across retries.
	requeued := make([]signal.Candidate, 0, len(batch)+len(p.queue))
	requeued = append(requeued, batch...)
	requeued = append(requeued, p.queue...)
	p.queue = requeued

	p.attempts++
	if p.attempts > maxSendAttempts {
		logrus.WithFields(logrus.Fields{
			"function":   "flush",
			"call_id":    content.CallID,
			"candidates": len(p.queue),
		}).Warn("Giving up on candidate batch after repeated failures")
		p.attempts = 0
		return
	}

	delay := p.backoffBase << (p.attempts - 1)
	logrus.WithFields(logrus.Fields{
		"function": "flush",
		"call_id":  content.CallID,
		"attempt":  p.attempts,
		"retry_in": delay,
		"error":    err.Error(),
	}).Debug("Candidate publish failed, scheduling retry")

	p.scheduled = true
	p.tp.AfterFunc(delay, p.flush)
}
