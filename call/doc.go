// Package call implements the per-call signalling state machine for
// two-party voice and video calls negotiated over a room-based messaging
// substrate.
//
// A Call drives one call's lifecycle: local media acquisition, peer
// connection setup, offer/answer exchange, trickled ICE candidate
// delivery, and teardown. Media capture and the peer connection itself
// live behind the media.Provider port; event publication lives behind the
// signal.Channel port. State transitions and every provider or channel
// callback are serialized on a per-call mutex, and no lock is held across
// a blocking provider or channel operation.
package call
