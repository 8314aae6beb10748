// Package media defines the provider port through which the call core
// drives capture and peer connections, plus a pion/webrtc backed adapter.
//
// The core never probes a global environment for a media stack; the host
// constructs a concrete Provider and injects it. Stream and peer
// connection handles are owned by the provider, the core holds non-owning
// references and requests teardown explicitly.
package media
