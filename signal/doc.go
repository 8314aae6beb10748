// Package signal defines the call signalling wire format and the channel
// port over which signalling events travel.
//
// All call events are exchanged as typed room events on a federated
// messaging substrate. The payload shapes here are the versioned public
// wire contract: session descriptions and ICE candidates are carried as
// plain value fields, never as live wrapper objects from a media stack.
package signal
