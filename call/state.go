package call

// State is the position of a call in its lifecycle.
//
// Outbound path:
//
//	fledgling → wait_local_media → create_offer → invite_sent → connecting → connected → ended
//
// Inbound path:
//
//	fledgling → ringing → wait_local_media → create_answer → connecting → connected → ended
//
// StateEnded is absorbing: once reached, every subsequent callback or
// inbound message becomes a no-op.
type State int

const (
	// StateFledgling is a freshly constructed call.
	StateFledgling State = iota
	// StateWaitLocalMedia means capture is in flight.
	StateWaitLocalMedia
	// StateCreateOffer means an outbound offer is being generated.
	StateCreateOffer
	// StateCreateAnswer means an inbound answer is being generated.
	StateCreateAnswer
	// StateRinging means an inbound invite was applied and the call awaits
	// a local answer.
	StateRinging
	// StateInviteSent means the outbound invite was published.
	StateInviteSent
	// StateConnecting means descriptions are exchanged and ICE is probing.
	StateConnecting
	// StateConnected means ICE reached connected or completed.
	StateConnected
	// StateEnded is terminal.
	StateEnded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateFledgling:
		return "fledgling"
	case StateWaitLocalMedia:
		return "wait_local_media"
	case StateCreateOffer:
		return "create_offer"
	case StateCreateAnswer:
		return "create_answer"
	case StateRinging:
		return "ringing"
	case StateInviteSent:
		return "invite_sent"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Direction distinguishes who placed the call.
type Direction int

const (
	DirectionUnset Direction = iota
	DirectionInbound
	DirectionOutbound
)

// String returns the lowercase direction name.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unset"
	}
}

// Type is the media type of the call, settled once tracks are known.
type Type int

const (
	TypeUnset Type = iota
	TypeVoice
	TypeVideo
)

// String returns the lowercase type name.
func (t Type) String() string {
	switch t {
	case TypeVoice:
		return "voice"
	case TypeVideo:
		return "video"
	default:
		return "unset"
	}
}

// Party identifies which side terminated the call.
type Party int

const (
	PartyUnset Party = iota
	PartyLocal
	PartyRemote
)

// String returns the lowercase party name.
func (p Party) String() string {
	switch p {
	case PartyLocal:
		return "local"
	case PartyRemote:
		return "remote"
	default:
		return "unset"
	}
}
