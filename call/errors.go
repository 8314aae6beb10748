package call

import "errors"

// Sentinel errors for call operations. These enable reliable error
// classification using errors.Is().

// Construction and placement errors.
var (
	// ErrNoErrorListener indicates Place* was attempted before an error
	// callback was registered. Capture failures would otherwise be silent.
	ErrNoErrorListener = errors.New("no error callback registered")

	// ErrBadState indicates an operation attempted in a state that does
	// not permit it.
	ErrBadState = errors.New("operation not valid in current call state")

	// ErrNoUserMedia indicates capture was denied or hardware is
	// unavailable.
	ErrNoUserMedia = errors.New("could not acquire local media")

	// ErrLocalOfferFailed indicates the provider failed to create a local
	// description.
	ErrLocalOfferFailed = errors.New("failed to create local description")
)

// Error codes emitted through the error callback. Codes, not types, are
// the public taxonomy.
const (
	CodeNoUserMedia      = "no_user_media"
	CodeLocalOfferFailed = "local_offer_failed"
	CodeNoErrorListener  = "no_error_listener"
	CodeSignallingFailed = "signalling_failed"
)

// Terminal hangup reasons recorded on a call. Any caller-supplied string
// is also legal on an explicit Hangup.
const (
	ReasonUserHangup        = "user_hangup"
	ReasonInviteTimeout     = "invite_timeout"
	ReasonICEFailed         = "ice_failed"
	ReasonAnsweredElsewhere = "answered_elsewhere"
	ReasonUserMediaFailed   = "user_media_failed"
	ReasonReplaced          = "replaced"
)
