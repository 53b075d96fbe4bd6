package call

import (
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/relay"
)

var (
	// ErrPeerOffline is returned by StartCall when presence says the
	// receiver is not reachable.
	ErrPeerOffline = errors.New("peer is offline")
	// ErrUnknownCall is returned for a call id the manager has no session for.
	ErrUnknownCall = errors.New("unknown call")
	// ErrNotReceiver is returned when accepting or declining a call not
	// addressed to the local user.
	ErrNotReceiver = errors.New("call is not addressed to this user")
	// ErrCallOver is returned when acting on a call already in a terminal state.
	ErrCallOver = errors.New("call is already over")
)

// MediaAcquisitionError means the camera or microphone could not be opened.
// It is fatal to the call attempt and never retried.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return "acquire local media: " + e.Err.Error()
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// NegotiationError is a protocol violation such as a second offer.
type NegotiationError struct {
	Op  string
	Msg string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %s", e.Op, e.Msg)
}

// RelayError wraps an append or subscribe failure.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	return "relay " + e.Op + ": " + e.Err.Error()
}

func (e *RelayError) Unwrap() error { return e.Err }

// Temporary reports whether the underlying relay failure is transient.
func (e *RelayError) Temporary() bool { return relay.IsTemporary(e.Err) }

// TransportFailure reports a disconnected or failed peer transport. It is a
// status for the UI, not a reason to end the call by itself.
type TransportFailure struct {
	State TransportState
}

func (e *TransportFailure) Error() string {
	return "peer transport " + string(e.State)
}

func relayErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RelayError
	if errors.As(err, &re) {
		return err
	}
	return &RelayError{Op: op, Err: err}
}

// UserMessage maps an error to the short text shown to the user.
func UserMessage(err error) string {
	var (
		me *MediaAcquisitionError
		re *RelayError
		tf *TransportFailure
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &me):
		return "Camera or microphone unavailable. Allow access to your devices and try again."
	case errors.Is(err, ErrPeerOffline):
		return "This person is offline right now."
	case errors.As(err, &re):
		return "Could not connect. Check your connection and try again."
	case errors.As(err, &tf):
		return "Connection lost. Trying to recover..."
	case errors.Is(err, ErrCallOver):
		return "Call ended."
	}
	return "Something went wrong with the call."
}
