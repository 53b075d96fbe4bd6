package call

import "github.com/petervdpas/goopcall/internal/proto"

// Event is everything a Negotiation's loop consumes: relay signals and
// transport callbacks, one at a time.
type Event interface{ event() }

type OfferReceived struct {
	From string
	SDP  string
}

type AnswerReceived struct {
	From string
	SDP  string
}

type CandidateReceived struct {
	From      string
	Candidate proto.ICECandidateInit
}

type StateChanged struct {
	State TransportState
}

type CallEndReceived struct {
	From string
}

type RemoteTrackAdded struct {
	Track RemoteTrack
}

// ControlReceived carries a toggle sent by the peer over the control channel.
type ControlReceived struct {
	Msg ControlMessage
}

// ControlOpened means the control channel can now carry toggles.
type ControlOpened struct{}

// FeedLost means the relay feed of the peer's signals ended for good.
type FeedLost struct {
	Err error
}

// NegotiationFailed reports an error hit while handling another event.
type NegotiationFailed struct {
	Err error
}

func (OfferReceived) event()     {}
func (AnswerReceived) event()    {}
func (CandidateReceived) event() {}
func (StateChanged) event()      {}
func (CallEndReceived) event()   {}
func (RemoteTrackAdded) event()  {}
func (ControlReceived) event()   {}
func (ControlOpened) event()     {}
func (FeedLost) event()          {}
func (NegotiationFailed) event() {}
