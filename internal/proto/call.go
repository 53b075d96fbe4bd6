package proto

import (
	"encoding/json"
	"time"
)

// CallStatus is the lifecycle status of a call record.
type CallStatus string

const (
	StatusPending  CallStatus = "pending"
	StatusRinging  CallStatus = "ringing"
	StatusActive   CallStatus = "active"
	StatusDeclined CallStatus = "declined"
	StatusEnded    CallStatus = "ended"
)

// IsTerminal reports whether s is declined or ended.
func (s CallStatus) IsTerminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

func (s CallStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRinging, StatusActive, StatusDeclined, StatusEnded:
		return true
	}
	return false
}

// CallSession is the logical record of one call attempt.
// EndedAt is non-nil iff Status is terminal. AcceptedAt is stamped by the
// receiver on accept; the caller only produces its offer after seeing it.
type CallSession struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Peer returns the other participant from selfID's point of view.
func (c CallSession) Peer(selfID string) string {
	if c.CallerID == selfID {
		return c.ReceiverID
	}
	return c.CallerID
}

// SignalType is the value of signal_type on a signaling row.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalCallEnd   SignalType = "call-end"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalCallEnd:
		return true
	}
	return false
}

// SignalMessage is one append-only signaling row. Seq is assigned by the
// relay and orders rows by creation.
type SignalMessage struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	CallID    string          `json:"call_id"`
	SenderID  string          `json:"sender_id"`
	Type      SignalType      `json:"signal_type"`
	Data      json.RawMessage `json:"signal_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// SDPData is signal_data for offer and answer rows.
type SDPData struct {
	SDP string `json:"sdp"`
}

// ICECandidateInit is the W3C RTCIceCandidateInit shape.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateData is signal_data for ice-candidate rows.
type CandidateData struct {
	Candidate ICECandidateInit `json:"candidate"`
}

// EmptyData is signal_data for call-end rows.
var EmptyData = json.RawMessage(`{}`)

// PresenceRecord is a user's reachability row. At most one per user.
type PresenceRecord struct {
	UserID    string    `json:"user_id"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is the public part of a user shown on an incoming call.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
