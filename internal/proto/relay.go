package proto

import "encoding/json"

// Change is one row event pushed to relay subscribers. Exactly one of
// Call, Signal, Presence is set, matching Table.
type Change struct {
	Table    string          `json:"table"`
	Event    string          `json:"event"`
	Call     *CallSession    `json:"call,omitempty"`
	Signal   *SignalMessage  `json:"signal,omitempty"`
	Presence *PresenceRecord `json:"presence,omitempty"`
}

// Filter selects changes for a subscription. Empty Event matches both
// insert and update; empty Column matches every row of Table.
type Filter struct {
	Table  string `json:"table"`
	Event  string `json:"event,omitempty"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Match reports whether c passes f.
func (f Filter) Match(c Change) bool {
	if f.Table != c.Table {
		return false
	}
	if f.Event != "" && f.Event != c.Event {
		return false
	}
	if f.Column == "" {
		return true
	}
	v, ok := c.column(f.Column)
	return ok && v == f.Value
}

func (c Change) column(name string) (string, bool) {
	switch {
	case c.Call != nil:
		switch name {
		case "id":
			return c.Call.ID, true
		case "caller_id":
			return c.Call.CallerID, true
		case "receiver_id":
			return c.Call.ReceiverID, true
		case "status":
			return string(c.Call.Status), true
		}
	case c.Signal != nil:
		switch name {
		case "call_id":
			return c.Signal.CallID, true
		case "sender_id":
			return c.Signal.SenderID, true
		case "signal_type":
			return string(c.Signal.Type), true
		}
	case c.Presence != nil:
		if name == "user_id" {
			return c.Presence.UserID, true
		}
	}
	return "", false
}

// Relay wire frames. One JSON value per frame on a websocket message or a
// newline-delimited libp2p stream.
//
//	client → relay: Request
//	relay → client: Response (Reply set) or Push (Sub set)
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Frame is everything the relay writes back. Reply/Sub discriminate.
type Frame struct {
	Reply     string          `json:"reply,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"` // "not_found" | ""
	Temporary bool            `json:"temporary,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Sub       string          `json:"sub,omitempty"`
	Change    *Change         `json:"change,omitempty"`
	// Ended marks the last push for Sub; Error says why.
	Ended bool `json:"ended,omitempty"`
}

// Relay operations.
const (
	OpCreateCall       = "call.create"
	OpGetCall          = "call.get"
	OpUpdateCallStatus = "call.status"
	OpMarkAccepted     = "call.accept"
	OpAppendSignal     = "signal.append"
	OpListSignals      = "signal.list"
	OpUpsertPresence   = "presence.upsert"
	OpListPresence     = "presence.list"
	OpUpsertProfile    = "profile.upsert"
	OpGetProfile       = "profile.get"
	OpSubscribe        = "subscribe"
	OpUnsubscribe      = "unsubscribe"
)

type CreateCallArgs struct {
	CallerID   string `json:"caller_id"`
	ReceiverID string `json:"receiver_id"`
}

type IDArgs struct {
	ID string `json:"id"`
}

type UpdateCallStatusArgs struct {
	ID     string     `json:"id"`
	Status CallStatus `json:"status"`
}

// SubscribeArgs carries a client-chosen subscription id so pushes can be
// routed before the subscribe reply is read.
type SubscribeArgs struct {
	Sub    string `json:"sub"`
	Filter Filter `json:"filter"`
}

type UnsubscribeArgs struct {
	Sub string `json:"sub"`
}

const CodeNotFound = "not_found"
