package proto

const (
	// libp2p stream protocol ID carrying relay frames (same frames as /ws).
	RelayProtoID = "/goopcall/relay/1.0.0"

	// Relay tables.
	TableCalls    = "call_sessions"
	TableSignals  = "signal_messages"
	TablePresence = "presence"
)

// Change events pushed by the relay.
const (
	EventInsert = "insert"
	EventUpdate = "update"
)
