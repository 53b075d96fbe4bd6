package relay

// FrameConn carries one JSON value per frame. *websocket.Conn satisfies it
// directly; internal/p2p adapts libp2p streams to it.
type FrameConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}
