package call

import (
	"context"

	"github.com/petervdpas/goopcall/internal/proto"
)

// TransportState is the peer transport's connection state.
type TransportState string

const (
	StateNew          TransportState = "new"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateDisconnected TransportState = "disconnected"
	StateFailed       TransportState = "failed"
	StateClosed       TransportState = "closed"
)

// MediaKind names a track kind.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Constraints selects which local devices to open.
type Constraints struct {
	Audio     bool `json:"audio"`
	Video     bool `json:"video"`
	MaxWidth  int  `json:"max_width,omitempty"`
	MaxHeight int  `json:"max_height,omitempty"`
}

// LocalStream describes the captured local tracks.
type LocalStream struct {
	ID    string `json:"id"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

// RemoteTrack describes one track received from the peer.
type RemoteTrack struct {
	StreamID string    `json:"stream_id"`
	TrackID  string    `json:"track_id"`
	Kind     MediaKind `json:"kind"`
	Codec    string    `json:"codec,omitempty"`
}

// ControlMessage travels peer to peer outside the media streams.
type ControlMessage struct {
	Type    string `json:"type"` // "video-toggle" | "audio-toggle"
	Enabled bool   `json:"enabled"`
}

const (
	ControlVideoToggle = "video-toggle"
	ControlAudioToggle = "audio-toggle"
)

// TransportHandlers are the callbacks a Transport reports through. They may
// be invoked from any goroutine.
type TransportHandlers struct {
	OnLocalCandidate func(proto.ICECandidateInit)
	OnStateChange    func(TransportState)
	OnRemoteTrack    func(RemoteTrack)
	OnControl        func(ControlMessage)
	// OnControlOpen fires once the control channel can carry messages.
	OnControlOpen func()
}

// Transport is the peer connection plus local capture for one call.
type Transport interface {
	AcquireLocalMedia(ctx context.Context, c Constraints) (LocalStream, error)
	// AttachLocalMedia adds the captured tracks (if any) to the connection.
	AttachLocalMedia() error
	SetHandlers(h TransportHandlers)

	// CreateOffer and CreateAnswer build a description, set it as the local
	// description and return its SDP.
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	// SetRemoteDescription applies an offer or answer SDP.
	SetRemoteDescription(typ proto.SignalType, sdp string) error
	AddICECandidate(c proto.ICECandidateInit) error

	// SetTrackEnabled mutes or unmutes local tracks of kind without
	// renegotiating.
	SetTrackEnabled(kind MediaKind, enabled bool) error
	SendControl(m ControlMessage) error

	// Close stops local tracks and closes the connection. Idempotent.
	Close() error
}

// TransportFactory builds the transport for one call.
type TransportFactory func(callID string) (Transport, error)
