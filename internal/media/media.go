// Package media opens the local camera and microphone for a call and hands
// the tracks to the peer connection.
package media

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrNoDevice means no usable device matched the constraints.
	ErrNoDevice = errors.New("no capture device available")
	// ErrPermission means a device exists but could not be opened.
	ErrPermission = errors.New("capture device permission denied")
)

// Constraints selects devices and caps the capture size.
type Constraints struct {
	Audio     bool
	Video     bool
	MaxWidth  int
	MaxHeight int
}

// Source produces local tracks. RegisterCodecs must be called on the
// media engine of every peer connection the tracks are added to.
type Source interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
	Acquire(ctx context.Context, c Constraints) (*Capture, error)
}

// Capture is the set of local tracks opened for one call.
type Capture struct {
	StreamID string
	Tracks   []webrtc.TrackLocal
	Audio    bool
	Video    bool

	closeOnce sync.Once
	closeFn   func()
}

// Track returns the capture's track of kind, or nil.
func (c *Capture) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	if c == nil {
		return nil
	}
	for _, t := range c.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Close stops every track. Safe on a nil Capture and safe to repeat.
func (c *Capture) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		if c.closeFn != nil {
			c.closeFn()
		}
	})
}

// Device is one capture device seen by the platform driver.
type Device struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

// classify maps a driver error to ErrPermission or ErrNoDevice.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission") {
		return errors.Join(ErrPermission, err)
	}
	return errors.Join(ErrNoDevice, err)
}

// StaticSource produces sample tracks with no device behind them. Used for
// headless peers and tests; nothing is ever written to the tracks unless
// the caller does so.
type StaticSource struct{}

func (StaticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (StaticSource) Acquire(_ context.Context, c Constraints) (*Capture, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}
	streamID := "static-" + uuid.NewString()[:8]
	capt := &Capture{StreamID: streamID, Audio: c.Audio, Video: c.Video}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, err
		}
		capt.Tracks = append(capt.Tracks, t)
	}
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, err
		}
		capt.Tracks = append(capt.Tracks, t)
	}
	return capt, nil
}
