//go:build linux

package media

import (
	"context"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const (
	defaultMaxWidth  = 640
	defaultMaxHeight = 480
	videoBitRate     = 1_500_000
)

// DeviceSource captures from V4L2 cameras and malgo microphones, encoding
// VP8 and Opus.
type DeviceSource struct {
	codecs *mediadevices.CodecSelector
}

func NewDeviceSource() (*DeviceSource, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8.BitRate = videoBitRate
	op, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceSource{codecs: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&op),
	)}, nil
}

func (s *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.codecs.Populate(m)
	return nil
}

// Acquire opens the requested devices. With both kinds requested, a
// missing microphone or camera degrades to the kind that did open; only
// when nothing opens is an error returned.
func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*Capture, error) {
	type attempt struct {
		video, audio bool
	}
	var attempts []attempt
	switch {
	case c.Video && c.Audio:
		attempts = []attempt{{true, true}, {true, false}, {false, true}}
	case c.Video:
		attempts = []attempt{{true, false}}
	case c.Audio:
		attempts = []attempt{{false, true}}
	default:
		return nil, ErrNoDevice
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		capt, err := s.open(c, a.video, a.audio)
		if err != nil {
			log.Printf("MEDIA: capture video=%v audio=%v failed: %v", a.video, a.audio, err)
			lastErr = err
			continue
		}
		return capt, nil
	}
	return nil, classify(lastErr)
}

func (s *DeviceSource) open(c Constraints, video, audio bool) (*Capture, error) {
	maxW, maxH := c.MaxWidth, c.MaxHeight
	if maxW <= 0 {
		maxW = defaultMaxWidth
	}
	if maxH <= 0 {
		maxH = defaultMaxHeight
	}

	msc := mediadevices.MediaStreamConstraints{Codec: s.codecs}
	if video {
		msc.Video = func(tc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras feed the encoder
			// malformed frames.
			tc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			tc.Width = prop.IntRanged{Max: maxW}
			tc.Height = prop.IntRanged{Max: maxH}
		}
	}
	if audio {
		msc.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		return nil, err
	}
	tracks := stream.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	capt := &Capture{closeFn: closeAll}
	for _, t := range tracks {
		t := t
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: %s track ended: %v", t.Kind(), err)
			}
		})
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			capt.Video = true
		case webrtc.RTPCodecTypeAudio:
			capt.Audio = true
		}
		capt.Tracks = append(capt.Tracks, t)
		if capt.StreamID == "" {
			capt.StreamID = t.StreamID()
		}
	}
	if len(capt.Tracks) == 0 {
		return nil, ErrNoDevice
	}
	log.Printf("MEDIA: captured %d tracks (video=%v audio=%v)", len(capt.Tracks), capt.Video, capt.Audio)
	return capt, nil
}

// Devices lists the cameras and microphones the drivers can see.
func Devices() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		kind := "other"
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = "videoinput"
		case mediadevices.AudioInput:
			kind = "audioinput"
		}
		out = append(out, Device{ID: d.DeviceID, Kind: kind, Label: d.Label})
	}
	return out
}
