//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers on this platform; calls run
// receive-only unless another Source is configured.
type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) { return &DeviceSource{}, nil }

func (*DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (*DeviceSource) Acquire(context.Context, Constraints) (*Capture, error) {
	return nil, ErrNoDevice
}

func Devices() []Device { return nil }
