package audio

import (
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/livetranslate/model"
)

var (
	// ErrDeviceUnavailable means the device is gone or access was refused.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrCaptureActive is returned by Start on a running pipeline.
	ErrCaptureActive = errors.New("capture already active")
)

// Driver is the host audio layer.
type Driver interface {
	// Devices lists the current input devices.
	Devices() ([]model.AudioDevice, error)
	// OpenInput starts delivering mono float frames from deviceID. The
	// requested sample rate is a hint; Input.SampleRate reports the real one.
	OpenInput(deviceID string, sampleRate int, onFrames func([]float32)) (Input, error)
}

// Input is an open capture device.
type Input interface {
	SampleRate() int
	Close() error
}
