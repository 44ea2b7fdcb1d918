// Package miniaudio implements audio.Driver on top of the miniaudio library.
package miniaudio

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/audio"
	"github.com/mrsingh-rishi/livetranslate/model"
)

// Driver enumerates and opens capture devices through a miniaudio context.
type Driver struct {
	ctx    *malgo.AllocatedContext
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

var _ audio.Driver = (*Driver)(nil)

// New initialises a miniaudio context using the platform's default backend.
func New(logger *zap.SugaredLogger) (*Driver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debugw("miniaudio", "message", message)
	})
	if err != nil {
		return nil, errors.Wrap(err, "init miniaudio context")
	}
	return &Driver{ctx: ctx, logger: logger}, nil
}

// Devices implements audio.Driver.
func (d *Driver) Devices() ([]model.AudioDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.Wrap(err, "list capture devices")
	}

	devices := make([]model.AudioDevice, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, model.AudioDevice{
			ID:    hex.EncodeToString(info.ID[:]),
			Label: info.Name(),
		})
	}
	return devices, nil
}

// OpenInput implements audio.Driver. miniaudio converts to the requested
// rate, so the returned input always reports sampleRate.
func (d *Driver) OpenInput(deviceID string, sampleRate int, onFrames func([]float32)) (audio.Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.Wrap(err, "list capture devices")
	}

	var id *malgo.DeviceID
	for i := range infos {
		if hex.EncodeToString(infos[i].ID[:]) == deviceID {
			id = &infos[i].ID
			break
		}
	}
	if id == nil {
		return nil, errors.Errorf("capture device %s not found", deviceID)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.Capture.DeviceID = id.Pointer()
	cfg.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			samples := make([]float32, frameCount)
			for i := range samples {
				off := i * 4
				if off+4 > len(input) {
					samples = samples[:i]
					break
				}
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[off:]))
			}
			onFrames(samples)
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, errors.Wrapf(err, "init capture device %s", deviceID)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, errors.Wrapf(err, "start capture device %s", deviceID)
	}

	return &input{device: device, rate: sampleRate}, nil
}

// Close releases the miniaudio context.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return errors.Wrap(err, "uninit miniaudio context")
}

type input struct {
	device *malgo.Device
	rate   int
	once   sync.Once
}

func (in *input) SampleRate() int { return in.rate }

func (in *input) Close() error {
	var err error
	in.once.Do(func() {
		err = in.device.Stop()
		in.device.Uninit()
	})
	return errors.Wrap(err, "stop capture device")
}
