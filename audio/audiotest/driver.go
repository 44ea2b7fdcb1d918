// Package audiotest provides an in-memory audio Driver for tests.
package audiotest

import (
	"fmt"
	"sync"

	"github.com/mrsingh-rishi/livetranslate/audio"
	"github.com/mrsingh-rishi/livetranslate/model"
)

// Driver is a scriptable audio.Driver. It tracks how many inputs are open so
// tests can assert that devices are released.
type Driver struct {
	mu       sync.Mutex
	devices  []model.AudioDevice
	rate     int
	inputs   map[*Input]struct{}
	opened   int
	failOpen error
}

// NewDriver creates a driver exposing devices at the given native rate.
func NewDriver(rate int, devices ...model.AudioDevice) *Driver {
	return &Driver{
		devices: devices,
		rate:    rate,
		inputs:  make(map[*Input]struct{}),
	}
}

var _ audio.Driver = (*Driver)(nil)

// Devices implements audio.Driver.
func (d *Driver) Devices() ([]model.AudioDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.AudioDevice, len(d.devices))
	copy(out, d.devices)
	return out, nil
}

// SetDevices replaces the enumerated devices, simulating hot-plug.
func (d *Driver) SetDevices(devices ...model.AudioDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = devices
}

// FailOpen makes subsequent OpenInput calls return err. Pass nil to reset.
func (d *Driver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpen = err
}

// OpenInput implements audio.Driver.
func (d *Driver) OpenInput(deviceID string, sampleRate int, onFrames func([]float32)) (audio.Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failOpen != nil {
		return nil, d.failOpen
	}
	for in := range d.inputs {
		if in.deviceID == deviceID {
			return nil, fmt.Errorf("device %s busy", deviceID)
		}
	}

	in := &Input{driver: d, deviceID: deviceID, rate: d.rate, onFrames: onFrames}
	d.inputs[in] = struct{}{}
	d.opened++
	return in, nil
}

// OpenInputs is the number of inputs not yet closed.
func (d *Driver) OpenInputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inputs)
}

// Opened is the number of OpenInput calls that succeeded.
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Emit delivers samples to every open input.
func (d *Driver) Emit(samples []float32) {
	d.mu.Lock()
	inputs := make([]*Input, 0, len(d.inputs))
	for in := range d.inputs {
		inputs = append(inputs, in)
	}
	d.mu.Unlock()

	for _, in := range inputs {
		in.onFrames(samples)
	}
}

// Input is an open fake device.
type Input struct {
	driver   *Driver
	deviceID string
	rate     int
	onFrames func([]float32)
}

// SampleRate implements audio.Input.
func (in *Input) SampleRate() int { return in.rate }

// Close implements audio.Input.
func (in *Input) Close() error {
	in.driver.mu.Lock()
	defer in.driver.mu.Unlock()
	delete(in.driver.inputs, in)
	return nil
}
