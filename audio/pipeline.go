package audio

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
)

const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 4096
)

// PipelineConfig controls framing of captured audio.
type PipelineConfig struct {
	SampleRate int // output rate in Hz
	FrameSize  int // samples per emitted chunk
	Buffer     int // chunks held for a slow consumer before dropping
}

// Pipeline turns a live input device into fixed-size PCM16 chunks.
type Pipeline struct {
	driver Driver
	config PipelineConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	active   bool
	deviceID string
	input    Input
	stop     chan struct{}
	done     chan struct{}

	chunks  atomic.Uint64
	dropped atomic.Uint64
}

// NewPipeline creates an inactive pipeline.
func NewPipeline(driver Driver, config PipelineConfig, logger *zap.SugaredLogger) *Pipeline {
	if config.SampleRate <= 0 {
		config.SampleRate = DefaultSampleRate
	}
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultFrameSize
	}
	if config.Buffer <= 0 {
		config.Buffer = 8
	}
	return &Pipeline{
		driver: driver,
		config: config,
		logger: logger,
	}
}

// Start opens deviceID and returns the chunk stream. The stream is closed by
// Stop and cannot be restarted; call Start again for a new one.
func (p *Pipeline) Start(deviceID string) (<-chan model.AudioChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return nil, ErrCaptureActive
	}

	devices, err := p.driver.Devices()
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "enumerate devices: %v", err)
	}
	if !containsDevice(devices, deviceID) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "device %q not present", deviceID)
	}

	stop := make(chan struct{})
	frames := make(chan []float32, 64)
	onFrames := func(samples []float32) {
		buf := make([]float32, len(samples))
		copy(buf, samples)
		select {
		case frames <- buf:
		case <-stop:
		default:
			p.dropped.Add(1)
		}
	}

	input, err := p.driver.OpenInput(deviceID, p.config.SampleRate, onFrames)
	if err != nil {
		close(stop)
		return nil, errors.Wrapf(ErrDeviceUnavailable, "open %q: %v", deviceID, err)
	}

	out := make(chan model.AudioChunk, p.config.Buffer)
	done := make(chan struct{})
	go p.frame(input.SampleRate(), frames, out, stop, done)

	p.active = true
	p.deviceID = deviceID
	p.input = input
	p.stop = stop
	p.done = done

	p.logger.Infow("capture started",
		"device", deviceID,
		"device_rate", input.SampleRate(),
		"sample_rate", p.config.SampleRate,
		"frame_size", p.config.FrameSize,
	)
	return out, nil
}

// Stop releases the device and ends the chunk stream. It returns once the
// device is closed and the framer has exited.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return nil
	}
	p.active = false

	close(p.stop)
	err := p.input.Close()
	<-p.done

	p.logger.Infow("capture stopped",
		"device", p.deviceID,
		"chunks", p.chunks.Load(),
		"dropped", p.dropped.Load(),
	)
	p.input = nil
	p.deviceID = ""
	if err != nil {
		return errors.Wrap(err, "close input device")
	}
	return nil
}

// Active reports whether a device is currently held.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Device returns the id of the held device, or "".
func (p *Pipeline) Device() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceID
}

// Dropped is the number of frames or chunks discarded because a consumer lagged.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pipeline) frame(deviceRate int, frames <-chan []float32, out chan<- model.AudioChunk, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	size := p.config.FrameSize
	pending := make([]float32, 0, size*2)
	resampler := NewResampler(deviceRate, p.config.SampleRate)

	for {
		select {
		case <-stop:
			return
		case samples := <-frames:
			samples = resampler.Process(samples)
			pending = append(pending, samples...)

			for len(pending) >= size {
				chunk := model.AudioChunk(EncodePCM16LE(FloatToPCM16(pending[:size])))
				n := copy(pending, pending[size:])
				pending = pending[:n]

				select {
				case out <- chunk:
					p.chunks.Add(1)
				default:
					p.dropped.Add(1)
				}
			}
		}
	}
}

func containsDevice(devices []model.AudioDevice, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
