// Package session coordinates one participant's live translation session:
// audio capture, the transcription socket, translation, and the relay that
// shares results with everyone else in the meeting.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/audio"
	"github.com/mrsingh-rishi/livetranslate/metrics"
	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/relay"
	"github.com/mrsingh-rishi/livetranslate/stt"
	"github.com/mrsingh-rishi/livetranslate/workers"
)

const (
	DefaultDevicePoll = 2 * time.Second

	eventBuffer = 64
)

// Config holds the tunables of a Coordinator.
type Config struct {
	Socket  stt.Options
	Capture audio.PipelineConfig
	// DevicePoll is how often the device list is checked for hot-plug.
	DevicePoll time.Duration
	// Device is the initial input selection. Empty picks the first device.
	Device          string
	Topic           string
	PublishDeadline time.Duration
	MaxInFlight     int
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Membership Membership
	Translator Translator
	Connector  Connector
	Driver     audio.Driver
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
}

// Coordinator owns every resource of the current session. All state changes
// run on a single loop goroutine; public methods send it commands and wait
// for the outcome.
type Coordinator struct {
	cfg        Config
	membership Membership
	translator Translator
	connector  Connector
	driver     audio.Driver
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics

	transcript *Transcript
	pipeline   *audio.Pipeline
	watcher    *audio.Watcher

	commands  chan func()
	events    chan event
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	statusMu sync.RWMutex
	status   Status

	// Everything below is owned by the loop goroutine.
	state     State
	gen       uint64
	sessCtx   context.Context
	cancel    context.CancelFunc
	session   *model.Session
	socket    *stt.Client
	channel   Channel
	relay     *relay.Relay
	pool      *workers.TranslationWorker
	muted     bool
	streaming bool
	devices   []model.AudioDevice
	selected  string
	ended     bool
	streamErr string

	nextSeq    uint64
	nextCommit uint64
	pending    map[uint64]workers.Result

	producers sync.WaitGroup
	pump      sync.WaitGroup
}

// New creates an Idle coordinator and starts its loop. Close stops it.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Membership == nil:
		return nil, errors.New("membership is required")
	case deps.Translator == nil:
		return nil, errors.New("translator is required")
	case deps.Connector == nil:
		return nil, errors.New("connector is required")
	case deps.Driver == nil:
		return nil, errors.New("audio driver is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.DevicePoll <= 0 {
		cfg.DevicePoll = DefaultDevicePoll
	}
	if cfg.Socket.Logger == nil {
		cfg.Socket.Logger = deps.Logger.Named("stt")
	}

	c := &Coordinator{
		cfg:        cfg,
		membership: deps.Membership,
		translator: deps.Translator,
		connector:  deps.Connector,
		driver:     deps.Driver,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		transcript: NewTranscript(),
		pipeline:   audio.NewPipeline(deps.Driver, cfg.Capture, deps.Logger.Named("capture")),
		watcher:    audio.NewWatcher(deps.Driver, cfg.DevicePoll, deps.Logger.Named("devices")),
		commands:   make(chan func()),
		events:     make(chan event, eventBuffer),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		selected:   cfg.Device,
		pending:    make(map[uint64]workers.Result),
	}
	c.publishStatus()

	go c.run()
	return c, nil
}

// Close leaves any active session and stops the loop. It is safe to call
// more than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.stopped
	return nil
}

func (c *Coordinator) run() {
	defer close(c.stopped)

	for {
		select {
		case <-c.quit:
			c.leave("shutdown")
			c.publishStatus()
			return
		case cmd := <-c.commands:
			cmd()
		case ev := <-c.events:
			c.handle(ev)
		}
		c.publishStatus()
	}
}

// do runs fn on the loop goroutine and waits for it. Once fn has been
// accepted it always runs to completion.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}

	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// post returns a sender bound to the current session. It gives up once the
// session is torn down, so producers never block a teardown.
func (c *Coordinator) post() func(event) {
	ctx := c.sessCtx
	return func(ev event) {
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
	}
}

func (c *Coordinator) publishStatus() {
	s := Status{
		State:          c.state,
		Muted:          c.muted,
		Streaming:      c.streaming,
		SelectedDevice: c.selected,
		Devices:        append([]model.AudioDevice(nil), c.devices...),
		Ended:          c.ended,
		StreamErr:      c.streamErr,
	}
	if c.session != nil {
		s.SessionID = c.session.ID
		s.MeetingID = c.session.Credentials.MeetingID
		s.AttendeeID = c.session.Credentials.AttendeeID
		s.CreatedByMe = c.session.CreatedByMe
	}

	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// Status returns a snapshot of the coordinator. It does not wait for a
// running operation.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	s := c.status
	c.statusMu.RUnlock()
	s.Entries = c.transcript.Len()
	return s
}

// Transcript returns a copy of the transcript log.
func (c *Coordinator) Transcript() []model.TranscriptEntry {
	return c.transcript.Entries()
}

// Watch subscribes to transcript appends. See Transcript.Watch.
func (c *Coordinator) Watch(buffer int) (<-chan model.TranscriptEntry, func()) {
	return c.transcript.Watch(buffer)
}

// ClearTranscript empties the log. Translations still in flight may append
// after it returns.
func (c *Coordinator) ClearTranscript() {
	c.transcript.Clear()
	c.logger.Infow("transcript cleared")
}

// capturing reports whether audio should currently be flowing.
func (c *Coordinator) capturing() bool {
	return c.state == Active && c.streaming && !c.muted
}

// cleanupResources releases everything the current session holds. Producers
// are cut off first so none of them can block the teardown. Capture and the
// socket stop before the relay is unsubscribed.
func (c *Coordinator) cleanupResources() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	c.stopCapture()
	if c.socket != nil {
		c.socket.Close()
		c.socket = nil
	}
	c.watcher.Stop()

	if c.relay != nil {
		c.relay.Unsubscribe()
		c.relay.Close()
		c.relay = nil
	}
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Debugw("realtime channel close", "error", err)
		}
		c.channel = nil
	}
	if c.pool != nil {
		c.pool.Stop()
		c.pool = nil
	}
	c.producers.Wait()

	c.gen++
	c.session = nil
	c.muted = false
	c.streaming = false
	c.nextSeq = 0
	c.nextCommit = 0
	c.pending = make(map[uint64]workers.Result)
}

func (c *Coordinator) startCapture() error {
	chunks, err := c.pipeline.Start(c.selected)
	if err != nil {
		return err
	}

	sock := c.socket
	c.pump.Add(1)
	go func() {
		defer c.pump.Done()
		for chunk := range chunks {
			c.metrics.ObserveChunk(sock != nil && sock.Send(chunk))
		}
	}()
	return nil
}

// stopCapture returns once the device is released and no chunk is in
// transit to the socket.
func (c *Coordinator) stopCapture() {
	if err := c.pipeline.Stop(); err != nil {
		c.logger.Warnw("capture stop", "error", err)
	}
	c.pump.Wait()
}

func (c *Coordinator) restartCapture(reason string) {
	c.stopCapture()
	c.metrics.CaptureRestarts.Inc()
	if err := c.startCapture(); err != nil {
		c.logger.Warnw("capture restart failed", "reason", reason, "device", c.selected, "error", err)
		return
	}
	c.logger.Infow("capture restarted", "reason", reason, "device", c.selected)
}

func (c *Coordinator) openSocket(ctx context.Context) error {
	sock, err := stt.Open(ctx, c.cfg.Socket)
	if err != nil {
		return err
	}
	c.socket = sock

	post := c.post()
	gen := stamp(c.gen)
	c.producers.Add(1)
	go func() {
		defer c.producers.Done()
		for ev := range sock.Events() {
			switch ev.Kind {
			case stt.EventTranscription:
				post(transcriptionReceived{stamp: gen, event: ev.Transcription})
			case stt.EventClosed:
				post(socketClosed{stamp: gen, socket: sock, err: ev.Err})
			}
		}
	}()
	return nil
}

func (c *Coordinator) watchChannel(ch Channel) {
	post := c.post()
	gen := stamp(c.gen)
	ctx := c.sessCtx
	c.producers.Add(1)
	go func() {
		defer c.producers.Done()
		select {
		case <-ch.Done():
			post(channelClosed{stamp: gen, ended: ch.Ended()})
		case <-ctx.Done():
		}
	}()
}

// refreshDevices re-enumerates inputs and keeps the selection valid.
func (c *Coordinator) refreshDevices() error {
	devices, err := c.driver.Devices()
	if err != nil {
		return errors.Wrapf(audio.ErrDeviceUnavailable, "enumerate devices: %v", err)
	}
	c.setDevices(devices)
	return nil
}

func (c *Coordinator) setDevices(devices []model.AudioDevice) {
	c.devices = devices
	if containsDevice(devices, c.selected) {
		return
	}
	prev := c.selected
	c.selected = ""
	if len(devices) > 0 {
		c.selected = devices[0].ID
	}
	if prev != "" {
		c.logger.Infow("selected device unavailable", "previous", prev, "selected", c.selected)
	}
}

func containsDevice(devices []model.AudioDevice, id string) bool {
	if id == "" {
		return false
	}
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
