package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/livetranslate/audio"
	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/relay"
	"github.com/mrsingh-rishi/livetranslate/workers"
)

// Join creates or joins the meeting for requestID and starts streaming. An
// empty requestID creates a new meeting. On failure nothing stays acquired
// and the error wraps ErrAcquisition.
func (c *Coordinator) Join(ctx context.Context, requestID string) error {
	var err error
	if e := c.do(ctx, func() { err = c.join(ctx, requestID) }); e != nil {
		return e
	}
	return err
}

// Leave tears the session down. It is a no-op when Idle.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.do(ctx, func() { c.leave("left") })
}

// End leaves and destroys the meeting for every participant. Only the
// creator may end it. A failed destroy is logged and End still succeeds.
func (c *Coordinator) End(ctx context.Context) error {
	var err error
	if e := c.do(ctx, func() { err = c.end(ctx) }); e != nil {
		return e
	}
	return err
}

// ToggleMute switches between streaming and muted and returns the new mute
// state.
func (c *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	var (
		muted bool
		err   error
	)
	if e := c.do(ctx, func() { muted, err = c.toggleMute() }); e != nil {
		return false, e
	}
	return muted, err
}

// RestartStreaming reopens the transcription socket after it closed and
// resumes capture unless muted. It does nothing while already streaming.
func (c *Coordinator) RestartStreaming(ctx context.Context) error {
	var err error
	if e := c.do(ctx, func() { err = c.restartStreaming(ctx) }); e != nil {
		return e
	}
	return err
}

// SelectDevice makes id the capture device, moving live capture over to it.
func (c *Coordinator) SelectDevice(ctx context.Context, id string) error {
	var err error
	if e := c.do(ctx, func() { err = c.selectDevice(id) }); e != nil {
		return e
	}
	return err
}

// RefreshDevices re-enumerates inputs and returns the list.
func (c *Coordinator) RefreshDevices(ctx context.Context) ([]model.AudioDevice, error) {
	var (
		devices []model.AudioDevice
		err     error
	)
	e := c.do(ctx, func() {
		err = c.refreshDevices()
		devices = append(devices, c.devices...)
	})
	if e != nil {
		return nil, e
	}
	return devices, err
}

// Devices returns the last enumerated devices and the selected id.
func (c *Coordinator) Devices() ([]model.AudioDevice, string) {
	s := c.Status()
	return s.Devices, s.SelectedDevice
}

func (c *Coordinator) join(ctx context.Context, requestID string) error {
	if c.state != Idle {
		return errors.Wrapf(ErrInvalidState, "join while %s", c.state)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := c.logger.With("request", requestID)

	c.state = Joining
	c.ended = false
	c.streamErr = ""
	c.gen++
	c.sessCtx, c.cancel = context.WithCancel(context.Background())
	c.publishStatus()

	fail := func(step string, err error) error {
		logger.Warnw("join aborted", "step", step, "error", err)
		c.cleanupResources()
		c.state = Idle
		c.metrics.JoinFailures.Inc()
		return &acquisitionError{step: step, err: err}
	}

	sess, err := c.membership.CreateOrJoin(ctx, requestID)
	if err != nil {
		return fail("membership", err)
	}
	c.session = &sess

	if err := c.refreshDevices(); err != nil {
		return fail("devices", err)
	}
	if c.selected == "" {
		return fail("devices", errors.Wrap(audio.ErrDeviceUnavailable, "no input device"))
	}
	post := c.post()
	gen := stamp(c.gen)
	c.watcher.Start(func(devices []model.AudioDevice) {
		post(deviceChanged{stamp: gen, devices: devices})
	})

	if err := c.openSocket(ctx); err != nil {
		return fail("transcription", err)
	}
	if err := c.startCapture(); err != nil {
		return fail("capture", err)
	}

	ch, err := c.connector.Connect(ctx, sess.Credentials)
	if err != nil {
		return fail("channel", err)
	}
	c.channel = ch
	c.relay = relay.New(ch, relay.Config{
		Topic:    c.cfg.Topic,
		Deadline: c.cfg.PublishDeadline,
		SelfID:   sess.Credentials.AttendeeID,
		OnAck: func(result model.TranslationResult, err error) {
			post(publishAcked{stamp: gen, result: result, err: err})
		},
		Metrics: c.metrics,
	}, c.logger.Named("relay"))
	c.relay.Subscribe(func(result model.TranslationResult) {
		post(remoteResult{stamp: gen, result: result})
	})
	c.watchChannel(ch)

	pool, err := workers.NewTranslationWorker(c.translator, c.cfg.MaxInFlight, func(r workers.Result) {
		post(translationDone{stamp: stamp(r.Generation), result: r})
	}, c.logger.Named("translation"), c.metrics)
	if err != nil {
		return fail("translation", err)
	}
	c.pool = pool
	pool.Start()

	c.state = Active
	c.streaming = true
	c.metrics.SessionsJoined.Inc()
	c.metrics.ActiveSessions.Inc()
	logger.Infow("session joined",
		"meeting", sess.Credentials.MeetingID,
		"attendee", sess.Credentials.AttendeeID,
		"creator", sess.CreatedByMe,
		"device", c.selected,
	)
	return nil
}

func (c *Coordinator) leave(reason string) {
	if c.state == Idle {
		return
	}
	meetingID := ""
	if c.session != nil {
		meetingID = c.session.Credentials.MeetingID
	}

	c.state = Leaving
	c.publishStatus()
	c.cleanupResources()
	c.state = Idle

	c.metrics.ActiveSessions.Dec()
	c.metrics.SessionEnds.WithLabelValues(reason).Inc()
	c.logger.Infow("session left", "meeting", meetingID, "reason", reason)
}

func (c *Coordinator) end(ctx context.Context) error {
	if c.state != Active {
		return errors.Wrapf(ErrInvalidState, "end while %s", c.state)
	}
	if !c.session.CreatedByMe {
		return ErrNotCreator
	}
	meetingID := c.session.Credentials.MeetingID

	c.leave("ended")
	c.ended = true

	if err := c.membership.Destroy(ctx, meetingID); err != nil {
		c.logger.Errorw("destroy meeting failed", "meeting", meetingID, "error", err)
	}
	return nil
}

func (c *Coordinator) toggleMute() (bool, error) {
	if c.state != Active {
		return false, errors.Wrapf(ErrInvalidState, "mute while %s", c.state)
	}

	if !c.muted {
		c.muted = true
		c.stopCapture()
		c.logger.Infow("muted")
		return true, nil
	}

	c.muted = false
	c.logger.Infow("unmuted")
	if !c.streaming {
		return false, nil
	}
	if err := c.startCapture(); err != nil {
		c.logger.Warnw("capture did not resume", "device", c.selected, "error", err)
		return false, err
	}
	return false, nil
}

func (c *Coordinator) restartStreaming(ctx context.Context) error {
	if c.state != Active {
		return errors.Wrapf(ErrInvalidState, "restart streaming while %s", c.state)
	}
	if c.streaming {
		return nil
	}

	c.stopCapture()
	if c.socket != nil {
		c.socket.Close()
		c.socket = nil
	}
	if err := c.openSocket(ctx); err != nil {
		c.streamErr = err.Error()
		return err
	}
	c.streaming = true
	c.streamErr = ""
	c.logger.Infow("streaming restarted")

	if c.muted {
		return nil
	}
	if err := c.startCapture(); err != nil {
		c.logger.Warnw("capture did not resume", "device", c.selected, "error", err)
		return err
	}
	return nil
}

func (c *Coordinator) selectDevice(id string) error {
	if err := c.refreshDevices(); err != nil {
		return err
	}
	if !containsDevice(c.devices, id) {
		return errors.Wrapf(audio.ErrDeviceUnavailable, "device %q not present", id)
	}
	if c.selected == id {
		return nil
	}
	c.selected = id
	c.logger.Infow("device selected", "device", id)

	if c.capturing() {
		c.restartCapture("device selected")
	}
	return nil
}
