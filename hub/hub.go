// Package hub is a development stand-in for the session membership service
// and its realtime group-messaging channel. It keeps all meetings in memory.
package hub

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/metrics"
	"github.com/mrsingh-rishi/livetranslate/realtime"
)

var (
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrMeetingFull     = errors.New("meeting is full")

	errDetached = errors.New("realtime peer detached")
)

const disconnectWriteTimeout = time.Second

// Config configures a Hub.
type Config struct {
	MediaRegion  string
	MaxAttendees int
}

// MeetingInfo mirrors the meeting object returned by the membership service.
type MeetingInfo struct {
	MeetingId         string
	ExternalMeetingId string
	MediaRegion       string
}

// AttendeeInfo mirrors the attendee object returned by the membership service.
type AttendeeInfo struct {
	AttendeeId     string
	ExternalUserId string
	JoinToken      string
}

// JoinInfo is the payload of a successful join.
type JoinInfo struct {
	Meeting  MeetingInfo
	Attendee AttendeeInfo
	// Created is true for the join that created the meeting.
	Created bool
}

// peer is one attached realtime connection. The websocket.Conn is pooled by
// gofiber and released once serveRealtime returns, so every use of conn
// happens under writeMu and only while detached is false.
type peer struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	detached bool
}

func (p *peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.detached {
		return errDetached
	}
	return p.conn.WriteMessage(messageType, data)
}

// disconnect sends a close frame and unblocks the handler's read. Closing the
// hijacked conn alone does not interrupt ReadMessage.
func (p *peer) disconnect(code int, reason string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.detached {
		return errDetached
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(disconnectWriteTimeout))
	err := p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = p.conn.SetReadDeadline(time.Now())
	return err
}

// release marks the peer unusable; called by its handler before returning.
func (p *peer) release() {
	p.writeMu.Lock()
	p.detached = true
	p.writeMu.Unlock()
}

type meeting struct {
	info      MeetingInfo
	requestID string
	tokens    map[string]string // attendee id -> join token
	peers     map[string]*peer  // attendee id -> live realtime connection
}

// Hub holds meetings keyed by id and by the request id that created them.
type Hub struct {
	cfg     Config
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu        sync.Mutex
	meetings  map[string]*meeting
	byRequest map[string]*meeting
	closed    bool

	// handlers counts attached realtime connections.
	handlers sync.WaitGroup
}

func New(cfg Config, logger *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	if cfg.MediaRegion == "" {
		cfg.MediaRegion = "local"
	}
	if cfg.MaxAttendees <= 0 {
		cfg.MaxAttendees = 250
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Hub{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		meetings:  make(map[string]*meeting),
		byRequest: make(map[string]*meeting),
	}
}

// Join creates the meeting for requestID if needed and admits a new attendee.
// An empty requestID always creates a new meeting.
func (h *Hub) Join(requestID string) (JoinInfo, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.byRequest[requestID]
	created := !ok
	if created {
		m = &meeting{
			info: MeetingInfo{
				MeetingId:         uuid.NewString(),
				ExternalMeetingId: uuid.NewString(),
				MediaRegion:       h.cfg.MediaRegion,
			},
			requestID: requestID,
			tokens:    make(map[string]string),
			peers:     make(map[string]*peer),
		}
		h.meetings[m.info.MeetingId] = m
		h.byRequest[requestID] = m
		h.metrics.HubMeetings.Set(float64(len(h.meetings)))
		h.logger.Infow("meeting created", "meeting", m.info.MeetingId, "request", requestID)
	}

	if len(m.tokens) >= h.cfg.MaxAttendees {
		return JoinInfo{}, errors.Wrapf(ErrMeetingFull, "meeting %s", m.info.MeetingId)
	}

	attendee := AttendeeInfo{
		AttendeeId:     uuid.NewString(),
		ExternalUserId: uuid.NewString(),
		JoinToken:      uuid.NewString(),
	}
	m.tokens[attendee.AttendeeId] = attendee.JoinToken
	h.logger.Infow("attendee admitted", "meeting", m.info.MeetingId, "attendee", attendee.AttendeeId)

	return JoinInfo{Meeting: m.info, Attendee: attendee, Created: created}, nil
}

// End destroys a meeting and disconnects every attendee with
// realtime.CloseMeetingEnded.
func (h *Hub) End(meetingID string) error {
	h.mu.Lock()
	m, ok := h.meetings[meetingID]
	if !ok {
		h.mu.Unlock()
		return errors.Wrapf(ErrMeetingNotFound, "meeting %s", meetingID)
	}
	delete(h.meetings, meetingID)
	delete(h.byRequest, m.requestID)
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peers = make(map[string]*peer)
	h.metrics.HubMeetings.Set(float64(len(h.meetings)))
	h.mu.Unlock()

	for _, p := range peers {
		if err := p.disconnect(realtime.CloseMeetingEnded, "meeting ended"); err != nil {
			h.logger.Debugw("close frame not delivered", "error", err)
		}
	}

	h.logger.Infow("meeting ended", "meeting", meetingID, "disconnected", len(peers))
	return nil
}

// Close disconnects every realtime attendee, refuses new ones, and waits for
// their handlers to return. Shut the fiber app down first.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var peers []*peer
	for _, m := range h.meetings {
		for _, p := range m.peers {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		if err := p.disconnect(websocket.CloseGoingAway, "hub shutting down"); err != nil {
			h.logger.Debugw("close frame not delivered", "error", err)
		}
	}
	h.handlers.Wait()
}

// Meetings is the number of open meetings.
func (h *Hub) Meetings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.meetings)
}

// authorize checks that attendeeID belongs to meetingID with token.
func (h *Hub) authorize(meetingID, attendeeID, token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.meetings[meetingID]
	if !ok {
		return false
	}
	want, ok := m.tokens[attendeeID]
	return ok && want == token
}

func (h *Hub) attach(meetingID, attendeeID string, p *peer) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	m, ok := h.meetings[meetingID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	old := m.peers[attendeeID]
	m.peers[attendeeID] = p
	h.handlers.Add(1)
	h.metrics.HubAttendees.Inc()
	h.mu.Unlock()

	if old != nil {
		old.disconnect(websocket.CloseNormalClosure, "replaced by a newer connection")
	}
	return true
}

// detach must run before the handler returns; writeMu is never held while
// taking h.mu.
func (h *Hub) detach(meetingID, attendeeID string, p *peer) {
	p.release()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics.HubAttendees.Dec()
	m, ok := h.meetings[meetingID]
	if !ok {
		return
	}
	if m.peers[attendeeID] == p {
		delete(m.peers, attendeeID)
	}
}

// fanOut delivers frame to every connected attendee of the meeting except sender.
func (h *Hub) fanOut(meetingID, sender string, frame []byte) int {
	h.mu.Lock()
	m, ok := h.meetings[meetingID]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	targets := make([]*peer, 0, len(m.peers))
	for id, p := range m.peers {
		if id != sender {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, p := range targets {
		if err := p.write(websocket.TextMessage, frame); err != nil {
			h.logger.Debugw("fan-out write failed", "meeting", meetingID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// App builds the HTTP and websocket routes.
func (h *Hub) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}
		h.metrics.HubHTTPRequests.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Inc()
		return err
	})

	app.Post("/api/join", h.handleJoin)
	app.Post("/api/end", h.handleEnd)

	// Credentials are checked before the upgrade so bad joins get a plain
	// HTTP status.
	app.Use("/realtime", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if !h.authorize(c.Query("meetingId"), c.Query("attendeeId"), c.Query("token")) {
			return fiber.ErrUnauthorized
		}
		return c.Next()
	})
	app.Get("/realtime", websocket.New(h.serveRealtime))

	return app
}

type joinRequest struct {
	RequestID string `json:"requestId"`
}

type endRequest struct {
	MeetingID string `json:"meetingId"`
}

func (h *Hub) handleJoin(c *fiber.Ctx) error {
	var req joinRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"data": "invalid JSON"})
		}
	}

	info, err := h.Join(req.RequestID)
	if err != nil {
		h.logger.Warnw("join failed", "request", req.RequestID, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"data": "Error creating attendee"})
	}
	return c.JSON(fiber.Map{"data": info})
}

func (h *Hub) handleEnd(c *fiber.Ctx) error {
	var req endRequest
	if err := c.BodyParser(&req); err != nil || req.MeetingID == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"data": "No meeting to delete"})
	}

	if err := h.End(req.MeetingID); err != nil {
		if errors.Is(err, ErrMeetingNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"data": "No meeting to delete"})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"data": "Error deleting meeting"})
	}
	return c.JSON(fiber.Map{"data": "Meeting Deleted"})
}

func (h *Hub) serveRealtime(conn *websocket.Conn) {
	meetingID := conn.Query("meetingId")
	attendeeID := conn.Query("attendeeId")
	logger := h.logger.With("meeting", meetingID, "attendee", attendeeID)

	p := &peer{conn: conn}
	if !h.attach(meetingID, attendeeID, p) {
		return
	}
	defer h.handlers.Done()
	defer h.detach(meetingID, attendeeID, p)
	logger.Infow("realtime connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debugw("realtime disconnected", "error", err)
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Topic == "" {
			logger.Warnw("discarding realtime frame", "error", err)
			continue
		}
		env.SenderAttendeeID = attendeeID
		if env.TimestampMs == 0 {
			env.TimestampMs = time.Now().UnixMilli()
		}

		frame, err := json.Marshal(env)
		if err != nil {
			continue
		}
		n := h.fanOut(meetingID, attendeeID, frame)
		h.metrics.HubMessages.Inc()
		logger.Debugw("message relayed", "topic", env.Topic, "recipients", n)
	}
}
