// Package stt streams PCM audio to the transcription service and surfaces the
// recognised text as events.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
)

// State is the lifecycle stage of a Client.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ErrProtocol marks an inbound message that could not be used.
var ErrProtocol = errors.New("malformed transcription message")

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures Open.
type Options struct {
	URL          string
	Header       http.Header
	Dialer       Dialer
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	Logger      *zap.SugaredLogger
}

// EventKind distinguishes Event variants.
type EventKind int

const (
	EventTranscription EventKind = iota
	EventClosed
)

// Event is delivered on Client.Events. EventClosed is sent at most once and is
// always the last event; Err is nil when the close was clean.
type Event struct {
	Kind          EventKind
	Transcription model.TranscriptionEvent
	Err           error
}

// message is the JSON payload the transcription service sends per segment.
type message struct {
	Transcription string       `json:"transcription"`
	Language      string       `json:"language"`
	StartTime     float64      `json:"start_time"`
	EndTime       float64      `json:"end_time"`
	Probability   float64      `json:"probability"`
	Words         []model.Word `json:"words"`
}

// Client owns one streaming connection to the transcription service.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger *zap.SugaredLogger

	mu    sync.Mutex
	state State
	err   error

	writeMu sync.Mutex

	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// URL builds the secure socket address of a transcription server.
func URL(host string, port int) string {
	return "wss://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Open dials the transcription service and starts reading from it. The
// returned client is Open; a failed dial returns an error and no client.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	logger := opts.Logger.With("url", opts.URL)

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	logger.Debugw("connecting to transcription service", "state", StateConnecting)
	conn, resp, err := opts.Dialer.DialContext(dialCtx, opts.URL, opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logger.Warnw("transcription dial failed", "error", err)
		return nil, errors.Wrapf(err, "dial transcription service %s", opts.URL)
	}

	c := &Client{
		conn:   conn,
		opts:   opts,
		logger: logger,
		state:  StateOpen,
		events: make(chan Event, opts.EventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.read()

	logger.Infow("connected to transcription service")
	return c, nil
}

// Events returns the inbound event stream. It is closed after EventClosed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State reports the current lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the reason an abnormal close happened, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes one PCM chunk as a binary frame. Chunks offered while the
// client is not Open are dropped and Send returns false. A failed write
// closes the client with that error.
func (c *Client) Send(chunk model.AudioChunk) bool {
	if c.State() != StateOpen {
		return false
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err := c.conn.WriteMessage(websocket.BinaryMessage, chunk)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warnw("transcription write failed", "error", err)
		c.finish(err)
		c.conn.Close()
		return false
	}
	return true
}

// Close shuts the connection down gracefully and waits for the reader to
// exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateClosing
		}
		c.mu.Unlock()
		close(c.quit)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		err := c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debugw("close frame not sent", "error", err)
		}

		c.conn.Close()
		<-c.done
		c.finish(nil)
		c.logger.Infow("transcription connection closed")
	})
	return nil
}

// finish moves the client to Closed. The first call wins. Errors observed
// while a local Close is in progress, or a normal close from the peer, do not
// count as abnormal.
func (c *Client) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}
	if err != nil && c.state != StateClosing &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.err = errors.Wrap(err, "transcription socket")
	}
	c.state = StateClosed
}

func (c *Client) read() {
	defer close(c.done)
	defer close(c.events)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			if c.Err() != nil {
				c.logger.Warnw("transcription connection lost", "error", c.Err())
			}
			c.emit(Event{Kind: EventClosed, Err: c.Err()})
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		ev, err := parse(data)
		if err != nil {
			c.logger.Warnw("discarding transcription message", "error", err, "size", len(data))
			continue
		}
		c.logger.Debugw("transcription received", "language", ev.Language, "segment", describe(ev))
		if !c.emit(Event{Kind: EventTranscription, Transcription: ev}) {
			return
		}
	}
}

// emit blocks until the consumer takes ev or Close is called.
func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

func parse(data []byte) (model.TranscriptionEvent, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.TranscriptionEvent{}, errors.Wrap(ErrProtocol, err.Error())
	}
	if strings.TrimSpace(msg.Transcription) == "" {
		return model.TranscriptionEvent{}, errors.Wrap(ErrProtocol, "missing transcription text")
	}
	return model.TranscriptionEvent{
		Text:        msg.Transcription,
		Language:    msg.Language,
		Start:       msg.StartTime,
		End:         msg.EndTime,
		Probability: msg.Probability,
		Words:       msg.Words,
		ReceivedAt:  time.Now(),
	}, nil
}

// describe is used in log fields for a compact view of a segment.
func describe(ev model.TranscriptionEvent) string {
	return fmt.Sprintf("[%.2f-%.2f] %s", ev.Start, ev.End, ev.Text)
}
