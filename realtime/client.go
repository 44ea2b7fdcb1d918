// Package realtime is the websocket client for the hub's group-messaging
// channel. A Client is scoped to one attendee in one meeting.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/relay"
)

// CloseMeetingEnded is the close code the hub uses when the meeting was
// destroyed by its creator.
const CloseMeetingEnded = 4000

// Envelope is the frame exchanged with the hub in both directions.
type Envelope struct {
	Topic            string `json:"topic"`
	Data             []byte `json:"data"`
	SenderAttendeeID string `json:"senderAttendeeId,omitempty"`
	TimestampMs      int64  `json:"timestampMs,omitempty"`
	LifetimeMs       int64  `json:"lifetimeMs,omitempty"`
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures Dial.
type Options struct {
	// URL is the hub realtime endpoint, e.g. ws://localhost:8080/realtime.
	URL          string
	Dialer       Dialer
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Client implements relay.Channel over a hub websocket.
type Client struct {
	conn   *websocket.Conn
	self   string
	opts   Options
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func(relay.Message)
	ended    bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Channel = (*Client)(nil)

// Endpoint adds the attendee's credentials to the hub realtime URL.
func Endpoint(base string, creds model.Credentials) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parse realtime url %q", base)
	}
	q := u.Query()
	q.Set("meetingId", creds.MeetingID)
	q.Set("attendeeId", creds.AttendeeID)
	q.Set("token", creds.JoinToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects creds' attendee to the meeting channel.
func Dial(ctx context.Context, opts Options, creds model.Credentials) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	endpoint, err := Endpoint(opts.URL, creds)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, resp, err := opts.Dialer.DialContext(dialCtx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial realtime channel for meeting %s", creds.MeetingID)
	}

	c := &Client{
		conn:     conn,
		self:     creds.AttendeeID,
		opts:     opts,
		logger:   opts.Logger.With("meeting", creds.MeetingID, "attendee", creds.AttendeeID),
		handlers: make(map[string]func(relay.Message)),
		done:     make(chan struct{}),
	}
	go c.read()

	c.logger.Infow("realtime channel connected")
	return c, nil
}

// Send implements relay.Channel.
func (c *Client) Send(ctx context.Context, topic string, data []byte, lifetime time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("realtime channel closed")
	default:
	}

	frame, err := json.Marshal(Envelope{
		Topic:            topic,
		Data:             data,
		SenderAttendeeID: c.self,
		TimestampMs:      time.Now().UnixMilli(),
		LifetimeMs:       lifetime.Milliseconds(),
	})
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return errors.Wrap(c.conn.WriteMessage(websocket.TextMessage, frame), "write envelope")
}

// Subscribe implements relay.Channel.
func (c *Client) Subscribe(topic string, handler func(relay.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

// Unsubscribe implements relay.Channel.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
}

// Done is closed once the connection is gone, whichever side closed it.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Ended reports whether the hub closed the channel because the meeting was
// destroyed.
func (c *Client) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Close leaves the channel and waits for the reader to stop. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		<-c.done
		c.logger.Infow("realtime channel closed")
	})
	return nil
}

func (c *Client) read() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, CloseMeetingEnded) {
				c.mu.Lock()
				c.ended = true
				c.mu.Unlock()
				c.logger.Infow("meeting ended by host")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debugw("realtime read stopped", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("discarding realtime frame", "error", err)
			continue
		}

		c.mu.Lock()
		h := c.handlers[env.Topic]
		c.mu.Unlock()
		if h == nil {
			continue
		}
		h(relay.Message{
			Topic:     env.Topic,
			Data:      env.Data,
			SenderID:  env.SenderAttendeeID,
			Timestamp: time.UnixMilli(env.TimestampMs),
		})
	}
}
