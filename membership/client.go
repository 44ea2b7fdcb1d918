// Package membership talks to the session membership service that creates
// meetings and admits attendees.
package membership

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
)

var (
	// ErrUnavailable is returned when the service refused or failed a call.
	ErrUnavailable = errors.New("membership service unavailable")
	// ErrNotFound is returned by Destroy for an unknown meeting.
	ErrNotFound = errors.New("meeting not found")
)

const DefaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the /api/join and /api/end endpoints.
type Client struct {
	baseURL string
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func New(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

type joinResponse struct {
	Data struct {
		Meeting struct {
			MeetingId         string
			ExternalMeetingId string
			MediaRegion       string
		}
		Attendee struct {
			AttendeeId     string
			ExternalUserId string
			JoinToken      string
		}
		Created *bool
	} `json:"data"`
}

// CreateOrJoin admits this participant to the meeting for requestID,
// creating it when it does not exist yet.
func (c *Client) CreateOrJoin(ctx context.Context, requestID string) (model.Session, error) {
	code, body, err := c.post(ctx, "/api/join", fiber.Map{"requestId": requestID})
	if err != nil {
		return model.Session{}, err
	}
	if code != fiber.StatusOK {
		return model.Session{}, errors.Wrapf(ErrUnavailable, "join returned %d: %s", code, body)
	}

	var resp joinResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Session{}, errors.Wrapf(ErrUnavailable, "decode join response: %v", err)
	}
	d := resp.Data
	if d.Meeting.MeetingId == "" || d.Attendee.AttendeeId == "" {
		return model.Session{}, errors.Wrap(ErrUnavailable, "join response missing meeting or attendee")
	}

	// Services that do not report creation leave ending open to everyone.
	created := d.Created == nil || *d.Created

	c.logger.Infow("joined meeting",
		"meeting", d.Meeting.MeetingId,
		"attendee", d.Attendee.AttendeeId,
		"created", created,
	)
	return model.Session{
		ID: requestID,
		Credentials: model.Credentials{
			MeetingID:         d.Meeting.MeetingId,
			ExternalMeetingID: d.Meeting.ExternalMeetingId,
			MediaRegion:       d.Meeting.MediaRegion,
			AttendeeID:        d.Attendee.AttendeeId,
			ExternalUserID:    d.Attendee.ExternalUserId,
			JoinToken:         d.Attendee.JoinToken,
		},
		CreatedByMe: created,
	}, nil
}

// Destroy ends the meeting for every attendee.
func (c *Client) Destroy(ctx context.Context, meetingID string) error {
	code, body, err := c.post(ctx, "/api/end", fiber.Map{"meetingId": meetingID})
	if err != nil {
		return err
	}
	switch code {
	case fiber.StatusOK:
		c.logger.Infow("meeting destroyed", "meeting", meetingID)
		return nil
	case fiber.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "meeting %s", meetingID)
	default:
		return errors.Wrapf(ErrUnavailable, "end returned %d: %s", code, body)
	}
}

func (c *Client) post(ctx context.Context, path string, payload fiber.Map) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	timeout := c.timeout
	if d, ok := ctx.Deadline(); ok && time.Until(d) < timeout {
		timeout = time.Until(d)
	}

	agent := fiber.Post(c.baseURL + path)
	agent.JSON(payload)
	agent.Timeout(timeout)

	type reply struct {
		code int
		body []byte
		errs []error
	}
	// The agent has no context of its own; an abandoned request still ends
	// at its timeout.
	done := make(chan reply, 1)
	go func() {
		code, body, errs := agent.Bytes()
		done <- reply{code, body, errs}
	}()

	select {
	case <-ctx.Done():
		c.logger.Debugw("membership request cancelled", "path", path)
		return 0, nil, ctx.Err()
	case r := <-done:
		if len(r.errs) > 0 {
			c.logger.Warnw("membership request failed", "path", path, "error", r.errs[0])
			return 0, nil, errors.Wrapf(ErrUnavailable, "%s: %v", path, r.errs[0])
		}
		return r.code, r.body, nil
	}
}
