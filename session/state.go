package session

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/livetranslate/model"
)

var (
	// ErrAcquisition is wrapped by every Join failure.
	ErrAcquisition = errors.New("session acquisition failed")
	// ErrInvalidState is returned for an operation the current state does
	// not allow.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrNotCreator is returned by End when this participant did not create
	// the session.
	ErrNotCreator = errors.New("only the session creator can end it")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("coordinator closed")
)

// acquisitionError records which Join step failed. It matches both
// ErrAcquisition and the underlying cause under errors.Is.
type acquisitionError struct {
	step string
	err  error
}

func (e *acquisitionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrAcquisition, e.step, e.err)
}

func (e *acquisitionError) Unwrap() error { return e.err }

func (e *acquisitionError) Is(target error) bool { return target == ErrAcquisition }

// State is the coordinator lifecycle stage.
type State int

const (
	Idle State = iota
	Joining
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	State     State
	Muted     bool
	Streaming bool

	SessionID   string
	MeetingID   string
	AttendeeID  string
	CreatedByMe bool

	SelectedDevice string
	Devices        []model.AudioDevice

	// Entries is the transcript length.
	Entries int
	// Ended is set when the last session was ended for everyone, either by
	// this participant or remotely.
	Ended bool
	// StreamErr describes why streaming last stopped, if it did so abnormally.
	StreamErr string
}

// Mode renders the Active sub-mode, or the state outside Active.
func (s Status) Mode() string {
	if s.State != Active {
		return s.State.String()
	}
	switch {
	case s.Muted:
		return "muted"
	case s.Streaming:
		return "streaming"
	default:
		return "paused"
	}
}
