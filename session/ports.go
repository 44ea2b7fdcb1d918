package session

import (
	"context"

	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/relay"
)

//go:generate mockgen -destination=mocks_test.go -package=session . Membership,Translator

// Membership creates, joins and destroys shared sessions.
type Membership interface {
	CreateOrJoin(ctx context.Context, requestID string) (model.Session, error)
	Destroy(ctx context.Context, meetingID string) error
}

// Translator turns one utterance into a translation result. It reports
// failure through the returned value, never an error.
type Translator interface {
	Translate(ctx context.Context, text string) model.TranslationResult
}

// Channel is a realtime group-messaging channel scoped to one joined
// session.
type Channel interface {
	relay.Channel
	Close() error
	// Done is closed when the channel is gone, whichever side closed it.
	Done() <-chan struct{}
	// Ended reports whether the remote side closed it because the session
	// was destroyed.
	Ended() bool
}

// Connector opens the realtime channel for a set of credentials.
type Connector interface {
	Connect(ctx context.Context, creds model.Credentials) (Channel, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, creds model.Credentials) (Channel, error)

func (f ConnectorFunc) Connect(ctx context.Context, creds model.Credentials) (Channel, error) {
	return f(ctx, creds)
}
