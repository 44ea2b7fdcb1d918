// Package relay shares translation results with the other participants of a
// session over the session's realtime channel.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/metrics"
	"github.com/mrsingh-rishi/livetranslate/model"
)

const (
	DefaultTopic    = "transcriptEvent"
	DefaultDeadline = 30 * time.Second
)

// ErrInvalidResult marks an inbound payload that is not a usable result.
var ErrInvalidResult = errors.New("invalid translation result")

// Message is one payload received on the realtime channel.
type Message struct {
	Topic     string
	Data      []byte
	SenderID  string
	Timestamp time.Time
}

// Channel is the realtime group-messaging channel a joined session provides.
type Channel interface {
	// Send delivers data to every other participant subscribed to topic.
	Send(ctx context.Context, topic string, data []byte, lifetime time.Duration) error
	// Subscribe registers the single handler for topic, replacing any other.
	Subscribe(topic string, handler func(Message))
	// Unsubscribe removes the handler for topic.
	Unsubscribe(topic string)
}

// Config configures a Relay.
type Config struct {
	Topic    string
	Deadline time.Duration
	// SelfID is the local attendee id. Messages sent by it are ignored.
	SelfID string
	// OnAck, if set, is called once per Publish with the delivery outcome.
	OnAck   func(model.TranslationResult, error)
	Metrics *metrics.Metrics
}

// Relay publishes local results and ingests remote ones.
type Relay struct {
	ch     Channel
	cfg    Config
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	handler func(model.TranslationResult)
}

// New creates a relay on ch. Close must be called to abandon pending
// publishes.
func New(ch Channel, cfg Config, logger *zap.SugaredLogger) *Relay {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		ch:     ch,
		cfg:    cfg,
		logger: logger.With("topic", cfg.Topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish sends result to the other participants in the background. Failures
// are logged and reported through OnAck; Publish itself never blocks on
// delivery.
func (r *Relay) Publish(result model.TranslationResult) {
	data, err := json.Marshal(result)
	if err != nil {
		r.ack(result, errors.Wrap(err, "encode result"))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Deadline)
		defer cancel()

		err := r.ch.Send(ctx, r.cfg.Topic, data, r.cfg.Deadline)
		if err != nil {
			err = errors.Wrap(err, "publish result")
			r.logger.Warnw("delivery failed", "error", err, "text", result.OriginalText)
		}
		r.ack(result, err)
	}()
}

func (r *Relay) ack(result model.TranslationResult, err error) {
	r.cfg.Metrics.ObservePublish(err)
	if r.cfg.OnAck != nil {
		r.cfg.OnAck(result, err)
	}
}

// Subscribe starts delivering valid remote results to onResult. Calling it
// again replaces the handler.
func (r *Relay) Subscribe(onResult func(model.TranslationResult)) {
	r.mu.Lock()
	r.handler = onResult
	r.mu.Unlock()

	r.ch.Subscribe(r.cfg.Topic, r.receive)
}

// Unsubscribe stops delivery. When it returns no handler call is running and
// none will start. It is safe to call more than once.
func (r *Relay) Unsubscribe() {
	r.ch.Unsubscribe(r.cfg.Topic)

	r.mu.Lock()
	r.handler = nil
	r.mu.Unlock()
}

// Close cancels publishes still in flight and waits for them to finish.
func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Relay) receive(msg Message) {
	if r.cfg.SelfID != "" && msg.SenderID == r.cfg.SelfID {
		return
	}

	result, err := Decode(msg.Data)
	if err != nil {
		r.cfg.Metrics.ObserveRemote(false)
		r.logger.Warnw("discarding relay message", "error", err, "sender", msg.SenderID)
		return
	}

	// The read lock is held across the call so Unsubscribe can wait for it.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.handler == nil {
		return
	}
	r.cfg.Metrics.ObserveRemote(true)
	r.handler(result)
}

// Decode parses and validates an inbound payload.
func Decode(data []byte) (model.TranslationResult, error) {
	var result model.TranslationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return result, errors.Wrap(ErrInvalidResult, err.Error())
	}
	if strings.TrimSpace(result.TranslatedText) == "" {
		return result, errors.Wrap(ErrInvalidResult, "missing translatedText")
	}
	if strings.TrimSpace(result.OriginalText) == "" {
		return result, errors.Wrap(ErrInvalidResult, "missing originalText")
	}
	return result, nil
}
