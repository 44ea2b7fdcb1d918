// Package relaytest provides an in-memory realtime channel shared by several
// simulated participants.
package relaytest

import (
	"context"
	"sync"
	"time"

	"github.com/mrsingh-rishi/livetranslate/relay"
)

// Bus connects Channels as if they had joined the same meeting.
type Bus struct {
	mu       sync.Mutex
	channels map[*Channel]struct{}
	sendErr  error
	sent     [][]byte
	joined   int
}

func NewBus() *Bus {
	return &Bus{channels: make(map[*Channel]struct{})}
}

// Join returns a channel for attendeeID.
func (b *Bus) Join(attendeeID string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &Channel{
		bus:      b,
		id:       attendeeID,
		handlers: make(map[string]func(relay.Message)),
		done:     make(chan struct{}),
	}
	b.channels[c] = struct{}{}
	b.joined++
	return c
}

// FailSends makes every Send return err. Pass nil to reset.
func (b *Bus) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Inject delivers a raw payload from sender to every subscriber but sender.
func (b *Bus) Inject(topic, sender string, data []byte) {
	b.deliver(relay.Message{Topic: topic, Data: data, SenderID: sender, Timestamp: time.Now()})
}

// Sent returns the payloads accepted by Send, in order.
func (b *Bus) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.sent))
	copy(out, b.sent)
	return out
}

// Connected is the number of channels not yet closed.
func (b *Bus) Connected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Joined is the total number of channels handed out.
func (b *Bus) Joined() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined
}

// Subscriptions counts active topic handlers across all channels.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	channels := b.snapshot()
	b.mu.Unlock()

	n := 0
	for _, c := range channels {
		c.mu.Lock()
		n += len(c.handlers)
		c.mu.Unlock()
	}
	return n
}

// End simulates the meeting being destroyed: every channel is closed from
// the remote side.
func (b *Bus) End() {
	b.mu.Lock()
	channels := b.snapshot()
	b.mu.Unlock()

	for _, c := range channels {
		c.remoteClose()
	}
}

func (b *Bus) snapshot() []*Channel {
	out := make([]*Channel, 0, len(b.channels))
	for c := range b.channels {
		out = append(out, c)
	}
	return out
}

func (b *Bus) deliver(msg relay.Message) {
	b.mu.Lock()
	channels := b.snapshot()
	b.mu.Unlock()

	for _, c := range channels {
		if c.id == msg.SenderID {
			continue
		}
		c.mu.Lock()
		h := c.handlers[msg.Topic]
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

// Channel is one participant's view of the Bus.
type Channel struct {
	bus *Bus
	id  string

	mu       sync.Mutex
	handlers map[string]func(relay.Message)
	closed   bool
	ended    bool
	done     chan struct{}
}

var _ relay.Channel = (*Channel)(nil)

// Send implements relay.Channel.
func (c *Channel) Send(ctx context.Context, topic string, data []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.mu.Lock()
	if err := c.bus.sendErr; err != nil {
		c.bus.mu.Unlock()
		return err
	}
	c.bus.sent = append(c.bus.sent, append([]byte(nil), data...))
	c.bus.mu.Unlock()

	c.bus.deliver(relay.Message{Topic: topic, Data: data, SenderID: c.id, Timestamp: time.Now()})
	return nil
}

// Subscribe implements relay.Channel.
func (c *Channel) Subscribe(topic string, handler func(relay.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.handlers[topic] = handler
}

// Unsubscribe implements relay.Channel.
func (c *Channel) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
}

// Done is closed when the channel is closed by either side.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Ended reports whether the remote side closed the channel.
func (c *Channel) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Close leaves the bus. It is idempotent.
func (c *Channel) Close() error {
	c.shutdown(false)
	return nil
}

func (c *Channel) remoteClose() {
	c.shutdown(true)
}

func (c *Channel) shutdown(remote bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ended = remote
	c.handlers = make(map[string]func(relay.Message))
	close(c.done)
	c.mu.Unlock()

	c.bus.mu.Lock()
	delete(c.bus.channels, c)
	c.bus.mu.Unlock()
}
