package srv

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/codeGROOVE-dev/juggler/pkg/logger"
)

// Channel is a named set of subscriber connections.
type Channel struct {
	subscribers map[Conn]struct{}
	name        string
	mu          sync.Mutex
}

func newChannel(name string) *Channel {
	return &Channel{
		name:        name,
		subscribers: make(map[Conn]struct{}),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Len returns the current number of subscribers.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Has reports whether conn is subscribed.
func (c *Channel) Has(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribers[conn]
	return ok
}

func (c *Channel) add(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[conn]; ok {
		return false
	}
	c.subscribers[conn] = struct{}{}
	return true
}

func (c *Channel) remove(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[conn]; !ok {
		return false
	}
	delete(c.subscribers, conn)
	return true
}

// snapshot copies the subscriber set so that sends happen without the lock.
func (c *Channel) snapshot() []Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conn, 0, len(c.subscribers))
	for conn := range c.subscribers {
		out = append(out, conn)
	}
	return out
}

// broadcast sends payload to every subscriber and returns the number of
// successful deliveries. A subscriber whose Send fails is dropped from the
// channel; the remaining subscribers still receive the payload.
func (c *Channel) broadcast(ctx context.Context, payload []byte) int {
	receivers := c.snapshot()
	logger.Debug(ctx, "broadcasting to channel", logger.Fields{
		"channel":     c.name,
		"subscribers": len(receivers),
		"bytes":       len(payload),
	})

	delivered := 0
	for _, conn := range receivers {
		if err := conn.Send(payload); err != nil {
			c.remove(conn)
			logger.Warn(ctx, "dropped dead subscriber", logger.Fields{
				"channel": c.name,
				"conn_id": conn.ID(),
				"error":   err.Error(),
			})
			continue
		}
		delivered++
	}
	return delivered
}

// Channels maps channel names to channels. Channels are created lazily on
// first subscribe and live for the lifetime of the process.
//
// The name map is a concurrent map, so locating or creating a channel never
// contends with membership changes inside another channel. Membership is
// guarded by each Channel's own mutex, and no lock of either kind is held
// while writing to a subscriber.
type Channels struct {
	channels *xsync.Map[string, *Channel]
}

// NewChannels returns an empty registry.
func NewChannels() *Channels {
	return &Channels{channels: xsync.NewMap[string, *Channel]()}
}

func (r *Channels) getOrCreate(name string) *Channel {
	if ch, ok := r.channels.Load(name); ok {
		return ch
	}
	ch, _ := r.channels.LoadOrStore(name, newChannel(name))
	return ch
}

// Get returns the named channel, if it exists.
func (r *Channels) Get(name string) (*Channel, bool) {
	return r.channels.Load(name)
}

// Subscribe adds conn to the named channel, creating the channel if needed.
// Subscribing twice is a no-op.
func (r *Channels) Subscribe(ctx context.Context, name string, conn Conn) {
	if r.getOrCreate(name).add(conn) {
		logger.Debug(ctx, "subscribed", logger.Fields{"channel": name, "conn_id": conn.ID()})
	}
}

// Unsubscribe removes conn from the named channel. Unknown channels and
// non-members are ignored.
func (r *Channels) Unsubscribe(ctx context.Context, name string, conn Conn) {
	ch, ok := r.channels.Load(name)
	if !ok {
		logger.Debug(ctx, "unsubscribe from unknown channel", logger.Fields{"channel": name})
		return
	}
	if ch.remove(conn) {
		logger.Debug(ctx, "unsubscribed", logger.Fields{"channel": name, "conn_id": conn.ID()})
	}
}

// UnsubscribeAll removes conn from every channel and returns how many
// channels it was removed from.
func (r *Channels) UnsubscribeAll(ctx context.Context, conn Conn) int {
	removed := 0
	r.channels.Range(func(_ string, ch *Channel) bool {
		if ch.remove(conn) {
			removed++
		}
		return true
	})
	if removed > 0 {
		logger.Debug(ctx, "removed connection from all channels", logger.Fields{
			"conn_id":  conn.ID(),
			"channels": removed,
		})
	}
	return removed
}

// Broadcast sends payload to every subscriber of the named channel and
// returns the number of deliveries. Broadcasting to an unknown channel is a
// no-op.
func (r *Channels) Broadcast(ctx context.Context, name string, payload []byte) int {
	ch, ok := r.channels.Load(name)
	if !ok {
		logger.Info(ctx, "no such channel", logger.Fields{"channel": name})
		return 0
	}
	return ch.broadcast(ctx, payload)
}

// Len returns the number of channels ever created.
func (r *Channels) Len() int {
	return r.channels.Size()
}
