package srv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBroadcastDeliversOnlyToSubscribers(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()
	x := newFakeConn("x")
	y := newFakeConn("y")

	r.Subscribe(ctx, "room1", x)
	r.Subscribe(ctx, "room2", y)

	if got := r.Broadcast(ctx, "room1", []byte("hi\x00")); got != 1 {
		t.Errorf("Broadcast() = %d, want 1", got)
	}
	if msgs := x.messages(); len(msgs) != 1 || msgs[0] != "hi\x00" {
		t.Errorf("x received %q, want [\"hi\\x00\"]", msgs)
	}
	if msgs := y.messages(); len(msgs) != 0 {
		t.Errorf("y received %q, want nothing", msgs)
	}
}

func TestUnsubscribeKeepsOtherChannels(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()
	x := newFakeConn("x")

	r.Subscribe(ctx, "c1", x)
	r.Subscribe(ctx, "c2", x)
	r.Unsubscribe(ctx, "c1", x)

	r.Broadcast(ctx, "c1", []byte("one"))
	r.Broadcast(ctx, "c2", []byte("two"))

	msgs := x.messages()
	if len(msgs) != 1 || msgs[0] != "two" {
		t.Errorf("x received %q, want only [two]", msgs)
	}
}

func TestBroadcastPrunesFailedSubscriber(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()
	dead := newFakeConn("dead")
	live := newFakeConn("live")
	dead.setFail(true)

	r.Subscribe(ctx, "room", dead)
	r.Subscribe(ctx, "room", live)

	if got := r.Broadcast(ctx, "room", []byte("first")); got != 1 {
		t.Errorf("Broadcast() = %d, want 1", got)
	}
	if msgs := live.messages(); len(msgs) != 1 {
		t.Errorf("live subscriber got %d messages, want 1", len(msgs))
	}

	ch, ok := r.Get("room")
	if !ok {
		t.Fatal("channel missing")
	}
	if ch.Has(dead) {
		t.Error("failed subscriber should be removed after broadcast")
	}

	// Recovering the transport does not resubscribe.
	dead.setFail(false)
	r.Broadcast(ctx, "room", []byte("second"))
	if msgs := dead.messages(); len(msgs) != 0 {
		t.Errorf("pruned subscriber received %q", msgs)
	}
}

func TestSubscribeTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()
	x := newFakeConn("x")

	r.Subscribe(ctx, "room", x)
	r.Subscribe(ctx, "room", x)

	ch, _ := r.Get("room")
	if ch.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ch.Len())
	}
	r.Broadcast(ctx, "room", []byte("m"))
	if n := len(x.messages()); n != 1 {
		t.Errorf("x received %d copies, want 1", n)
	}
}

func TestBroadcastUnknownChannel(t *testing.T) {
	r := NewChannels()
	if got := r.Broadcast(context.Background(), "nope", []byte("m")); got != 0 {
		t.Errorf("Broadcast() = %d, want 0", got)
	}
	if r.Len() != 0 {
		t.Errorf("broadcast must not create channels, Len() = %d", r.Len())
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()
	x := newFakeConn("x")

	r.Unsubscribe(ctx, "nope", x)
	r.Subscribe(ctx, "room", newFakeConn("y"))
	r.Unsubscribe(ctx, "room", x)

	ch, _ := r.Get("room")
	if ch.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ch.Len())
	}
}

func TestUnsubscribeAll(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()
	x := newFakeConn("x")
	y := newFakeConn("y")

	for _, name := range []string{"a", "b", "c"} {
		r.Subscribe(ctx, name, x)
	}
	r.Subscribe(ctx, "b", y)

	if got := r.UnsubscribeAll(ctx, x); got != 3 {
		t.Errorf("UnsubscribeAll() = %d, want 3", got)
	}
	if r.Len() != 3 {
		t.Errorf("channels are never destroyed, Len() = %d, want 3", r.Len())
	}
	ch, _ := r.Get("b")
	if !ch.Has(y) || ch.Has(x) {
		t.Error("only x should have been removed from b")
	}
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()

	var wg sync.WaitGroup
	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
	}

	for i, c := range conns {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Subscribe(ctx, fmt.Sprintf("room%d", i%3), c)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast(ctx, fmt.Sprintf("room%d", i%3), []byte("x"))
		}()
	}
	wg.Wait()

	total := 0
	for i := range 3 {
		if ch, ok := r.Get(fmt.Sprintf("room%d", i)); ok {
			total += ch.Len()
		}
	}
	if total != len(conns) {
		t.Errorf("subscriber total = %d, want %d", total, len(conns))
	}
}

// blockingConn parks every Send until release is closed.
type blockingConn struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *blockingConn) ID() string { return "blocking" }

func (c *blockingConn) Send([]byte) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return nil
}

func TestSlowSubscriberDoesNotBlockRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewChannels()
	slow := newBlockingConn()
	x := newFakeConn("x")
	y := newFakeConn("y")

	r.Subscribe(ctx, "slow", slow)
	r.Subscribe(ctx, "slow", x)

	stuck := make(chan int, 1)
	go func() { stuck <- r.Broadcast(ctx, "slow", []byte("wait")) }()
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the slow subscriber")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Subscribe(ctx, "other", y)
		r.Broadcast(ctx, "other", []byte("fast"))
		r.Subscribe(ctx, "slow", y)
		r.Unsubscribe(ctx, "slow", x)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry operations stalled behind a blocked Send")
	}
	if msgs := y.messages(); len(msgs) != 1 || msgs[0] != "fast" {
		t.Errorf("y received %q, want [fast]", msgs)
	}

	close(slow.release)
	select {
	case <-stuck:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked broadcast never finished")
	}
}
