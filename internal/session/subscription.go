package session

import (
	"slices"
	"sync"

	"github.com/tr1v3r/mpvsock/internal/codec"
)

// registry holds subscribers in registration order.
type registry struct {
	mu    sync.Mutex
	subs  []*Subscription
	ended bool
	cause error
}

func (r *registry) subscribe() *Subscription {
	sub := newSubscription(r)

	r.mu.Lock()
	if r.ended {
		cause := r.cause
		r.mu.Unlock()
		sub.finish(cause)
		return sub
	}
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub
}

func (r *registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.Index(r.subs, sub); i >= 0 {
		r.subs = slices.Delete(r.subs, i, i+1)
	}
}

func (r *registry) publish(ev codec.Event) {
	r.mu.Lock()
	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}
}

func (r *registry) end(cause error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended, r.cause = true, cause
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.finish(cause)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Subscription receives every event published after it was registered.
// Events are queued without bound so a slow reader never stalls the session.
// Events is closed when the session ends, after queued events are drained,
// or right away on Unsubscribe.
type Subscription struct {
	reg *registry
	c   chan codec.Event

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []codec.Event
	ended   bool
	removed bool
	err     error

	once   sync.Once
	quit   chan struct{}
	exited chan struct{}
}

func newSubscription(reg *registry) *Subscription {
	sub := &Subscription{
		reg:    reg,
		c:      make(chan codec.Event),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump()
	return sub
}

// Events returns the delivery channel.
func (sub *Subscription) Events() <-chan codec.Event { return sub.c }

// Err returns why the stream ended: ErrConnectionClosed or an error wrapping
// ErrConnectionLost. It is nil while the stream is live or after Unsubscribe.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Unsubscribe stops delivery. No event is delivered after it returns.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.reg.remove(sub)

		sub.mu.Lock()
		sub.removed = true
		sub.queue = nil
		sub.mu.Unlock()
		sub.cond.Broadcast()

		close(sub.quit)
		<-sub.exited
	})
}

func (sub *Subscription) push(ev codec.Event) {
	sub.mu.Lock()
	if sub.ended || sub.removed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	sub.cond.Signal()
}

func (sub *Subscription) finish(cause error) {
	sub.mu.Lock()
	if sub.ended || sub.removed {
		sub.mu.Unlock()
		return
	}
	sub.ended, sub.err = true, cause
	sub.mu.Unlock()
	sub.cond.Signal()
}

func (sub *Subscription) pump() {
	defer close(sub.exited)
	defer close(sub.c)

	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.ended && !sub.removed {
			sub.cond.Wait()
		}
		if sub.removed || len(sub.queue) == 0 {
			sub.mu.Unlock()
			return
		}
		ev := sub.queue[0]
		sub.queue[0] = codec.Event{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.c <- ev:
		case <-sub.quit:
			return
		}
	}
}
