// Package bus is the typed change-notification fan-out between the mutation
// services and their downstream caches.
//
// Publish is fire-and-forget: it never blocks the publisher and never fails.
// Each subscription receives the notifications of its topic in publish order;
// there is no ordering guarantee across topics. A publisher only publishes
// after its durable write has committed.
package bus

import "sync"

type Topic string

const (
	TopicWallet    Topic = "wallet"
	TopicInventory Topic = "inventory"
	TopicDungeon   Topic = "dungeon"
	TopicStory     Topic = "story"
	TopicShop      Topic = "shop"
)

// Topics lists every domain topic, for subscribers that want all of them.
func Topics() []Topic {
	return []Topic{TopicWallet, TopicInventory, TopicDungeon, TopicStory, TopicShop}
}

// Notification is implemented by each domain's diff type. An empty diff is
// the reload-all sentinel for its domain.
type Notification interface {
	Topic() Topic
}

type Handler func(Notification)

type Bus struct {
	mu     sync.Mutex
	subs   map[Topic][]*Subscription
	closed bool
	wg     sync.WaitGroup
}

func New() *Bus {
	return &Bus{subs: map[Topic][]*Subscription{}}
}

// Subscription delivers one topic's notifications, in order, on a dedicated
// goroutine. The queue is unbounded: diffs are cheap and losing one would
// force a full reload downstream.
type Subscription struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Notification
	done    bool

	fn Handler
}

// Subscribe registers fn for every notification published to topic. The
// returned subscription stays active until Cancel or bus Close.
func (b *Bus) Subscribe(topic Topic, fn Handler) *Subscription {
	s := &Subscription{fn: fn}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.done = true
		return s
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		s.loop()
	}()
	return s
}

// Publish hands n to every subscriber of its topic. No subscribers is not an
// error; delivery is best-effort by design.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := b.subs[n.Topic()]
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(n)
	}
}

// Close stops delivery and waits for in-flight handlers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = map[Topic][]*Subscription{}
	b.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
	b.wg.Wait()
}

func (s *Subscription) enqueue(n Notification) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, n)
	s.mu.Unlock()
	s.cond.Signal()
}

// Cancel stops the subscription after the already-queued notifications have
// been delivered.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) loop() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.done {
			s.mu.Unlock()
			return
		}
		n := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.fn(n)
	}
}
