package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus in process.
// Slow subscribers lose messages once their buffer is full.
type MemoryBus struct {
	config Config

	mu     sync.Mutex
	subs   []*memorySub
	closed atomic.Bool

	// round-robin cursor per queue name
	cursor map[string]int
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config: cfg,
		cursor: make(map[string]int),
	}
}

// Publish delivers to every matching plain subscriber and to one member of
// each matching queue group.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}

	b.mu.Lock()
	var plain []*memorySub
	groups := make(map[string][]*memorySub)
	var order []string
	for _, s := range b.subs {
		if !Match(s.pattern, subject) {
			continue
		}
		if s.queue == "" {
			plain = append(plain, s)
			continue
		}
		if _, ok := groups[s.queue]; !ok {
			order = append(order, s.queue)
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	picked := make([]*memorySub, 0, len(order))
	for _, q := range order {
		members := groups[q]
		i := b.cursor[q] % len(members)
		b.cursor[q] = i + 1
		picked = append(picked, members[i])
	}
	defer b.mu.Unlock()

	// Sends never block, so they stay under the lock that guards close.
	for _, s := range plain {
		s.offer(msg)
	}
	for _, s := range picked {
		s.offer(msg)
	}
	return nil
}

// Subscribe creates a subscription for a subject pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	return b.add(pattern, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(pattern, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.add(pattern, queue)
}

func (b *MemoryBus) add(pattern, queue string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close shuts down the bus and closes every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}

	for _, s := range b.subs {
		if !s.closed.Swap(true) {
			close(s.ch)
		}
	}
	b.subs = nil
	return nil
}

func (s *memorySub) offer(msg *Message) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}

	subs := s.bus.subs
	for i, other := range subs {
		if other == s {
			s.bus.subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
