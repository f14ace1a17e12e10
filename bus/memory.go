package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        []*memorySub
	queueGroups map[string]*memoryQueue // queue name -> members
	closed      atomic.Bool

	dropped atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  bool // guarded by bus.mu
	bus     *MemoryBus
}

type memoryQueue struct {
	members []*memorySub
	next    atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		queueGroups: make(map[string]*memoryQueue),
	}
}

// Publish sends a message to every matching subscriber and to one member
// of every matching queue group.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidatePublishSubject(subject); err != nil {
		return err
	}

	// Sending under the read lock keeps Close and Unsubscribe from closing
	// a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	for _, sub := range b.subs {
		if MatchSubject(sub.subject, subject) {
			b.send(sub, msg)
		}
	}
	for _, q := range b.queueGroups {
		b.deliverToOneInQueue(q, subject, msg)
	}

	return nil
}

// deliverToOneInQueue picks the next matching member round-robin. A full
// member is skipped in favor of the next one.
func (b *MemoryBus) deliverToOneInQueue(q *memoryQueue, subject string, msg *Message) {
	n := len(q.members)
	if n == 0 {
		return
	}
	start := int(q.next.Add(1) - 1)
	matched := false
	for i := 0; i < n; i++ {
		sub := q.members[(start+i)%n]
		if !MatchSubject(sub.subject, subject) {
			continue
		}
		matched = true
		select {
		case sub.ch <- msg:
			return
		default:
		}
	}
	if matched {
		b.dropped.Add(1)
	}
}

func (b *MemoryBus) send(sub *memorySub, msg *Message) {
	select {
	case sub.ch <- msg:
	default:
		// Buffer full, drop message
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were lost to full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe creates a subscription to a subject or pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidQueue
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	if queue == "" {
		b.subs = append(b.subs, sub)
	} else {
		q := b.queueGroups[queue]
		if q == nil {
			q = &memoryQueue{}
			b.queueGroups[queue] = q
		}
		q.members = append(q.members, sub)
	}

	return sub, nil
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Swap(true) {
		return nil
	}

	for _, sub := range b.subs {
		sub.close()
	}
	for _, q := range b.queueGroups {
		for _, sub := range q.members {
			sub.close()
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// close must be called with bus.mu held for writing.
func (s *memorySub) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil
	}

	if s.queue == "" {
		b.subs = removeSub(b.subs, s)
	} else if q := b.queueGroups[s.queue]; q != nil {
		q.members = removeSub(q.members, s)
		if len(q.members) == 0 {
			delete(b.queueGroups, s.queue)
		}
	}

	s.close()
	return nil
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
