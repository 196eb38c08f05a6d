package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// inboxPrefix is the subject prefix for request replies.
const inboxPrefix = "_INBOX."

// MemoryBus implements MessageBus using in-memory channels.
// The engine uses it when sweeper and dispatcher share a process.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string]*memoryQueue // subject -> queue -> members
	closed      atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message

	dropped atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
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
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string]*memoryQueue),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(subject, msg)
	return nil
}

// deliver fans a message out to plain subscribers and one member per queue.
// It returns the number of receivers that accepted it.
func (b *MemoryBus) deliver(subject string, msg *Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subs[subject] {
		if b.offer(sub, msg) {
			n++
		}
	}
	for _, q := range b.queueGroups[subject] {
		if b.deliverToOneInQueue(q, msg) {
			n++
		}
	}
	return n
}

// offer performs a non-blocking send, counting drops.
func (b *MemoryBus) offer(sub *memorySub, msg *Message) bool {
	if sub.closed.Load() {
		return false
	}
	select {
	case sub.ch <- msg:
		return true
	default:
		b.dropped.Add(1)
		if b.config.OnDrop != nil {
			b.config.OnDrop(msg.Subject)
		}
		return false
	}
}

// deliverToOneInQueue hands the message to the next member round-robin,
// falling through to the others when that member's buffer is full.
func (b *MemoryBus) deliverToOneInQueue(q *memoryQueue, msg *Message) bool {
	n := len(q.members)
	if n == 0 {
		return false
	}
	start := int(q.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		sub := q.members[(start+i)%n]
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- msg:
			return true
		default:
		}
	}
	b.dropped.Add(1)
	if b.config.OnDrop != nil {
		b.config.OnDrop(msg.Subject)
	}
	return false
}

// deliverToReply completes a pending request. It reports whether subject
// was a reply inbox.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.subs[subject] = append(b.subs[subject], sub)

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string]*memoryQueue)
	}
	q := b.queueGroups[subject][queue]
	if q == nil {
		q = &memoryQueue{}
		b.queueGroups[subject][queue] = q
	}
	q.members = append(q.members, sub)

	return sub, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := inboxPrefix + uuid.NewString()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	msg := &Message{
		Subject: subject,
		Data:    data,
		Reply:   replySubject,
	}

	if b.deliver(subject, msg) == 0 {
		b.dropReply(replySubject)
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		b.dropReply(replySubject)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) dropReply(subject string) {
	b.replyMu.Lock()
	delete(b.replySubs, subject)
	b.replyMu.Unlock()
}

// Dropped returns how many messages were discarded on full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}

	for _, queues := range b.queueGroups {
		for _, q := range queues {
			for _, sub := range q.members {
				if !sub.closed.Swap(true) {
					close(sub.ch)
				}
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
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

	if s.queue == "" {
		s.bus.removeSub(s.subject, s)
	} else {
		s.bus.removeQueueSub(s.subject, s.queue, s)
	}

	close(s.ch)
	return nil
}

// removeSub removes a regular subscription.
func (b *MemoryBus) removeSub(subject string, target *memorySub) {
	subs := b.subs[subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// removeQueueSub removes a queue subscription.
func (b *MemoryBus) removeQueueSub(subject, queue string, target *memorySub) {
	q := b.queueGroups[subject][queue]
	if q == nil {
		return
	}
	for i, sub := range q.members {
		if sub == target {
			q.members = append(q.members[:i], q.members[i+1:]...)
			break
		}
	}
}
