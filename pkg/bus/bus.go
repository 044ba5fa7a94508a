// Package bus is an in-process, topic-addressed publish/subscribe bus.
//
// Topics are token paths. A subscription to a topic receives every message
// published to that topic or to any topic below it. Delivery happens on the
// goroutine that publishes, one message at a time and in publish order, so
// every subscriber observes a single timeline. A message published from
// inside a handler, or while another goroutine is delivering, is queued and
// delivered as soon as the current message has reached all its subscribers.
package bus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Topic is a hierarchical address, e.g. device.opened.stepper_motor.
type Topic []string

func T(tokens ...string) Topic { return Topic(tokens) }

// ParseTopic splits a dotted topic string into tokens.
func ParseTopic(s string) Topic {
	if s == "" {
		return Topic{}
	}
	return Topic(strings.Split(s, "."))
}

// Append returns a new topic with tokens added. The receiver is not modified.
func (t Topic) Append(tokens ...string) Topic {
	out := make(Topic, 0, len(t)+len(tokens))
	out = append(out, t...)
	return append(out, tokens...)
}

// HasPrefix reports whether p is a token-wise prefix of t.
func (t Topic) HasPrefix(p Topic) bool {
	if len(p) > len(t) {
		return false
	}
	for i := range p {
		if t[i] != p[i] {
			return false
		}
	}
	return true
}

func (t Topic) String() string { return strings.Join(t, ".") }

func (t Topic) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

type Message struct {
	Topic   Topic
	Payload any
}

type Handler func(msg Message)

type Subscription struct {
	id      uint64
	topic   Topic
	handler Handler
	bus     *Bus
	active  atomic.Bool
}

func (s *Subscription) Topic() Topic { return s.topic }

// Unsubscribe stops delivery to this subscription, including messages that
// were published but not yet delivered. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.active.CompareAndSwap(true, false) {
		s.bus.remove(s)
	}
}

type node struct {
	children map[string]*node
	subs     []*Subscription
}

type delivery struct {
	msg  Message
	subs []*Subscription
}

type Bus struct {
	mu       sync.Mutex
	root     *node
	nextID   uint64
	queue    []delivery
	draining bool
	logger   log.FieldLogger
}

func New(logger log.FieldLogger) *Bus {
	return &Bus{
		root:   &node{},
		logger: logger,
	}
}

// Subscribe registers handler for topic and all topics below it. An empty
// topic subscribes to everything.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		topic:   append(Topic(nil), topic...),
		handler: handler,
		bus:     b,
	}
	sub.active.Store(true)

	n := b.root
	for _, tok := range topic {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &node{}
			n.children[tok] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)

	return sub
}

// Publish delivers payload to every subscriber of topic. Subscribers are
// called in registration order. A panicking subscriber is logged and does
// not prevent delivery to the others.
//
// If another goroutine is already delivering messages, Publish only queues
// the message and returns. The draining goroutine delivers it later, so
// subscribers may not have seen it when Publish returns.
func (b *Bus) Publish(topic Topic, payload any) {
	b.Post(topic, payload)
	b.Flush()
}

// Post queues a message without delivering it. Its position in the
// timeline is fixed when Post returns, so a caller may Post while holding
// its own lock and Flush after releasing it.
func (b *Bus) Post(topic Topic, payload any) {
	msg := Message{Topic: append(Topic(nil), topic...), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.match(msg.Topic)
	if len(subs) > 0 {
		b.queue = append(b.queue, delivery{msg: msg, subs: subs})
	}
}

// Flush delivers queued messages. If another goroutine is already
// delivering, Flush returns at once and that goroutine delivers them.
func (b *Bus) Flush() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		for _, sub := range d.subs {
			if sub.active.Load() {
				b.invoke(sub, d.msg)
			}
		}

		b.mu.Lock()
	}
	b.queue = nil
	b.draining = false
	b.mu.Unlock()
}

// match returns the subscriptions for topic in registration order.
// Must be called with b.mu held.
func (b *Bus) match(topic Topic) []*Subscription {
	var subs []*Subscription

	n := b.root
	subs = append(subs, n.subs...)
	for _, tok := range topic {
		child, ok := n.children[tok]
		if !ok {
			break
		}
		n = child
		subs = append(subs, n.subs...)
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (b *Bus) invoke(sub *Subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("topic", msg.Topic.String()).
				Errorf("subscriber panicked: %v", r)
		}
	}()
	sub.handler(msg)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	stack := []*node{n}
	for _, tok := range sub.topic {
		child, ok := n.children[tok]
		if !ok {
			return
		}
		n = child
		stack = append(stack, n)
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}

	// Prune empty nodes.
	for i := len(sub.topic) - 1; i >= 0; i-- {
		parent := stack[i]
		child := stack[i+1]
		if len(child.subs) > 0 || len(child.children) > 0 {
			break
		}
		delete(parent.children, sub.topic[i])
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s %+v", m.Topic, m.Payload)
}
