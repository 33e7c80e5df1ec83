package pubsub

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/logging"
)

// Message pairs a topic with its published value.
type Message struct {
	Topic string
	Value Value
}

// Bus is the host-side publish/subscribe fabric between driver
// connections and application code. Delivery is fan-out over buffered
// channels; a full subscriber drops its oldest message so slow
// consumers see fresh state rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex // guards subs and closed
	retMu  sync.Mutex   // guards retained
	log    *zap.Logger
	subs   map[*Subscription]struct{}
	closed bool

	retained map[string]Value
}

// Subscription receives messages whose topic falls under its prefix.
type Subscription struct {
	bus    *Bus
	prefix string
	ch     chan Message
	once   sync.Once
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		log:      logging.Logger("pubsub"),
		retained: make(map[string]Value),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for every topic equal to or below
// prefix. The empty prefix matches everything. Retained values under
// the prefix are delivered immediately. depth bounds the subscriber
// channel.
func (b *Bus) Subscribe(prefix string, depth int) *Subscription {
	if depth < 1 {
		depth = 1
	}
	s := &Subscription{bus: b, prefix: prefix, ch: make(chan Message, depth)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}

	b.retMu.Lock()
	for topic, v := range b.retained {
		if topicMatches(prefix, topic) {
			s.push(b.log, Message{Topic: topic, Value: v})
		}
	}
	b.retMu.Unlock()
	return s
}

// C is the subscriber's delivery channel. It closes on unsubscribe.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close unsubscribes and closes the delivery channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// Publish delivers topic/v to every matching subscriber.
func (b *Bus) Publish(topic string, v Value) {
	b.publish(nil, topic, v, false)
}

// PublishRetained is Publish plus retention: the value becomes the
// topic's retained value, delivered to future subscribers on
// subscribe.
func (b *Bus) PublishRetained(topic string, v Value) {
	b.publish(nil, topic, v, true)
}

// Publish delivers to every matching subscriber except s itself, so a
// component can publish into the namespace it subscribes to without
// hearing its own echo.
func (s *Subscription) Publish(topic string, v Value) {
	s.bus.publish(s, topic, v, false)
}

// PublishRetained is the no-echo variant of Bus.PublishRetained.
func (s *Subscription) PublishRetained(topic string, v Value) {
	s.bus.publish(s, topic, v, true)
}

func (b *Bus) publish(src *Subscription, topic string, v Value, retain bool) {
	if retain {
		b.retMu.Lock()
		b.retained[topic] = v
		b.retMu.Unlock()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	msg := Message{Topic: topic, Value: v}
	for s := range b.subs {
		if s == src || !topicMatches(s.prefix, topic) {
			continue
		}
		s.push(b.log, msg)
	}
}

// Retained returns the retained value for topic, if any.
func (b *Bus) Retained(topic string) (Value, bool) {
	b.retMu.Lock()
	defer b.retMu.Unlock()
	v, ok := b.retained[topic]
	return v, ok
}

// Close drops all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// push delivers without blocking: on a full channel the oldest message
// is discarded with a warning.
func (s *Subscription) push(log *zap.Logger, msg Message) {
	select {
	case s.ch <- msg:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
		log.Warn("subscriber lagging, dropped oldest",
			zap.String("prefix", s.prefix), zap.String("topic", msg.Topic))
	default:
	}
}

// topicMatches reports whether topic is prefix itself or lies below it
// in the /-separated hierarchy.
func topicMatches(prefix, topic string) bool {
	if prefix == "" || prefix == topic {
		return true
	}
	return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) && topic[len(prefix)] == '/'
}
