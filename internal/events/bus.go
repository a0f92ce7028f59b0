// Package events is the topic-addressed fan-out used by the queue, the
// health sweeps and the connection stats. State topics replay their last
// message to new subscribers; event topics are fire-and-forget.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind distinguishes replayed state topics from fire-and-forget events.
type Kind int

const (
	KindState Kind = iota
	KindEvent
)

// Topic identifies one message stream. The codes are the short names the
// frontend subscribes with.
type Topic string

const (
	TopicConnections    Topic = "cxs" // state: live|max|idle
	TopicQueueProgress  Topic = "qp"  // state: itemId|percent
	TopicQueueStatus    Topic = "qs"  // state: itemId|statusText
	TopicQueueAdded     Topic = "qa"  // event: serialized queue item
	TopicQueueRemoved   Topic = "qr"  // event: itemId
	TopicHistoryAdded   Topic = "ha"  // event: serialized history slot
	TopicHealthProgress Topic = "hp"  // state
	TopicHealthStatus   Topic = "hs"  // state
)

// kindOf returns the topic kind; unknown topics behave as events.
func kindOf(t Topic) Kind {
	switch t {
	case TopicConnections, TopicQueueProgress, TopicQueueStatus, TopicHealthProgress, TopicHealthStatus:
		return KindState
	default:
		return KindEvent
	}
}

// Message is one published payload.
type Message struct {
	Topic   Topic     `json:"topic"`
	Payload string    `json:"payload"`
	At      time.Time `json:"at"`
}

// AuthFunc validates a subscriber before any message is delivered.
type AuthFunc func(credential string) error

// subscriber is one fan-out target. Its channel serializes delivery.
type subscriber struct {
	topics map[Topic]bool
	ch     chan Message
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans messages out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up has messages skipped rather than stalling
// the publisher.
type Bus struct {
	log  *slog.Logger
	auth AuthFunc

	mu   sync.RWMutex
	last map[Topic]Message
	subs map[*subscriber]bool
}

// NewBus creates a bus. A nil auth admits every subscriber.
func NewBus(auth AuthFunc) *Bus {
	return &Bus{
		log:  slog.Default().With("component", "event-bus"),
		auth: auth,
		last: make(map[Topic]Message),
		subs: make(map[*subscriber]bool),
	}
}

// Subscription is a live subscriber handle. Receive from C; call Cancel
// when done.
type Subscription struct {
	C      <-chan Message
	cancel func()
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Subscribe registers interest in the given topics. Authentication runs
// once, before any delivery. For every state topic the last published
// message is replayed onto the channel before subsequent messages.
func (b *Bus) Subscribe(credential string, topics ...Topic) (*Subscription, error) {
	if b.auth != nil {
		if err := b.auth(credential); err != nil {
			return nil, err
		}
	}

	sub := &subscriber{
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Message, 64),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	// Replay happens under the lock so no publish can slip in between the
	// replayed state and the live stream.
	for _, t := range topics {
		if kindOf(t) != KindState {
			continue
		}
		if msg, ok := b.last[t]; ok {
			sub.ch <- msg
		}
	}
	b.subs[sub] = true
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			if b.subs[sub] {
				delete(b.subs, sub)
				sub.close()
			}
			b.mu.Unlock()
		},
	}, nil
}

// Publish sends a payload on a topic. State topics update the replay
// cache.
func (b *Bus) Publish(topic Topic, payload string) {
	msg := Message{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.Lock()
	if kindOf(topic) == KindState {
		b.last[topic] = msg
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		if sub.topics[topic] {
			targets = append(targets, sub)
		}
	}

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("Subscriber channel full, skipping message", "topic", topic)
		}
	}
	b.mu.Unlock()
}

// LastState returns the cached message for a state topic.
func (b *Bus) LastState(topic Topic) (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.last[topic]
	return msg, ok
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.close()
	}
}
