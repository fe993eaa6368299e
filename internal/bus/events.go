// Package bus fans gateway events out to in-process subscribers.
//
// Delivery is ordered per subscriber: each subscription owns a bounded queue
// drained by one goroutine, so a subscriber sees events in publish order
// (cron started before finished, chat finals after their blocks). A slow
// subscriber drops the oldest queued events rather than stalling publishers.
// Every topic also keeps a bounded replay tail; the gateway serves these to
// late-joining WebSocket peers when they subscribe.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/openclaw/openclaw/internal/logging"
)

// Well-known topics. Gateway subscriptions re-broadcast these to WS peers.
const (
	TopicChat           = "chat"
	TopicExecStarted    = "exec.started"
	TopicExecFinished   = "exec.finished"
	TopicExecDenied     = "exec.denied"
	TopicCronAdded      = "cron.added"
	TopicCronRemoved    = "cron.removed"
	TopicCronUpdated    = "cron.updated"
	TopicCronStarted    = "cron.started"
	TopicCronFinished   = "cron.finished"
	TopicSessionUpdated = "session.updated"
	TopicCompaction     = "compaction.phase"
	TopicVoiceWake      = "voicewake.changed"
)

const (
	// ReplayDepth is how many recent events each topic retains for late
	// joiners.
	ReplayDepth = 200

	// queueDepth bounds one subscriber's backlog before old events drop.
	queueDepth = 64
)

// Event is one published notification.
type Event struct {
	Seq       uint64    // monotonically increasing across all topics
	Topic     string    // "cron.started", "exec.denied", ...
	Data      any       // optional payload
	Timestamp time.Time // publish time
	Source    string    // origin: "cron", "dispatch", "gateway", "system"
}

// EventHandler processes an event. Called from the subscription's own
// dispatch goroutine, one event at a time, in publish order.
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription.
type SubscriptionID uint64

// subscriber owns a bounded queue and the goroutine draining it.
type subscriber struct {
	id      SubscriptionID
	topic   string
	handler EventHandler
	queue   chan Event
	quit    chan struct{}
	dropped atomic.Uint64
}

var (
	mu     sync.RWMutex
	subs   = make(map[string][]*subscriber)
	replay = make(map[string][]Event)

	nextID  atomic.Uint64
	nextSeq atomic.Uint64
)

// SubscribeEvent registers a handler for an event topic and starts its
// dispatch goroutine. Returns a SubscriptionID for UnsubscribeEvent.
func SubscribeEvent(topic string, handler EventHandler) SubscriptionID {
	s := &subscriber{
		id:      SubscriptionID(nextID.Add(1)),
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, queueDepth),
		quit:    make(chan struct{}),
	}

	mu.Lock()
	subs[topic] = append(subs[topic], s)
	mu.Unlock()

	go s.run()
	L_trace("bus: event subscribed", "topic", topic, "subscriptionID", s.id)
	return s.id
}

// run drains the subscriber's queue until unsubscribed.
func (s *subscriber) run() {
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.queue:
			s.handle(ev)
		}
	}
}

func (s *subscriber) handle(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: event handler panic", "topic", s.topic, "subscriptionID", s.id, "panic", r)
		}
	}()
	s.handler(ev)
}

// UnsubscribeEvent stops a subscription's dispatch goroutine and removes it.
// Returns true if the subscription was found.
func UnsubscribeEvent(id SubscriptionID) bool {
	mu.Lock()
	var found *subscriber
	for topic, list := range subs {
		for i, s := range list {
			if s.id == id {
				found = s
				subs[topic] = append(list[:i], list[i+1:]...)
				if len(subs[topic]) == 0 {
					delete(subs, topic)
				}
				break
			}
		}
		if found != nil {
			break
		}
	}
	mu.Unlock()

	if found == nil {
		return false
	}
	close(found.quit)
	if n := found.dropped.Load(); n > 0 {
		L_warn("bus: subscription lagged", "topic", found.topic, "subscriptionID", id, "dropped", n)
	}
	return true
}

// PublishEvent broadcasts an event to the topic's subscribers and appends it
// to the topic's replay tail.
func PublishEvent(topic string, data any) {
	PublishEventWithSource(topic, data, "system")
}

// PublishEventWithSource broadcasts an event with origin information. Never
// blocks: a subscriber whose queue is full loses its oldest queued event.
func PublishEventWithSource(topic string, data any, source string) {
	ev := Event{
		Seq:       nextSeq.Add(1),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	mu.Lock()
	tail := append(replay[topic], ev)
	if len(tail) > ReplayDepth {
		tail = tail[len(tail)-ReplayDepth:]
	}
	replay[topic] = tail
	targets := append([]*subscriber(nil), subs[topic]...)
	mu.Unlock()

	for _, s := range targets {
		for {
			select {
			case s.queue <- ev:
			default:
				// Full queue: evict the oldest and retry so the newest
				// event always lands.
				select {
				case <-s.queue:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Replay returns a copy of the topic's retained event tail, oldest first.
func Replay(topic string) []Event {
	mu.RLock()
	defer mu.RUnlock()
	return append([]Event(nil), replay[topic]...)
}

// CountEventSubscribers returns the number of subscribers for a topic.
func CountEventSubscribers(topic string) int {
	mu.RLock()
	defer mu.RUnlock()
	return len(subs[topic])
}

// Reset drops all subscriptions and replay tails. Test support only.
func Reset() {
	mu.Lock()
	all := subs
	subs = make(map[string][]*subscriber)
	replay = make(map[string][]Event)
	mu.Unlock()

	for _, list := range all {
		for _, s := range list {
			close(s.quit)
		}
	}
}
