// Package events implements component J: a per-user change-notification
// broadcaster. Subscribers (typically one per open dashboard connection)
// get typed tags telling them what changed, without details — it's up
// to the client to decide what to refetch.
package events

import (
	"sync"
	"time"

	"github.com/zli117/Orbit-sub000/internal/metrics"
)

// ChangeTag is a typed hint about what category of data changed.
type ChangeTag string

const (
	TagTasks      ChangeTag = "tasks"
	TagDaily      ChangeTag = "daily"
	TagWeekly     ChangeTag = "weekly"
	TagObjectives ChangeTag = "objectives"
	TagMetrics    ChangeTag = "metrics"
	TagWidgets    ChangeTag = "widgets"
	TagQueries    ChangeTag = "queries"
	tagHeartbeat  ChangeTag = "heartbeat"
)

// Event is one message delivered to a subscriber.
type Event struct {
	Tag ChangeTag
	At  time.Time
}

// subscriberQueueSize bounds how many undelivered events a subscriber
// can accumulate. Once its queue is full, further events for it are
// discarded and counted as broadcast drops; the subscriber itself stays
// registered, and publishers never block.
const subscriberQueueSize = 32

type subscriber struct {
	id int
	ch chan Event
}

// Broadcaster fans typed change events out to per-user subscriber
// queues and periodically emits a heartbeat so clients can detect a
// stale connection and reconnect.
type Broadcaster struct {
	mu          sync.Mutex
	subsByUser  map[string][]subscriber
	nextID      int
	heartbeat   time.Duration
	stopOnce    sync.Once
	stop        chan struct{}
	stoppedDone chan struct{}
}

// New constructs a Broadcaster with the given heartbeat interval
// (spec.md §4.J requires ≤30s) and starts its heartbeat loop.
func New(heartbeat time.Duration) *Broadcaster {
	if heartbeat <= 0 || heartbeat > 30*time.Second {
		heartbeat = 30 * time.Second
	}
	b := &Broadcaster{
		subsByUser:  map[string][]subscriber{},
		heartbeat:   heartbeat,
		stop:        make(chan struct{}),
		stoppedDone: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new queue for userID and returns it along with
// an unsubscribe function the caller must call when done (e.g. when the
// HTTP stream disconnects).
func (b *Broadcaster) Subscribe(userID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := subscriber{id: id, ch: make(chan Event, subscriberQueueSize)}
	b.subsByUser[userID] = append(b.subsByUser[userID], sub)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subsByUser[userID]
		for i, s := range subs {
			if s.id == id {
				b.subsByUser[userID] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(b.subsByUser[userID]) == 0 {
			delete(b.subsByUser, userID)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers tag to every current subscriber of userID. Delivery
// is best-effort and at-most-once: a subscriber whose queue is full is
// skipped rather than blocking the publisher.
func (b *Broadcaster) Publish(userID string, tag ChangeTag) {
	b.publish(userID, tag, time.Now())
}

func (b *Broadcaster) publish(userID string, tag ChangeTag, at time.Time) {
	b.mu.Lock()
	subs := append([]subscriber(nil), b.subsByUser[userID]...)
	b.mu.Unlock()

	ev := Event{Tag: tag, At: at}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.RecordBroadcastDrop(string(tag))
		}
	}
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	defer close(b.stoppedDone)
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			userIDs := make([]string, 0, len(b.subsByUser))
			for userID := range b.subsByUser {
				userIDs = append(userIDs, userID)
			}
			b.mu.Unlock()
			for _, userID := range userIDs {
				b.publish(userID, tagHeartbeat, now)
			}
		}
	}
}

// Close stops the heartbeat loop. Subscriber channels are left to their
// unsubscribe functions; Close does not close them itself.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.stoppedDone
	})
}
