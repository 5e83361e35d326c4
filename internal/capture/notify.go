package capture

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Notification types surfaced to UI collaborators. Fire-and-forget; the
// orchestrator never blocks on a notifier.
const (
	NotifySessionStart    = "session_start"
	NotifySessionComplete = "session_complete"
	NotifySessionFailed   = "session_failed"
	NotifyPositionFailed  = "position_failed"
)

// Notification is one observable capture event.
type Notification struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Layer      int       `json:"layer"`
	ImageCount int       `json:"image_count,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// Notifier receives capture notifications.
type Notifier interface {
	Notify(Notification)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	switch n.Type {
	case NotifySessionComplete:
		log.Printf("[Capture] session %s layer %d: %s (%d images)", n.SessionID, n.Layer, n.Type, n.ImageCount)
	case NotifySessionFailed, NotifyPositionFailed:
		log.Printf("[Capture] session %s layer %d: %s (%s)", n.SessionID, n.Layer, n.Type, n.Reason)
	default:
		log.Printf("[Capture] session %s layer %d: %s", n.SessionID, n.Layer, n.Type)
	}
}

// Broadcaster fans notifications out to subscriber channels, feeding the
// SSE tail endpoint. Slow subscribers are skipped rather than blocking
// the orchestrator.
type Broadcaster struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan Notification
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[int]chan Notification)}
}

func (b *Broadcaster) Notify(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe registers a notification channel.
func (b *Broadcaster) Subscribe() (int, <-chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Notification, 16)
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a notification channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// MultiNotifier forwards to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		notifier.Notify(n)
	}
}

// JSON renders the notification for the SSE wire format.
func (n Notification) JSON() []byte {
	data, err := json.Marshal(n)
	if err != nil {
		return []byte("{}")
	}
	return data
}
