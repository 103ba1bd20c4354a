// Package notify delivers supervisor notifications to the user-facing shell.
//
// Notifications are hints, not transactions: every Emit is non-blocking,
// delivered at most once per subscriber, with no acknowledgment and no
// back-pressure. A subscriber that falls behind loses notifications.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names a notification as the shell sees it.
type Kind string

const (
	KindBackendReady   Kind = "backend-ready"
	KindBackendError   Kind = "backend-error"
	KindBackendCrashed Kind = "backend-crashed"
)

// Notification is a single outbound event.
type Notification struct {
	Kind    Kind      `json:"kind"`
	Port    uint16    `json:"port,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Ready builds a backend-ready notification carrying the port.
func Ready(port uint16) Notification {
	return Notification{Kind: KindBackendReady, Port: port, Time: time.Now().UTC()}
}

// Error builds a backend-error notification carrying the failure message.
func Error(message string) Notification {
	return Notification{Kind: KindBackendError, Message: message, Time: time.Now().UTC()}
}

// Crashed builds a backend-crashed notification.
func Crashed() Notification {
	return Notification{Kind: KindBackendCrashed, Time: time.Now().UTC()}
}

// Emitter accepts notifications. Implementations must not block.
type Emitter interface {
	Emit(n Notification)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(n Notification)

// Emit calls f(n).
func (f EmitterFunc) Emit(n Notification) { f(n) }

type multiEmitter []Emitter

func (m multiEmitter) Emit(n Notification) {
	for _, e := range m {
		e.Emit(n)
	}
}

// Multi returns an Emitter that forwards to every non-nil emitter in order.
func Multi(emitters ...Emitter) Emitter {
	out := make(multiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Hub fans notifications out to any number of subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]chan Notification
	nextID      int
	closed      bool
	bufferSize  int
	logger      *slog.Logger
}

// NewHub creates a hub whose subscriber channels hold bufferSize notifications.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[int]chan Notification),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "NotifyHub"),
	}
}

// Subscribe registers a new subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Notification, h.bufferSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(sub)
		}
	}
}

// Emit delivers n to every subscriber without blocking.
func (h *Hub) Emit(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			h.logger.Warn("Dropping notification for slow subscriber", "kind", n.Kind, "subscriber", id)
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

var (
	_ Emitter = (*Hub)(nil)
	_ Emitter = EmitterFunc(nil)
)
