package notify

import "sync"

// Recorder is an Emitter that keeps every notification it receives, for use in
// tests of code that emits notifications.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

// Emit records n.
func (r *Recorder) Emit(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

// Notifications returns a copy of everything recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.notifications {
		if n.Kind == kind {
			count++
		}
	}
	return count
}

var _ Emitter = (*Recorder)(nil)
