package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(4, nil)
	a, cancelA := hub.Subscribe()
	defer cancelA()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Emit(Ready(8123))

	na := <-a
	nb := <-b
	assert.Equal(t, KindBackendReady, na.Kind)
	assert.Equal(t, uint16(8123), na.Port)
	assert.Equal(t, na, nb)
}

func TestHub_EmitNeverBlocks(t *testing.T) {
	hub := NewHub(1, nil)
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Second and third notifications are dropped for the full subscriber.
	hub.Emit(Error("first"))
	hub.Emit(Error("second"))
	hub.Emit(Crashed())

	n := <-ch
	assert.Equal(t, "first", n.Message)
	select {
	case extra := <-ch:
		t.Fatalf("expected no more notifications, got %+v", extra)
	default:
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub(1, nil)
	ch, cancel := hub.Subscribe()
	require.Equal(t, 1, hub.SubscriberCount())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.SubscriberCount())

	// Emitting with no subscribers is a no-op.
	hub.Emit(Crashed())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(1, nil)
	ch, cancel := hub.Subscribe()

	hub.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.SubscriberCount())

	// Cancelling after Close and emitting are both harmless.
	cancel()
	hub.Emit(Crashed())

	late, _ := hub.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestMulti_SkipsNil(t *testing.T) {
	var rec Recorder
	calls := 0
	m := Multi(nil, &rec, EmitterFunc(func(Notification) { calls++ }))

	m.Emit(Crashed())
	m.Emit(Ready(1))

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, rec.Count(KindBackendCrashed))
	assert.Equal(t, 1, rec.Count(KindBackendReady))
	assert.Len(t, rec.Notifications(), 2)
}
