package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount())

	b.PublishInstance(EventInstanceReady, "inst-1", "instance ready")

	select {
	case event := <-sub:
		assert.Equal(t, EventInstanceReady, event.Type)
		assert.Equal(t, "inst-1", event.InstanceID)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	subB := b.Subscribe()
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.PublishInstance(EventInstanceStopped, "inst-1", "stopped")

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case event := <-sub:
			assert.Equal(t, EventInstanceStopped, event.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	// Overflow the per-subscriber buffer; publishes must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.PublishInstance(EventInstanceRunning, "inst-1", "tick")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is harmless
	b.Unsubscribe(sub)
}
