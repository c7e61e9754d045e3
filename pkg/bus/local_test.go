package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/types"
)

func TestLocalBusFanOut(t *testing.T) {
	b := NewLocalBus()

	ch1 := b.Subscribe("org-1")
	ch2 := b.Subscribe("org-1")
	other := b.Subscribe("org-2")

	evt := types.NewRunFinishedEvent("org-1", "run-1", types.RunStatusCompleted)
	b.Publish("org-1", evt)

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, "run-1", got1.RunID)
	assert.Equal(t, "run-1", got2.RunID)

	select {
	case e := <-other:
		t.Fatalf("org-2 subscriber received event for org-1: %+v", e)
	default:
	}
}

func TestLocalBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewLocalBus()

	ch := b.Subscribe("org-1")
	require.Equal(t, 1, b.SubscriberCount("org-1"))

	b.Unsubscribe("org-1", ch)
	assert.Equal(t, 0, b.SubscriberCount("org-1"))

	_, open := <-ch
	assert.False(t, open)

	// Publishing to a key with no subscribers is a no-op.
	b.Publish("org-1", types.NewRunFinishedEvent("org-1", "run-1", types.RunStatusFailed))
}

func TestLocalBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewLocalBus()
	ch := b.Subscribe("org-1")

	// Overfill the buffer; the publisher must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish("org-1", types.NewVerificationResolvedEvent("org-1", "run-1"))
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestLocalBusUnsubscribeUnknownChannel(t *testing.T) {
	b := NewLocalBus()
	stray := make(chan types.Event)

	// Ignored, no panic.
	b.Unsubscribe("org-1", stray)
}
