package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type flakyNotifier struct {
	mu       sync.Mutex
	failFor  map[string]error
	received []*Event
}

func (n *flakyNotifier) Notify(_ context.Context, evt *Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failFor[evt.Recipient]; ok {
		return err
	}
	n.received = append(n.received, evt)
	return nil
}

func TestOutbox_Drain(t *testing.T) {
	ctx := context.Background()

	t.Run("Should deliver every pending event", func(t *testing.T) {
		notifier := &flakyNotifier{}
		outbox := NewOutbox(notifier, time.Second)
		outbox.Enqueue(
			&Event{Recipient: "a@example.com", Type: TypeReminder},
			&Event{Recipient: "b@example.com", Type: TypeReminder},
		)

		sent, failed := outbox.Drain(ctx)
		assert.Equal(t, 2, sent)
		assert.Equal(t, 0, failed)
		assert.Equal(t, 0, outbox.Pending())
	})
	t.Run("Should count failures without blocking the rest of the batch", func(t *testing.T) {
		notifier := &flakyNotifier{failFor: map[string]error{
			"bad@example.com": errors.New("mailbox on fire"),
		}}
		outbox := NewOutbox(notifier, time.Second)
		outbox.Enqueue(
			&Event{Recipient: "good@example.com", Type: TypeRequestCompleted},
			&Event{Recipient: "bad@example.com", Type: TypeRequestCompleted},
			&Event{Recipient: "also-good@example.com", Type: TypeRequestCompleted},
		)

		sent, failed := outbox.Drain(ctx)
		assert.Equal(t, 2, sent)
		assert.Equal(t, 1, failed)
		assert.Len(t, notifier.received, 2)
	})
	t.Run("Should be a no-op with nothing pending", func(t *testing.T) {
		outbox := NewOutbox(&flakyNotifier{}, time.Second)
		sent, failed := outbox.Drain(ctx)
		assert.Equal(t, 0, sent)
		assert.Equal(t, 0, failed)
	})
}

func TestOutbox_StartStop(t *testing.T) {
	t.Run("Should drain remaining events on shutdown", func(t *testing.T) {
		notifier := &flakyNotifier{}
		outbox := NewOutbox(notifier, time.Second)
		outbox.Start(context.Background(), time.Hour)
		outbox.Enqueue(&Event{Recipient: "late@example.com", Type: TypeSignerReset})

		outbox.Stop()
		assert.Equal(t, 0, outbox.Pending())
		assert.Len(t, notifier.received, 1)
	})
}
