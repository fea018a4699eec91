package notify

import (
	"context"
	"sync"
	"time"

	"github.com/inkflow/inkflow/pkg/logger"
)

const defaultSendTimeout = 10 * time.Second

// Outbox collects events produced by state transitions and drains them
// asynchronously. Failed sends are logged and counted, never re-raised to the
// transition that enqueued them.
type Outbox struct {
	mu       sync.Mutex
	pending  []*Event
	notifier Notifier
	timeout  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOutbox(notifier Notifier, sendTimeout time.Duration) *Outbox {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Outbox{notifier: notifier, timeout: sendTimeout}
}

// Enqueue appends events for later dispatch. Safe for concurrent use.
func (o *Outbox) Enqueue(events ...*Event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	o.pending = append(o.pending, events...)
	o.mu.Unlock()
}

// Pending returns the number of undelivered events.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Drain delivers every pending event, each under a bounded timeout. It
// returns the sent and failed counts; failures are dropped after logging.
func (o *Outbox) Drain(ctx context.Context) (sent, failed int) {
	o.mu.Lock()
	batch := o.pending
	o.pending = nil
	o.mu.Unlock()
	log := logger.FromContext(ctx)
	for _, evt := range batch {
		sendCtx, cancel := context.WithTimeout(ctx, o.timeout)
		err := o.notifier.Notify(sendCtx, evt)
		cancel()
		if err != nil {
			failed++
			log.Warn("Notification delivery failed",
				"recipient", evt.Recipient, "type", evt.Type, "error", err)
			continue
		}
		sent++
	}
	return sent, failed
}

// Start launches the background dispatcher draining at the given interval.
func (o *Outbox) Start(ctx context.Context, interval time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				// Final drain so shutdown does not strand events.
				o.Drain(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				o.Drain(runCtx)
			}
		}
	}()
}

// Stop halts the dispatcher and waits for the final drain.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}
