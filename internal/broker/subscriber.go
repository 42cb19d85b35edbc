package broker

import (
	"context"

	"github.com/noetl/noetl-sub018/internal/eventlog"
)

// Subscribe blocks, calling React for every execution_id the event log's
// LISTEN/NOTIFY channel wakes the broker for, until ctx is cancelled.
// Grounded on the teacher's process-boundary idiom of a long-lived loop
// reacting to an external wakeup signal (graph/scheduler.go's frontier
// loop), adapted from a pull-queue frontier to a push-notified one.
func (b *Broker) Subscribe(ctx context.Context, listener *eventlog.Listener) error {
	wakeups := make(chan int64, 256)

	errCh := make(chan error, 1)
	go func() {
		errCh <- listener.Listen(ctx, wakeups)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case executionID := <-wakeups:
			if err := b.React(ctx, executionID); err != nil {
				b.log.WithContext(ctx).WithError(err).Error("broker: react failed")
			}
		}
	}
}
