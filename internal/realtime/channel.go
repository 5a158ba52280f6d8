// Package realtime applies push events from other clients to the local item
// store.
package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/metrics"
	"github.com/slateboard/slateboard/internal/protocol"
)

// Subscriber produces the inbound push event stream.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan protocol.PushEvent
}

// Applier is the slice of the store the channel mutates.
type Applier interface {
	MergeAdd(item protocol.TransferItem) bool
	MergeDelete(id string) bool
}

// Channel is the one-way push subscription. A single consumer loop applies
// every event serially, so concurrent handlers can never interleave
// mutations of the shared store. Delivery is at-least-once: both merge
// operations are idempotent no-ops on duplicates.
type Channel struct {
	sub   Subscriber
	store Applier

	// onAdd fires after a genuinely new item lands, for proactive work
	// such as prefetching grid images. May be nil.
	onAdd func(item protocol.TransferItem)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an unstarted channel.
func New(sub Subscriber, store Applier, onAdd func(item protocol.TransferItem)) *Channel {
	return &Channel{
		sub:   sub,
		store: store,
		onAdd: onAdd,
	}
}

// Start opens the subscription. Call when the owning view becomes active.
// Events arriving while disconnected are not buffered.
func (c *Channel) Start(ctx context.Context) {
	if c.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	events := c.sub.Subscribe(runCtx)
	go c.consume(events)
}

// Stop closes the subscription and waits for the consumer loop to drain.
// Call on view teardown.
func (c *Channel) Stop() {
	if c.done == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

func (c *Channel) consume(events <-chan protocol.PushEvent) {
	defer close(c.done)

	for ev := range events {
		switch ev.Type {
		case protocol.PushAdd:
			if ev.Item == nil {
				logging.Warn("add event without item")
				continue
			}
			metrics.RecordPushEvent(protocol.PushAdd)
			if c.store.MergeAdd(*ev.Item) && c.onAdd != nil {
				c.onAdd(*ev.Item)
			}
		case protocol.PushDelete:
			if ev.ID == "" {
				logging.Warn("delete event without id")
				continue
			}
			metrics.RecordPushEvent(protocol.PushDelete)
			// A delete racing ahead of its add simply no-ops here;
			// the late add re-inserts. Accepted at-least-once
			// behavior, no tombstones.
			c.store.MergeDelete(ev.ID)
		default:
			logging.Debug("ignoring unknown push event",
				zap.String("type", ev.Type))
		}
	}
}
