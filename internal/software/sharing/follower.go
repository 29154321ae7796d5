package sharing

import (
	"context"
	"sync"

	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
)

// Follower keeps a Sharer in step with the shipment status of one driver.
// Handle only records the newest update, so the channel's reader never waits
// on a position fix or a send; a single worker applies updates in order.
type Follower struct {
	sharer   *Sharer
	driverID string
	logger   *logger.Logger

	mu      sync.Mutex
	pending *contracts.ShipmentStatusUpdate
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFollower(sharer *Sharer, driverID string, logger *logger.Logger) *Follower {
	ctx, cancel := context.WithCancel(logger.WithDriverID(context.Background(), driverID))
	follower := &Follower{
		sharer:   sharer,
		driverID: driverID,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go follower.run()
	return follower
}

// Handle is a channel event handler. Updates for other drivers are ignored;
// an update still waiting is replaced by a newer one.
func (follower *Follower) Handle(_ context.Context, event contracts.Event) {
	update, ok := event.(contracts.ShipmentStatusUpdate)
	if !ok || update.DriverID != follower.driverID {
		return
	}
	follower.mu.Lock()
	follower.pending = &update
	follower.mu.Unlock()

	select {
	case follower.wake <- struct{}{}:
	default:
	}
}

// Close stops the worker and waits for an in-flight reconcile to return.
func (follower *Follower) Close() {
	follower.cancel()
	<-follower.done
}

func (follower *Follower) run() {
	defer close(follower.done)
	for {
		select {
		case <-follower.ctx.Done():
			return
		case <-follower.wake:
		}

		follower.mu.Lock()
		update := follower.pending
		follower.pending = nil
		follower.mu.Unlock()
		if update == nil {
			continue
		}

		if err := follower.sharer.Reconcile(follower.ctx, follower.driverID, update.NewStatus); err != nil {
			follower.logger.Error(follower.ctx, "sharing_reconcile_failed", "Failed to follow shipment status", err, map[string]any{
				"shipment_id": update.ShipmentID,
				"status":      update.NewStatus.String(),
			})
		}
	}
}
