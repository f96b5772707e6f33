package topology

import (
	"context"
	"log/slog"
	"time"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/deployment"
	"github.com/devicemesh/topoctl/device"
)

const (
	// connectTimeout and connectPoll govern BlockUntilConnected (spec.md
	// §4.3: "synchronous connect waits up to 30s, polling every 50ms").
	connectTimeout = 30 * time.Second
	connectPoll    = 50 * time.Millisecond
)

// SubscriptionManager owns the subscribe/heartbeat/unsubscribe lifecycle
// with every device (spec.md §4.3, C3). It talks to the deployment service
// for the wire side and to device.Table for the subscribed_to_state_changes
// bookkeeping; it holds no registry of its own.
type SubscriptionManager struct {
	table  *device.Table
	svc    deployment.Service
	logger *slog.Logger
}

func NewSubscriptionManager(table *device.Table, svc deployment.Service, logger *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{table: table, svc: svc, logger: logger}
}

// SubscribeAll broadcasts a subscribe_to_state_change request to every
// device, carrying the heartbeat interval the device should expect.
func (m *SubscriptionManager) SubscribeAll(ctx context.Context, heartbeatInterval time.Duration) error {
	env := command.Envelope{
		Type:       command.TypeSubscribeToStateChange,
		IntervalMS: uint64(heartbeatInterval / time.Millisecond),
	}

	return m.svc.Broadcast(ctx, env, "")
}

// UnsubscribeAll broadcasts the teardown request and clears every
// device's subscription flag locally, regardless of whether an ack is
// ever observed (spec.md §4.3: "teardown does not wait for device acks").
func (m *SubscriptionManager) UnsubscribeAll(ctx context.Context) error {
	err := m.svc.Broadcast(ctx, command.Envelope{Type: command.TypeUnsubscribeFromStateChange}, "")
	for _, d := range m.table.All() {
		m.table.SetSubscribed(d.TaskID, false)
	}

	return err
}

// Heartbeat re-broadcasts the heartbeat envelope; the Topology facade
// drives this on a ticker whose period is the heartbeat interval.
func (m *SubscriptionManager) Heartbeat(ctx context.Context) error {
	return m.svc.Broadcast(ctx, command.Envelope{Type: command.TypeSubscriptionHeartbeat}, "")
}

// HandleSubscriptionAck applies a device's reply to a subscribe request.
// A failure result is logged and otherwise ignored: BlockUntilConnected is
// what observes the shortfall, not this handler (spec.md §4.3).
func (m *SubscriptionManager) HandleSubscriptionAck(deviceID device.ID, env command.Envelope) {
	if env.Result != nil && *env.Result == command.ResultFailure {
		m.logger.Warn("topology: device refused state-change subscription", slog.Uint64("device_id", uint64(deviceID)))

		return
	}
	m.table.SetSubscribed(deviceID, true)
}

// HandleUnsubscriptionAck applies a device's reply to an unsubscribe
// request. Unlike the subscribe ack, this always clears the flag: a
// device reporting failure to unsubscribe is still treated as no longer a
// publisher, since the controller is tearing down regardless.
func (m *SubscriptionManager) HandleUnsubscriptionAck(deviceID device.ID, _ command.Envelope) {
	m.table.SetSubscribed(deviceID, false)
}

// BlockUntilConnected polls device.Table.NumStatePublishers until at least
// minPublishers devices are subscribed, the context is canceled, the
// deployment service reports it is no longer running, or connectTimeout
// elapses. It returns ErrConnectionRefused on timeout or a stopped service,
// matching the synchronous Connect entry point's documented failure mode
// (spec.md §4.7).
func (m *SubscriptionManager) BlockUntilConnected(ctx context.Context, minPublishers int) error {
	if m.table.NumStatePublishers() >= minPublishers {
		return nil
	}

	deadline := time.NewTimer(connectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(connectPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrConnectionRefused
		case <-ticker.C:
			if m.table.NumStatePublishers() >= minPublishers {
				return nil
			}
			if !m.svc.IsRunning() {
				return ErrConnectionRefused
			}
		}
	}
}
