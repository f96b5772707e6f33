package topology

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/deployment"
	"github.com/devicemesh/topoctl/device"
)

func TestSubscribeAllBroadcastsHeartbeatInterval(t *testing.T) {
	fake := deployment.NewFake(2)
	table := device.NewTable([]device.Device{{TaskID: 1}, {TaskID: 2}}, nil)
	mgr := NewSubscriptionManager(table, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := mgr.SubscribeAll(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	if len(fake.Broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(fake.Broadcasts))
	}
	if fake.Broadcasts[0].Envelope.IntervalMS != 5000 {
		t.Fatalf("expected interval_ms 5000, got %d", fake.Broadcasts[0].Envelope.IntervalMS)
	}
}

func TestHandleSubscriptionAckSetsSubscribed(t *testing.T) {
	fake := deployment.NewFake(1)
	table := device.NewTable([]device.Device{{TaskID: 1}}, nil)
	mgr := NewSubscriptionManager(table, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ok := command.ResultSuccess
	mgr.HandleSubscriptionAck(1, command.Envelope{Type: command.TypeStateChangeSubscription, Result: &ok})

	if table.NumStatePublishers() != 1 {
		t.Fatalf("expected 1 publisher, got %d", table.NumStatePublishers())
	}
}

func TestHandleSubscriptionAckFailureDoesNotSubscribe(t *testing.T) {
	fake := deployment.NewFake(1)
	table := device.NewTable([]device.Device{{TaskID: 1}}, nil)
	mgr := NewSubscriptionManager(table, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fail := command.ResultFailure
	mgr.HandleSubscriptionAck(1, command.Envelope{Type: command.TypeStateChangeSubscription, Result: &fail})

	if table.NumStatePublishers() != 0 {
		t.Fatalf("expected 0 publishers, got %d", table.NumStatePublishers())
	}
}

func TestBlockUntilConnectedReturnsOnceThresholdMet(t *testing.T) {
	fake := deployment.NewFake(1)
	table := device.NewTable([]device.Device{{TaskID: 1}}, nil)
	mgr := NewSubscriptionManager(table, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	go func() {
		time.Sleep(20 * time.Millisecond)
		table.SetSubscribed(1, true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := mgr.BlockUntilConnected(ctx, 1); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestBlockUntilConnectedFailsOnContextCancel(t *testing.T) {
	fake := deployment.NewFake(1)
	table := device.NewTable([]device.Device{{TaskID: 1}}, nil)
	mgr := NewSubscriptionManager(table, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := mgr.BlockUntilConnected(ctx, 1); err == nil {
		t.Fatal("expected an error when the context is canceled before threshold is met")
	}
}

func TestUnsubscribeAllClearsSubscriptions(t *testing.T) {
	fake := deployment.NewFake(1)
	table := device.NewTable([]device.Device{{TaskID: 1}}, nil)
	table.SetSubscribed(1, true)
	mgr := NewSubscriptionManager(table, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := mgr.UnsubscribeAll(context.Background()); err != nil {
		t.Fatalf("UnsubscribeAll: %v", err)
	}
	if table.NumStatePublishers() != 0 {
		t.Fatalf("expected 0 publishers after teardown, got %d", table.NumStatePublishers())
	}
}
