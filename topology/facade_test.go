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
	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTopology(t *testing.T, fake *deployment.Fake) *Topology {
	t.Helper()

	top, err := New(context.Background(), fake, Config{DefaultTimeout: time.Second}, discardLogger(), NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	top.executor = InlineExecutor{}

	return top
}

// scenario: three devices, change_state succeeds once every device reports
// a state_change reaching the target state. transition_status replies play
// no role in the success path, only in failure detection.
func TestChangeStateSucceedsOnAllAcks(t *testing.T) {
	fake := deployment.NewFake(3)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	if _, err := top.AsyncChangeState(context.Background(), "", command.InitDevice, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncChangeState: %v", err)
	}

	if len(fake.Broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(fake.Broadcasts))
	}

	for i := 1; i <= 3; i++ {
		env := command.Envelope{Type: command.TypeStateChange, LastState: device.Idle, CurrentState: device.InitializingDevice}
		fake.DeliverCustomCommand(device.ID(i), env)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	for _, d := range top.Snapshot() {
		if d.State != device.InitializingDevice {
			t.Fatalf("expected device %d at target state, got %s", d.TaskID, d.State)
		}
	}
}

// scenario: a transition_status failure reported for a device already at
// the target state is not a failure; the operation still completes once
// the matching state_change reply arrives.
func TestChangeStateTransitionStatusFailureAtTargetIsNotAFailure(t *testing.T) {
	fake := deployment.NewFake(1)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	if _, err := top.AsyncChangeState(context.Background(), "", command.InitDevice, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncChangeState: %v", err)
	}

	failure := command.ResultFailure
	fake.DeliverCustomCommand(device.ID(1), command.Envelope{Type: command.TypeTransitionStatus, Result: &failure, CurrentState: device.InitializingDevice})

	select {
	case <-done:
		t.Fatal("completed on a failed transition_status before the matching state_change")
	case <-time.After(50 * time.Millisecond):
	}

	fake.DeliverCustomCommand(device.ID(1), command.Envelope{Type: command.TypeStateChange, LastState: device.Idle, CurrentState: device.InitializingDevice})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// scenario: one device reports failure, operation fails immediately even
// though the other two never reply.
func TestChangeStateFailsOnFirstDeviceFailure(t *testing.T) {
	fake := deployment.NewFake(3)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	if _, err := top.AsyncChangeState(context.Background(), "", command.InitDevice, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncChangeState: %v", err)
	}

	failure := command.ResultFailure
	fake.DeliverCustomCommand(device.ID(1), command.Envelope{Type: command.TypeTransitionStatus, Result: &failure, CurrentState: device.Idle})

	select {
	case err := <-done:
		if err != ErrDeviceChangeStateInvalidTransition {
			t.Fatalf("expected ErrDeviceChangeStateInvalidTransition, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// scenario: an expendable device's unexpected exit does not fail the
// in-flight change_state operation once the remaining devices ack.
func TestExpendableDeviceExitDoesNotFailOperation(t *testing.T) {
	fake := deployment.NewFake(3).WithExpendable(0)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	if _, err := top.AsyncChangeState(context.Background(), "", command.InitDevice, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncChangeState: %v", err)
	}

	fake.DeliverExit(deployment.ExitEvent{TaskID: device.ID(1), ExitCode: 1})

	fake.DeliverCustomCommand(device.ID(2), command.Envelope{Type: command.TypeStateChange, LastState: device.Idle, CurrentState: device.InitializingDevice})
	fake.DeliverCustomCommand(device.ID(3), command.Envelope{Type: command.TypeStateChange, LastState: device.Idle, CurrentState: device.InitializingDevice})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// scenario: a non-expendable device's unexpected exit fails the operation.
func TestNonExpendableDeviceExitFailsOperation(t *testing.T) {
	fake := deployment.NewFake(2)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	if _, err := top.AsyncChangeState(context.Background(), "", command.InitDevice, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncChangeState: %v", err)
	}

	fake.DeliverExit(deployment.ExitEvent{TaskID: device.ID(1), ExitCode: 1})

	select {
	case err := <-done:
		if err != ErrDeviceChangeStateFailed {
			t.Fatalf("expected ErrDeviceChangeStateFailed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// scenario: a non-expendable device's unexpected exit still satisfies its
// collection's nMin, so the whole collection (every member, not just the
// one that exited) is ignored and the operation waiting on the survivors
// outside the collection still completes.
func TestCollectionStillSatisfiesNMinIgnoresWholeCollection(t *testing.T) {
	fake := deployment.NewFake(5).WithCollection(device.CollectionID(1), "Group/Sub", 2, 0, 3)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	if _, err := top.AsyncChangeState(context.Background(), "", command.InitDevice, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncChangeState: %v", err)
	}

	fake.DeliverExit(deployment.ExitEvent{TaskID: device.ID(1), ExitCode: 1})

	fake.DeliverCustomCommand(device.ID(4), command.Envelope{Type: command.TypeStateChange, LastState: device.Idle, CurrentState: device.InitializingDevice})
	fake.DeliverCustomCommand(device.ID(5), command.Envelope{Type: command.TypeStateChange, LastState: device.Idle, CurrentState: device.InitializingDevice})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	snap := top.Snapshot()
	for _, d := range snap {
		if d.TaskID == device.ID(1) || d.TaskID == device.ID(2) || d.TaskID == device.ID(3) {
			if !d.Ignored {
				t.Fatalf("expected collection member %d ignored once the collection is dropped", d.TaskID)
			}
		}
	}
}

// scenario: a non-expendable device's exit drops its collection below
// nMin; the failure cannot be absorbed and the operation fails.
func TestCollectionDropsBelowNMinFailsOperation(t *testing.T) {
	fake := deployment.NewFake(3).WithCollection(device.CollectionID(1), "Group/Sub", 2, 0, 2)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	if _, err := top.AsyncChangeState(context.Background(), "", command.InitDevice, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncChangeState: %v", err)
	}

	fake.DeliverExit(deployment.ExitEvent{TaskID: device.ID(1), ExitCode: 1})

	select {
	case err := <-done:
		if err != ErrDeviceChangeStateFailed {
			t.Fatalf("expected ErrDeviceChangeStateFailed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// scenario: get_properties with an empty selection completes immediately.
func TestGetPropertiesEmptySelectionCompletesImmediately(t *testing.T) {
	fake := deployment.NewFake(0)
	top := newTestTopology(t, fake)

	res, err := top.GetProperties(context.Background(), "no/such/path", ".*", time.Second)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(res.ByDevice) != 0 {
		t.Fatalf("expected no results, got %v", res.ByDevice)
	}
}

// scenario: wait_for_state observes a state_change reply and completes,
// ignoring last state when the caller doesn't ask for one.
func TestWaitForStateCompletesOnStateChange(t *testing.T) {
	fake := deployment.NewFake(1)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	top.AsyncWaitForState(context.Background(), "", device.Undefined, device.Bound, time.Second, func(err error) { done <- err })

	fake.DeliverCustomCommand(device.ID(1), command.Envelope{Type: command.TypeStateChange, LastState: device.Binding, CurrentState: device.Bound})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// scenario: wait_for_state with a target_last_state only completes once
// the reported last state matches too, not on current state alone.
func TestWaitForStateRequiresTargetLastState(t *testing.T) {
	fake := deployment.NewFake(1)
	top := newTestTopology(t, fake)

	done := make(chan error, 1)
	top.AsyncWaitForState(context.Background(), "", device.Connecting, device.Bound, time.Second, func(err error) { done <- err })

	// reports the target current state, but from the wrong last state:
	// must not complete.
	fake.DeliverCustomCommand(device.ID(1), command.Envelope{Type: command.TypeStateChange, LastState: device.Binding, CurrentState: device.Bound})

	select {
	case <-done:
		t.Fatal("completed on current state alone, ignoring target_last_state")
	case <-time.After(50 * time.Millisecond):
	}

	// now report the right (last, current) pair.
	fake.DeliverCustomCommand(device.ID(1), command.Envelope{Type: command.TypeStateChange, LastState: device.Connecting, CurrentState: device.Bound})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// scenario: an operation against an unrecognized transition is rejected
// synchronously, without touching the registry.
func TestAsyncChangeStateRejectsUnknownTransition(t *testing.T) {
	fake := deployment.NewFake(1)
	top := newTestTopology(t, fake)

	if _, err := top.AsyncChangeState(context.Background(), "", command.Transition("bogus"), time.Second, nil); err != ErrUnknownTransition {
		t.Fatalf("expected ErrUnknownTransition, got %v", err)
	}
	if top.InFlightCounts()["change_state"] != 0 {
		t.Fatalf("expected no operation registered for a rejected transition")
	}
}
