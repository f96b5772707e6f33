package topology

import (
	"time"

	"github.com/devicemesh/topoctl/device"
)

// WaitForStateHandler receives the final error for a wait_for_state
// operation (nil on success).
type WaitForStateHandler func(err error)

// WaitForStateOp tracks one wait_for_state request (spec.md §4.8, C8): no
// command is sent to devices, it only observes state_change notifications
// (already flowing in via the state-change subscription) and completes
// once every selected device has reported (targetLastState, targetState),
// or on timeout. targetLastState == device.Undefined matches any last
// state, leaving only the current-state dimension of the predicate.
type WaitForStateOp struct {
	opID           OpID
	targetLastState device.State
	target         device.State
	sel            *selection
	deadline       time.Time
	completed      bool
	err            error
	handler        WaitForStateHandler
	executor       Executor
}

func newWaitForStateOp(ids []device.ID, targetLastState, target device.State, timeout time.Duration, handler WaitForStateHandler, executor Executor) *WaitForStateOp {
	return &WaitForStateOp{
		opID:            newOpID(),
		targetLastState: targetLastState,
		target:          target,
		sel:             newSelection(ids),
		deadline:        time.Now().Add(timeout),
		handler:         handler,
		executor:        executor,
	}
}

func (o *WaitForStateOp) id() OpID          { return o.opID }
func (o *WaitForStateOp) isCompleted() bool { return o.completed }

func (o *WaitForStateOp) cancel() { o.complete(ErrOperationCanceled) }

func (o *WaitForStateOp) checkTimeout(now time.Time) {
	if !o.completed && now.After(o.deadline) {
		o.complete(ErrOperationTimeout)
	}
}

func (o *WaitForStateOp) complete(err error) {
	if o.completed {
		return
	}
	o.completed = true
	o.err = err
	if o.handler != nil {
		h, e := o.handler, err
		o.executor.Go(func() { h(e) })
	}
}

// OnStateChange applies one device's reported (last, current) state pair.
// The predicate is (targetLastState == Undefined || lastState ==
// targetLastState) && state == target. Per spec.md §4.8, a mismatch simply
// leaves the device outstanding: this operation has no notion of "wrong
// state" failure, only timeout.
func (o *WaitForStateOp) OnStateChange(deviceID device.ID, lastState, state device.State) {
	if o.completed || !o.sel.contains(deviceID) || state != o.target {
		return
	}
	if o.targetLastState != device.Undefined && lastState != o.targetLastState {
		return
	}
	if o.sel.mark(deviceID) && o.sel.done() {
		o.complete(nil)
	}
}

// OnDeviceLost drops a lost device from the selection. A non-expendable
// device's unresolved disappearance still fails the wait, the same as a
// change_state: there is no correct current state left to report.
func (o *WaitForStateOp) OnDeviceLost(deviceID device.ID, verdict Verdict) {
	if o.completed || !o.sel.contains(deviceID) {
		return
	}
	switch verdict {
	case VerdictPropagate:
		o.complete(ErrDeviceChangeStateFailed)
	case VerdictDeviceIgnored, VerdictCollectionIgnored:
		if o.sel.mark(deviceID) && o.sel.done() {
			o.complete(nil)
		}
	}
}

func (o *WaitForStateOp) Err() error { return o.err }
