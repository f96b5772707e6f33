package topology

import (
	"time"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
)

// ChangeStateHandler receives the final error for a change_state operation
// (nil on success), per spec.md §4.7.
type ChangeStateHandler func(err error)

// ChangeStateOp tracks one change_state request across a selection of
// devices (spec.md §4.7, C7): broadcast the transition, wait for every
// selected device's state_change reaching the target state, and complete
// as soon as the selection is satisfied, any device reports failure, or the
// deadline passes.
type ChangeStateOp struct {
	opID       OpID
	transition command.Transition
	target     device.State
	sel        *selection
	deadline   time.Time
	completed  bool
	err        error
	handler    ChangeStateHandler
	executor   Executor
}

func newChangeStateOp(ids []device.ID, transition command.Transition, target device.State, timeout time.Duration, handler ChangeStateHandler, executor Executor) *ChangeStateOp {
	return &ChangeStateOp{
		opID:       newOpID(),
		transition: transition,
		target:     target,
		sel:        newSelection(ids),
		deadline:   time.Now().Add(timeout),
		handler:    handler,
		executor:   executor,
	}
}

func (o *ChangeStateOp) id() OpID         { return o.opID }
func (o *ChangeStateOp) isCompleted() bool { return o.completed }

func (o *ChangeStateOp) cancel() { o.complete(ErrOperationCanceled) }

func (o *ChangeStateOp) checkTimeout(now time.Time) {
	if !o.completed && now.After(o.deadline) {
		o.complete(ErrOperationTimeout)
	}
}

func (o *ChangeStateOp) complete(err error) {
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

// OnStateChange tallies a device that has reached the operation's target
// state. The operation is driven to completion from here, the same way
// the table itself is updated from a state_change reply: transition_status
// carries failures, not the success tally.
func (o *ChangeStateOp) OnStateChange(deviceID device.ID, state device.State) {
	if o.completed || !o.sel.contains(deviceID) || state != o.target {
		return
	}
	if o.sel.mark(deviceID) && o.sel.done() {
		o.complete(nil)
	}
}

// OnTransitionStatus applies a device's reply to the change_state request.
// Only a reported failure does anything here: it fails the whole
// operation, unless the device is already at the requested target state,
// in which case the refusal is not a failure and the eventual state_change
// reply (or the fact that it's already there) drives completion instead.
func (o *ChangeStateOp) OnTransitionStatus(deviceID device.ID, result command.Result, currentState device.State) {
	if o.completed || !o.sel.contains(deviceID) || result != command.ResultFailure {
		return
	}
	if currentState == o.target {
		return
	}
	o.complete(ErrDeviceChangeStateInvalidTransition)
}

// OnDeviceLost applies an Expendability Engine verdict for a device this
// operation is still waiting on. A non-expendable device's failure fails
// the operation; an expendable one's failure (or its collection's) simply
// drops it from the selection.
func (o *ChangeStateOp) OnDeviceLost(deviceID device.ID, verdict Verdict) {
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

func (o *ChangeStateOp) Err() error { return o.err }
