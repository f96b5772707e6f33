package topology

import (
	"time"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
)

// SetPropertiesHandler receives the final error for a set_properties
// operation (nil on success).
type SetPropertiesHandler func(err error)

// SetPropertiesOp tracks one set_properties request (spec.md §4.10, C10):
// broadcast the key/value pairs, wait for every selected device's
// properties_set ack, same lifecycle shape as ChangeStateOp but with no
// state-machine target.
type SetPropertiesOp struct {
	opID      OpID
	props     []command.PropertyKV
	sel       *selection
	deadline  time.Time
	completed bool
	err       error
	handler   SetPropertiesHandler
	executor  Executor
}

func newSetPropertiesOp(ids []device.ID, props []command.PropertyKV, timeout time.Duration, handler SetPropertiesHandler, executor Executor) *SetPropertiesOp {
	return &SetPropertiesOp{
		opID:     newOpID(),
		props:    props,
		sel:      newSelection(ids),
		deadline: time.Now().Add(timeout),
		handler:  handler,
		executor: executor,
	}
}

func (o *SetPropertiesOp) id() OpID          { return o.opID }
func (o *SetPropertiesOp) isCompleted() bool { return o.completed }

func (o *SetPropertiesOp) cancel() { o.complete(ErrOperationCanceled) }

func (o *SetPropertiesOp) checkTimeout(now time.Time) {
	if !o.completed && now.After(o.deadline) {
		o.complete(ErrOperationTimeout)
	}
}

func (o *SetPropertiesOp) complete(err error) {
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

// OnPropertiesSet applies a device's ack to the set_properties request.
func (o *SetPropertiesOp) OnPropertiesSet(deviceID device.ID, result command.Result) {
	if o.completed || !o.sel.contains(deviceID) {
		return
	}
	if result == command.ResultFailure {
		o.complete(ErrDeviceSetPropertiesFailed)

		return
	}
	if o.sel.mark(deviceID) && o.sel.done() {
		o.complete(nil)
	}
}

// OnDeviceLost mirrors ChangeStateOp: a non-expendable device's
// disappearance fails the operation, an expendable one's just drops out.
func (o *SetPropertiesOp) OnDeviceLost(deviceID device.ID, verdict Verdict) {
	if o.completed || !o.sel.contains(deviceID) {
		return
	}
	switch verdict {
	case VerdictPropagate:
		o.complete(ErrDeviceSetPropertiesFailed)
	case VerdictDeviceIgnored, VerdictCollectionIgnored:
		if o.sel.mark(deviceID) && o.sel.done() {
			o.complete(nil)
		}
	}
}

func (o *SetPropertiesOp) Err() error { return o.err }
