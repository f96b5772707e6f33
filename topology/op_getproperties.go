package topology

import (
	"time"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
)

// GetPropertiesResult is the accumulated reply of one get_properties
// operation: the matched properties reported by each device that
// satisfied the query.
type GetPropertiesResult struct {
	ByDevice map[device.ID][]command.PropertyKV
	Err      error
}

// GetPropertiesHandler receives the final result of a get_properties
// operation.
type GetPropertiesHandler func(GetPropertiesResult)

// GetPropertiesOp tracks one get_properties request (spec.md §4.9, C9).
// A device that exits after replying keeps the properties it already
// reported. GetProperties has no OnStateChange hook; an unexpected exit of a
// device that has not replied yet reaches the op through OnDeviceLost, which
// drops the device from the selection whatever the verdict, so the op does
// not wait on it until its deadline.
type GetPropertiesOp struct {
	opID       OpID
	queryRegex string
	sel        *selection
	byDevice   map[device.ID][]command.PropertyKV
	deadline   time.Time
	completed  bool
	result     GetPropertiesResult
	handler    GetPropertiesHandler
	executor   Executor
}

func newGetPropertiesOp(ids []device.ID, queryRegex string, timeout time.Duration, handler GetPropertiesHandler, executor Executor) *GetPropertiesOp {
	return &GetPropertiesOp{
		opID:       newOpID(),
		queryRegex: queryRegex,
		sel:        newSelection(ids),
		byDevice:   make(map[device.ID][]command.PropertyKV, len(ids)),
		deadline:   time.Now().Add(timeout),
		handler:    handler,
		executor:   executor,
	}
}

func (o *GetPropertiesOp) id() OpID          { return o.opID }
func (o *GetPropertiesOp) isCompleted() bool { return o.completed }

func (o *GetPropertiesOp) cancel() { o.complete(ErrOperationCanceled) }

func (o *GetPropertiesOp) checkTimeout(now time.Time) {
	if !o.completed && now.After(o.deadline) {
		o.complete(ErrOperationTimeout)
	}
}

func (o *GetPropertiesOp) complete(err error) {
	if o.completed {
		return
	}
	o.completed = true
	o.result = GetPropertiesResult{ByDevice: o.byDevice, Err: err}
	if o.handler != nil {
		h, r := o.handler, o.result
		o.executor.Go(func() { h(r) })
	}
}

// OnProperties records one device's reply.
func (o *GetPropertiesOp) OnProperties(deviceID device.ID, props []command.PropertyKV) {
	if o.completed || !o.sel.contains(deviceID) {
		return
	}
	o.byDevice[deviceID] = props
	if o.sel.mark(deviceID) && o.sel.done() {
		o.complete(nil)
	}
}

// OnDeviceLost drops a lost device from the selection without failing the
// whole operation: a device that disappears mid-query simply contributes
// no properties, matching the "does not propagate to expendable peers"
// rule spec.md §4.9 inherits from GetProperties never blocking on a single
// device the way ChangeState does.
func (o *GetPropertiesOp) OnDeviceLost(deviceID device.ID, _ Verdict) {
	if o.completed || !o.sel.contains(deviceID) {
		return
	}
	if o.sel.mark(deviceID) && o.sel.done() {
		o.complete(nil)
	}
}

func (o *GetPropertiesOp) Result() GetPropertiesResult { return o.result }
