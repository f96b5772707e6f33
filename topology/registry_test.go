package topology

import (
	"testing"
	"time"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
)

func TestSelectionDoneOnEmpty(t *testing.T) {
	sel := newSelection(nil)
	if !sel.done() {
		t.Fatal("expected an empty selection to be immediately done")
	}
}

func TestSelectionMarkIsIdempotent(t *testing.T) {
	sel := newSelection([]device.ID{1, 2})
	if !sel.mark(1) {
		t.Fatal("expected first mark to report newly satisfied")
	}
	if sel.mark(1) {
		t.Fatal("expected second mark of the same id to report false")
	}
	if sel.done() {
		t.Fatal("expected selection not done with one outstanding id")
	}
	sel.mark(2)
	if !sel.done() {
		t.Fatal("expected selection done once every id is marked")
	}
}

func TestSelectionMarkUnknownID(t *testing.T) {
	sel := newSelection([]device.ID{1})
	if sel.mark(99) {
		t.Fatal("expected marking an id outside the selection to report false")
	}
}

func TestSelectionRemaining(t *testing.T) {
	sel := newSelection([]device.ID{1, 2, 3})
	sel.mark(2)
	remaining := sel.remaining()
	if len(remaining) != 2 || remaining[0] != 1 || remaining[1] != 3 {
		t.Fatalf("unexpected remaining set: %v", remaining)
	}
}

func TestRegistrySweepDropsOnlyCompleted(t *testing.T) {
	r := NewRegistry[*ChangeStateOp]()
	pending := newChangeStateOp([]device.ID{1}, command.InitDevice, device.InitializingDevice, time.Minute, nil, InlineExecutor{})
	completed := newChangeStateOp(nil, command.InitDevice, device.InitializingDevice, time.Minute, nil, InlineExecutor{})
	completed.complete(nil)

	r.Insert(pending)
	r.Insert(completed)
	r.Sweep()

	if r.Len() != 1 {
		t.Fatalf("expected 1 entry after sweep, got %d", r.Len())
	}
	if _, ok := r.Get(pending.id()); !ok {
		t.Fatal("expected pending operation to survive sweep")
	}
}

func TestRegistryCancelAllCompletesEveryPendingOp(t *testing.T) {
	r := NewRegistry[*ChangeStateOp]()
	var got error
	op := newChangeStateOp([]device.ID{1}, command.InitDevice, device.InitializingDevice, time.Minute, func(err error) { got = err }, InlineExecutor{})
	r.Insert(op)

	r.CancelAll()

	if got != ErrOperationCanceled {
		t.Fatalf("expected ErrOperationCanceled, got %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry emptied after CancelAll, got %d entries", r.Len())
	}
}

func TestRegistryCheckTimeouts(t *testing.T) {
	r := NewRegistry[*ChangeStateOp]()
	var got error
	op := newChangeStateOp([]device.ID{1}, command.InitDevice, device.InitializingDevice, time.Millisecond, func(err error) { got = err }, InlineExecutor{})
	r.Insert(op)

	r.CheckTimeouts(time.Now().Add(time.Hour))

	if got != ErrOperationTimeout {
		t.Fatalf("expected ErrOperationTimeout, got %v", got)
	}
}
