package topology

import (
	"math/rand"
	"time"

	"github.com/devicemesh/topoctl/device"
)

// OpID is a topology operation's unique identifier (spec.md §3: "random
// 64-bit values; uniqueness assumed with high probability; collision is a
// fatal invariant violation").
type OpID uint64

func newOpID() OpID {
	return OpID(rand.Uint64())
}

// Executor decouples completion-handler delivery from the core mutex, per
// spec.md §9 ("prefer queuing the handler invocation to the caller-supplied
// executor to avoid nested locking surprises"). The default,
// GoroutineExecutor, runs handlers on a fresh goroutine; tests can supply
// InlineExecutor, which is synchronous, for deterministic ordering.
type Executor interface {
	Go(func())
}

// GoroutineExecutor is the default Executor: every handler runs on its own
// goroutine, so a caller's completion handler can never reenter the core
// under the topology's mutex.
type GoroutineExecutor struct{}

func (GoroutineExecutor) Go(f func()) { go f() }

// InlineExecutor runs handlers synchronously, in the caller of Go. Topology
// tests use this so completion is observable immediately after the event
// that triggers it, without a synchronization wait.
type InlineExecutor struct{}

func (InlineExecutor) Go(f func()) { f() }

// selection is the shared "which of these devices still owe us something"
// bookkeeping used by all four operation kinds (spec.md §9: "four ops share
// a lifecycle shape"; this is the lifecycle's data, not a base-class
// hierarchy — each operation kind still owns its own update logic).
type selection struct {
	order     []device.ID
	satisfied map[device.ID]bool
}

func newSelection(ids []device.ID) *selection {
	s := &selection{
		order:     make([]device.ID, len(ids)),
		satisfied: make(map[device.ID]bool, len(ids)),
	}
	copy(s.order, ids)
	for _, id := range ids {
		s.satisfied[id] = false
	}

	return s
}

// mark satisfies id, reporting whether it was previously outstanding.
// Marking an id not in the selection, or already satisfied, is a no-op.
func (s *selection) mark(id device.ID) bool {
	v, ok := s.satisfied[id]
	if !ok || v {
		return false
	}
	s.satisfied[id] = true

	return true
}

func (s *selection) contains(id device.ID) bool {
	_, ok := s.satisfied[id]

	return ok
}

func (s *selection) done() bool {
	for _, v := range s.satisfied {
		if !v {
			return false
		}
	}

	return true
}

// remaining returns the outstanding ids in selection order, for deadline
// reporting (spec.md §4.7: "report remaining devices in failed_tasks").
func (s *selection) remaining() []device.ID {
	var out []device.ID
	for _, id := range s.order {
		if !s.satisfied[id] {
			out = append(out, id)
		}
	}

	return out
}

// opHandle is the minimal surface the registry needs to sweep, cancel, and
// time out an operation, regardless of kind.
type opHandle interface {
	id() OpID
	isCompleted() bool
	cancel()
	checkTimeout(now time.Time)
}

// Registry tracks in-flight operations of one kind (spec.md §4.6, C6). Per
// spec.md §9's "four concrete registries" option, one Registry[T] is
// instantiated per operation kind in the Topology facade; it does no
// locking of its own — every call happens under the facade's mutex.
type Registry[T opHandle] struct {
	ops map[OpID]T
}

func NewRegistry[T opHandle]() *Registry[T] {
	return &Registry[T]{ops: make(map[OpID]T)}
}

// Sweep drops every completed entry. Called lazily, at the top of each new
// operation's creation (spec.md §4.6), and only over this registry — the
// original source has a documented copy/paste bug sweeping the wrong
// registry in one call site; this implementation keeps each sweep scoped to
// its own kind (SPEC_FULL.md §4).
func (r *Registry[T]) Sweep() {
	for id, op := range r.ops {
		if op.isCompleted() {
			delete(r.ops, id)
		}
	}
}

func (r *Registry[T]) Insert(op T) {
	r.ops[op.id()] = op
}

func (r *Registry[T]) Get(id OpID) (T, bool) {
	op, ok := r.ops[id]

	return op, ok
}

func (r *Registry[T]) All() []T {
	out := make([]T, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}

	return out
}

// CancelAll completes every still-pending operation with OperationCanceled
// and empties the registry; this is what the facade's destructor calls
// (spec.md §4.11).
func (r *Registry[T]) CancelAll() {
	for _, op := range r.ops {
		if !op.isCompleted() {
			op.cancel()
		}
	}
	r.ops = make(map[OpID]T)
}

// CheckTimeouts completes every operation whose deadline has passed.
func (r *Registry[T]) CheckTimeouts(now time.Time) {
	for _, op := range r.ops {
		op.checkTimeout(now)
	}
}

func (r *Registry[T]) Len() int {
	return len(r.ops)
}
