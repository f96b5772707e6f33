package topology

import "github.com/devicemesh/topoctl/device"

// Verdict is the Expendability Engine's answer to "what happens to the rest
// of the topology when this device fails or disappears" (spec.md §4.5, C5).
type Verdict int

const (
	// VerdictPropagate means the failure cannot be absorbed: either the
	// device was not expendable and carried no collection, or its
	// collection's nCurrent has dropped below nMin. The caller must fail
	// the operation.
	VerdictPropagate Verdict = iota
	// VerdictDeviceIgnored means only this one device was ignored: it was
	// already ignored, or it was expendable.
	VerdictDeviceIgnored
	// VerdictCollectionIgnored means a non-expendable device's failure
	// still left its collection's nCurrent at or above nMin, so the whole
	// collection was ignored along with it.
	VerdictCollectionIgnored
)

// Engine decides, from a device's expendable flag and its collection's
// nMin policy, whether one device's failure can be absorbed or must bubble
// up (spec.md §3: "a collection becomes non-viable once fewer than nMin of
// its devices remain"). It mutates only the device.Table passed in; it has
// no deployment-service or registry dependencies of its own, the same way
// the teacher's pkg/orchestration/scheduler.go decides placement purely
// from the state it's handed.
type Engine struct {
	table *device.Table
}

func NewEngine(table *device.Table) *Engine {
	return &Engine{table: table}
}

// HandleFailure records that device id has failed or disappeared and
// returns the resulting verdict. Callers (the exit sink and the four
// operation kinds) use the verdict to decide whether to fail their own
// pending selection entry for id, or to additionally fail every other
// entry for devices in the same now-ignored collection.
//
// An already-ignored device is trivially ignorable. An expendable device
// is ignored outright and never touches its collection's nCurrent count.
// A non-expendable device decrements its collection's nCurrent: if that
// still satisfies nMin the whole collection is ignored along with it, but
// once nCurrent would drop below nMin (or the device carries no collection
// at all) the failure must propagate.
func (e *Engine) HandleFailure(id device.ID) Verdict {
	dev, ok := e.table.Get(id)
	if !ok || dev.Ignored {
		return VerdictDeviceIgnored
	}

	if dev.Expendable {
		e.table.Ignore(id)

		return VerdictDeviceIgnored
	}

	if dev.CollectionID == 0 {
		return VerdictPropagate
	}

	col, ok := e.table.Collection(dev.CollectionID)
	if !ok {
		return VerdictPropagate
	}
	col.NCurrent--

	if col.NMin == 0 {
		// no nMin policy defined for this collection: no tolerance, the
		// failure cannot be absorbed.
		return VerdictPropagate
	}
	if col.NCurrent < col.NMin {
		return VerdictPropagate
	}

	e.table.IgnoreCollection(dev.CollectionID)

	return VerdictCollectionIgnored
}

// IgnoredCollectionMembers returns every device in collectionID, once
// HandleFailure has returned VerdictCollectionIgnored for one of its
// members, so callers can mark every pending selection entry belonging to
// the collection, not just the one device that triggered the verdict.
func (e *Engine) IgnoredCollectionMembers(collectionID device.CollectionID) []device.ID {
	if collectionID == 0 {
		return nil
	}

	var out []device.ID
	for _, d := range e.table.All() {
		if d.CollectionID == collectionID {
			out = append(out, d.TaskID)
		}
	}

	return out
}
