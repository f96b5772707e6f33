package topology

import (
	"testing"

	"github.com/devicemesh/topoctl/device"
)

func newEngineTestTable() *device.Table {
	collections := map[device.CollectionID]*device.Collection{
		1: {Path: "Group", NMin: 2, NCurrent: 3},
		2: {Path: "NoPolicy", NMin: 0, NCurrent: 2},
	}
	devices := []device.Device{
		{TaskID: 1, CollectionID: 1, Expendable: false},
		{TaskID: 2, CollectionID: 1, Expendable: false},
		{TaskID: 3, CollectionID: 1, Expendable: false},
		{TaskID: 4, Expendable: false},
		{TaskID: 5, CollectionID: 1, Expendable: true},
		{TaskID: 6, CollectionID: 2, Expendable: false},
	}

	return device.NewTable(devices, collections)
}

func TestHandleFailureNonExpendableWithoutCollectionPropagates(t *testing.T) {
	e := NewEngine(newEngineTestTable())
	if v := e.HandleFailure(4); v != VerdictPropagate {
		t.Fatalf("expected VerdictPropagate, got %v", v)
	}
}

// an expendable device is ignored outright and never touches its
// collection's nCurrent count, even though it belongs to one.
func TestHandleFailureExpendableDeviceNeverTouchesCollectionCount(t *testing.T) {
	table := newEngineTestTable()
	e := NewEngine(table)

	if v := e.HandleFailure(5); v != VerdictDeviceIgnored {
		t.Fatalf("expected VerdictDeviceIgnored, got %v", v)
	}
	d, _ := table.Get(5)
	if !d.Ignored {
		t.Fatal("expected device 5 ignored")
	}
	col, _ := table.Collection(1)
	if col.NCurrent != 3 {
		t.Fatalf("expected nCurrent untouched by expendable failure, got %d", col.NCurrent)
	}
}

// a non-expendable device's failure decrements its collection's nCurrent;
// while nCurrent still satisfies nMin, the whole collection is ignored and
// the failure is absorbed.
func TestHandleFailureNonExpendableStillSatisfiesNMinIgnoresCollection(t *testing.T) {
	table := newEngineTestTable()
	e := NewEngine(table)

	v := e.HandleFailure(1)
	if v != VerdictCollectionIgnored {
		t.Fatalf("expected VerdictCollectionIgnored, got %v", v)
	}

	col, _ := table.Collection(1)
	if col.NCurrent != 2 {
		t.Fatalf("expected nCurrent decremented to 2, got %d", col.NCurrent)
	}
	for _, id := range []device.ID{1, 2, 3} {
		d, _ := table.Get(id)
		if !d.Ignored {
			t.Fatalf("expected collection member %d ignored once the collection is dropped", id)
		}
	}
}

// once nCurrent would drop below nMin, the failure cannot be absorbed: it
// propagates and the collection's surviving members are not ignored.
func TestHandleFailureDropsBelowNMinPropagates(t *testing.T) {
	collections := map[device.CollectionID]*device.Collection{
		1: {Path: "Group", NMin: 2, NCurrent: 2},
	}
	devices := []device.Device{
		{TaskID: 1, CollectionID: 1, Expendable: false},
		{TaskID: 2, CollectionID: 1, Expendable: false},
	}
	table := device.NewTable(devices, collections)
	e := NewEngine(table)

	v := e.HandleFailure(1)
	if v != VerdictPropagate {
		t.Fatalf("expected VerdictPropagate, got %v", v)
	}

	d2, _ := table.Get(2)
	if d2.Ignored {
		t.Fatal("expected surviving collection member untouched on propagate")
	}
}

// a collection with no nMin policy defined has no tolerance at all: any
// non-expendable failure in it propagates.
func TestHandleFailureNoNMinPolicyPropagates(t *testing.T) {
	e := NewEngine(newEngineTestTable())
	if v := e.HandleFailure(6); v != VerdictPropagate {
		t.Fatalf("expected VerdictPropagate for a collection with no nMin policy, got %v", v)
	}
}

func TestHandleFailureAlreadyIgnoredIsNoOp(t *testing.T) {
	table := newEngineTestTable()
	e := NewEngine(table)
	table.Ignore(1)

	if v := e.HandleFailure(1); v != VerdictDeviceIgnored {
		t.Fatalf("expected VerdictDeviceIgnored for an already-ignored device, got %v", v)
	}
}
