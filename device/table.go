package device

import "fmt"

// ID is the opaque 64-bit task id the deployment service assigns to a
// device. It never changes for the life of the topology.
type ID uint64

// CollectionID identifies a co-scheduled group of devices. Zero means "no
// collection".
type CollectionID uint64

// Device is one row of the dense device state table (spec.md §3, C1).
type Device struct {
	TaskID       ID
	CollectionID CollectionID
	Path         string // the device's task path, e.g. "SamplerTopology/Sampler_1"

	Expendable bool // immutable, set at construction from the provided expendable set
	Ignored    bool // monotonic: once true, never false

	SubscribedToStateChanges bool

	State     State
	LastState State

	ExitCode int // valid only after an exit event
	Signal   int // valid only after an exit event
}

// Collection tracks the nMin policy for one co-scheduled group (spec.md §3).
type Collection struct {
	Path      string
	NMin      int
	NCurrent  int
}

// Table is the dense, index-stable device state table. All reads and
// writes are expected to happen while the owning topology's core mutex is
// held; Table itself does no locking, matching the teacher's pattern of a
// single caller-held mutex serializing every mutation to shared state
// (manager/service.go's svc.aggMu is the analogous lock for its narrower
// aggregation-dedup concern; here the lock covers the whole table).
type Table struct {
	devices []Device
	byID    map[ID]int // task id -> index into devices

	numPublishers int
	collections   map[CollectionID]*Collection
}

// NewTable builds the table once, from the deployment service's task
// iterator. The index mapping is stable for the life of the topology: no
// resizing operation is ever exposed.
func NewTable(devices []Device, collections map[CollectionID]*Collection) *Table {
	t := &Table{
		devices:     make([]Device, len(devices)),
		byID:        make(map[ID]int, len(devices)),
		collections: collections,
	}
	if t.collections == nil {
		t.collections = make(map[CollectionID]*Collection)
	}
	copy(t.devices, devices)
	for i, d := range t.devices {
		t.byID[d.TaskID] = i
	}

	return t
}

// Len returns the number of devices in the table (including ignored ones).
func (t *Table) Len() int {
	return len(t.devices)
}

// All returns every device row, by value, in table order.
func (t *Table) All() []Device {
	out := make([]Device, len(t.devices))
	copy(out, t.devices)

	return out
}

// Get returns the current row for a task id.
func (t *Table) Get(id ID) (Device, bool) {
	idx, ok := t.byID[id]
	if !ok {
		return Device{}, false
	}

	return t.devices[idx], true
}

// Mutate applies fn to the row for id and returns false if id is unknown.
// Callers hold the topology's core mutex around this call; Mutate itself
// has no synchronization of its own.
func (t *Table) Mutate(id ID, fn func(*Device)) bool {
	idx, ok := t.byID[id]
	if !ok {
		return false
	}
	fn(&t.devices[idx])

	return true
}

// GetTasks filters the table by task path (empty selects all) and omits
// ignored devices. Path filtering against the deployment service's naming
// is the caller's job (spec.md §4.1: "Path filtering is delegated to the
// external topology"); GetTasks only applies the prefix match plus the
// !ignored intersection.
func (t *Table) GetTasks(path string) []Device {
	out := make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		if d.Ignored {
			continue
		}
		if path != "" && !pathMatches(d.Path, path) {
			continue
		}
		out = append(out, d)
	}

	return out
}

func pathMatches(devicePath, selector string) bool {
	if selector == devicePath {
		return true
	}
	// a selector ending in a path is treated as a prefix, mirroring DDS
	// topology path semantics ("Group1" selects every device under it).
	n := len(selector)

	return len(devicePath) > n && devicePath[:n] == selector && devicePath[n] == '/'
}

// Ignore marks a device ignored, clearing its subscription if it held one.
// Monotonic: calling Ignore on an already-ignored device is a no-op.
func (t *Table) Ignore(id ID) {
	t.Mutate(id, func(d *Device) {
		if d.Ignored {
			return
		}
		d.Ignored = true
		if d.SubscribedToStateChanges {
			d.SubscribedToStateChanges = false
			t.numPublishers--
		}
	})
}

// IgnoreCollection ignores every device belonging to collectionID.
func (t *Table) IgnoreCollection(collectionID CollectionID) {
	if collectionID == 0 {
		return
	}
	for i := range t.devices {
		if t.devices[i].CollectionID == collectionID {
			t.Ignore(t.devices[i].TaskID)
		}
	}
}

// Collection returns the nMin bookkeeping for a collection id.
func (t *Table) Collection(id CollectionID) (*Collection, bool) {
	c, ok := t.collections[id]

	return c, ok
}

// NumStatePublishers is the count of devices currently forwarding state
// changes to this controller; invariant 2 in spec.md §8 ties it to
// count(subscribed_to_state_changes).
func (t *Table) NumStatePublishers() int {
	return t.numPublishers
}

// SetSubscribed flips the subscription flag for id and maintains the
// publisher count invariant. Setting the flag to the value it already has
// (such as a duplicate Subscribe ack) is a no-op, and so is any call for an
// ignored device.
func (t *Table) SetSubscribed(id ID, subscribed bool) {
	t.Mutate(id, func(d *Device) {
		if d.Ignored {
			return
		}
		if d.SubscribedToStateChanges == subscribed {
			return
		}
		d.SubscribedToStateChanges = subscribed
		if subscribed {
			t.numPublishers++
		} else {
			t.numPublishers--
		}
	})
}

// CheckInvariants validates the table's structural invariants; used by
// tests, never by the hot path.
func (t *Table) CheckInvariants() error {
	publishers := 0
	for _, d := range t.devices {
		if d.Ignored && d.SubscribedToStateChanges {
			return fmt.Errorf("device %d: ignored but still subscribed", d.TaskID)
		}
		if d.SubscribedToStateChanges {
			publishers++
		}
	}
	if publishers != t.numPublishers {
		return fmt.Errorf("publisher count mismatch: tracked %d, actual %d", t.numPublishers, publishers)
	}

	return nil
}
