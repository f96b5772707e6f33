// Package statusapi exposes a read-only HTTP introspection surface over a
// running topology.Topology: the current device table and in-flight
// operation counts. It never drives a transition or a property change;
// that is out of this package's scope, the same way the teacher's
// worker/api package only ever reads worker stats, never commands a
// worker.
package statusapi

import (
	"time"

	"github.com/devicemesh/topoctl/device"
	"github.com/devicemesh/topoctl/topology"
)

// StatusService is the narrow surface statusapi needs from a
// topology.Topology; defined as an interface so tests can substitute a
// stub without standing up a full Topology.
type StatusService interface {
	Snapshot() []device.Device
	Device(id device.ID) (device.Device, bool)
	StatePublishers() int
	InFlightCounts() map[string]int
}

var _ StatusService = (*topology.Topology)(nil)

func toDTO(d device.Device) DeviceDTO {
	return DeviceDTO{
		TaskID:       uint64(d.TaskID),
		CollectionID: uint64(d.CollectionID),
		Path:         d.Path,
		State:        d.State.String(),
		LastState:    d.LastState.String(),
		Expendable:   d.Expendable,
		Ignored:      d.Ignored,
		Subscribed:   d.SubscribedToStateChanges,
		ExitCode:     d.ExitCode,
		Signal:       d.Signal,
	}
}

func snapshot(svc StatusService) SnapshotResponseDTO {
	devices := svc.Snapshot()
	dtos := make([]DeviceDTO, len(devices))
	for i, d := range devices {
		dtos[i] = toDTO(d)
	}

	return SnapshotResponseDTO{
		Devices:         dtos,
		StatePublishers: svc.StatePublishers(),
		GeneratedAt:     time.Now(),
	}
}
