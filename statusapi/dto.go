package statusapi

import "time"

// DeviceDTO is the wire shape of one device.Table row, the same flattening
// the teacher's worker/api/responses.go applies to its worker stats.
type DeviceDTO struct {
	TaskID       uint64 `json:"task_id"`
	CollectionID uint64 `json:"collection_id,omitempty"`
	Path         string `json:"path"`
	State        string `json:"state"`
	LastState    string `json:"last_state"`
	Expendable   bool   `json:"expendable"`
	Ignored      bool   `json:"ignored"`
	Subscribed   bool   `json:"subscribed_to_state_changes"`
	ExitCode     int    `json:"exit_code,omitempty"`
	Signal       int    `json:"signal,omitempty"`
}

// SnapshotResponseDTO is the /devices response body.
type SnapshotResponseDTO struct {
	Devices         []DeviceDTO `json:"devices"`
	StatePublishers int         `json:"state_publishers"`
	GeneratedAt     time.Time   `json:"generated_at"`
}

// DeviceRequestDTO carries the path parameter for /devices/{task_id}.
type DeviceRequestDTO struct {
	TaskID uint64
}

// OperationsResponseDTO is the /operations response body: in-flight
// operation counts by kind.
type OperationsResponseDTO struct {
	InFlight map[string]int `json:"in_flight"`
}
