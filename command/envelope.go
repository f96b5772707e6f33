// Package command defines the typed envelope exchanged between the
// controller and devices over the pub/sub channel (spec.md §3 "Command
// envelope", §6 "Outbound command envelope"/"Inbound"). Encoding is JSON,
// matching the teacher's wire format (pkg/mqtt publishes/receives
// map[string]any decoded from JSON); the contract the core relies on is the
// strict Go type on either side of (Marshal, Unmarshal), not the bytes.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/devicemesh/topoctl/device"
)

// Type tags the envelope's Body.
type Type string

const (
	TypeSubscribeToStateChange     Type = "subscribe_to_state_change"
	TypeSubscriptionHeartbeat      Type = "subscription_heartbeat"
	TypeUnsubscribeFromStateChange Type = "unsubscribe_from_state_change"
	TypeChangeState                Type = "change_state"
	TypeGetProperties              Type = "get_properties"
	TypeSetProperties              Type = "set_properties"
	TypeStateChangeSubscription    Type = "state_change_subscription"
	TypeStateChangeUnsubscription  Type = "state_change_unsubscription"
	TypeStateChange                Type = "state_change"
	TypeTransitionStatus           Type = "transition_status"
	TypeProperties                 Type = "properties"
	TypePropertiesSet              Type = "properties_set"
)

// Result is the outcome code carried by inbound replies, where applicable.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Transition is an edge in the device state machine the controller may
// command (spec.md §4.7, §4.11 device state machine diagram).
type Transition string

const (
	InitDevice   Transition = "init_device"
	CompleteInit Transition = "complete_init"
	Bind         Transition = "bind"
	Connect      Transition = "connect"
	InitTask     Transition = "init_task"
	Run          Transition = "run"
	Stop         Transition = "stop"
	ResetTask    Transition = "reset_task"
	ResetDevice  Transition = "reset_device"
	End          Transition = "end"
	ErrorFound   Transition = "error_found"
)

// targetState is the deterministic function of Transition described in
// spec.md §4.7. ErrorFound maps to device.Error like any other entry.
var targetState = map[Transition]device.State{
	InitDevice:   device.InitializingDevice,
	CompleteInit: device.Initialized,
	Bind:         device.Bound,
	Connect:      device.DeviceReady,
	InitTask:     device.Ready,
	Run:          device.Running,
	Stop:         device.Ready,
	ResetTask:    device.DeviceReady,
	ResetDevice:  device.Idle,
	End:          device.Exiting,
	ErrorFound:   device.Error,
}

// TargetState returns the deterministic target state for a transition and
// whether the transition is recognized.
func TargetState(t Transition) (device.State, bool) {
	s, ok := targetState[t]

	return s, ok
}

// PropertyKV is one property key/value pair, used both in SetProperties
// requests and in Properties/PropertiesSet replies.
type PropertyKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Envelope is the tagged union over every message the controller and a
// device exchange. Only the fields relevant to Type are populated; the
// zero value of an unused field is never semantically meaningful.
type Envelope struct {
	Type      Type    `json:"type"`
	RequestID uint64  `json:"request_id,omitempty"`
	Result    *Result `json:"result,omitempty"`

	// Outbound bodies.
	IntervalMS uint64       `json:"interval_ms,omitempty"`
	Transition Transition   `json:"transition,omitempty"`
	QueryRegex string       `json:"query_regex,omitempty"`
	Properties []PropertyKV `json:"properties,omitempty"`

	// Inbound bodies.
	DeviceID     uint64       `json:"device_id,omitempty"`
	TaskID       device.ID    `json:"task_id,omitempty"`
	LastState    device.State `json:"last_state,omitempty"`
	CurrentState device.State `json:"current_state,omitempty"`
	ReplyProps   []PropertyKV `json:"props,omitempty"`
}

// Marshal encodes the envelope as the wire payload sent over the pub/sub
// transport (pkg/mqtt.PubSub.Publish takes an `any` and JSON-encodes it
// itself; Marshal exists for callers, such as tests, that need the raw
// bytes without going through a PubSub).
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire payload into an Envelope, validating that Type
// is non-empty. Internal deserialization errors are the caller's
// responsibility to log and drop per spec.md §7 ("the offending update is
// dropped").
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("command: decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("command: envelope missing type")
	}

	return e, nil
}
