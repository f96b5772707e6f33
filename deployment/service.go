// Package deployment describes the lower-level distributed deployment
// service the topology control core consumes (spec.md §6) and provides an
// MQTT-backed implementation plus an in-memory fake for tests. The core
// never reaches past this interface: no session creation, agent
// submission, or task spawning — only task iteration, the per-task exit
// callback, and custom-command pub/sub, matching spec.md §1's explicit
// "out of scope" boundary.
package deployment

import (
	"context"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
)

// TaskInfo is one row of the task iterator a deployment service exposes at
// topology construction (spec.md §6 "iterate_tasks").
type TaskInfo struct {
	TaskID       device.ID
	CollectionID device.CollectionID
	Path         string
	Name         string
	Expendable   bool // bootstrap copy of the nMin policy's expendable set
	NMin         int  // collection's nMin, repeated per member; 0 if unset
}

// ExitEvent is the payload of the per-task exit callback (spec.md §6
// "subscribe_to_task_done").
type ExitEvent struct {
	TaskID   device.ID
	ExitCode int
	Signal   int
	Path     string
	Host     string
	WorkDir  string
}

// CollectionInfo is what lookup_runtime_collection resolves a collection id
// to (spec.md §6).
type CollectionInfo struct {
	Path string
	Name string
}

// CustomCommandHandler receives a raw command payload and the id of the
// device that sent it.
type CustomCommandHandler func(payload []byte, senderID device.ID)

// TaskDoneHandler receives one exit event at a time, in delivery order for
// a given device (spec.md §5 "Ordering guarantees").
type TaskDoneHandler func(ExitEvent)

// Service is the consumed surface of the deployment service (spec.md §6).
// The topology core treats it as an external collaborator: it is never
// responsible for session lifecycle, only for learning about tasks,
// broadcasting commands to them, and being told when they exit.
type Service interface {
	IterateTasks(ctx context.Context, pathFilter string) ([]TaskInfo, error)
	Broadcast(ctx context.Context, env command.Envelope, pathFilter string) error
	SubscribeToCustomCommands(handler CustomCommandHandler) error
	SubscribeToTaskDone(handler TaskDoneHandler) error
	IsRunning() bool
	SessionID() string
	LookupRuntimeCollection(id device.CollectionID) (CollectionInfo, error)
}
