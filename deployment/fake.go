package deployment

import (
	"context"
	"fmt"
	"sync"

	"github.com/0x6flab/namegenerator"
	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
	"github.com/google/uuid"
)

// Fake is an in-memory deployment service double used by topology tests,
// playing the same role the teacher's pkg/orchestration/store.MemoryStateStore
// plays for StateStore: a dependency-free stand-in that exercises the real
// interface without a broker.
type Fake struct {
	mu sync.Mutex

	tasks       []TaskInfo
	collections map[device.CollectionID]CollectionInfo
	running     bool
	session     string

	ccHandlers   []CustomCommandHandler
	doneHandlers []TaskDoneHandler

	Broadcasts []BroadcastRecord
}

// BroadcastRecord captures one Broadcast call, for assertions in tests.
type BroadcastRecord struct {
	Envelope   command.Envelope
	PathFilter string
}

// NewFake builds a fake deployment service with n devices, none in a
// collection and none expendable; WithCollection and WithExpendable adjust
// that layout afterwards. Device names are generated with the same library
// the teacher uses for proplet names.
func NewFake(n int) *Fake {
	namegen := namegenerator.NewGenerator()
	tasks := make([]TaskInfo, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, TaskInfo{
			TaskID: device.ID(i + 1),
			Path:   fmt.Sprintf("Topology/%s", namegen.Generate()),
			Name:   namegen.Generate(),
		})
	}

	return &Fake{
		tasks:       tasks,
		collections: make(map[device.CollectionID]CollectionInfo),
		running:     true,
		session:     uuid.NewString(),
	}
}

// WithCollection assigns a collection id/path/nMin to a contiguous run of
// tasks [start, end) (by index into the task list built in NewFake).
func (f *Fake) WithCollection(id device.CollectionID, path string, nMin, start, end int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := start; i < end && i < len(f.tasks); i++ {
		f.tasks[i].CollectionID = id
		f.tasks[i].NMin = nMin
	}
	f.collections[id] = CollectionInfo{Path: path, Name: path}

	return f
}

// WithExpendable marks the tasks at the given indices as expendable.
func (f *Fake) WithExpendable(indices ...int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, i := range indices {
		if i >= 0 && i < len(f.tasks) {
			f.tasks[i].Expendable = true
		}
	}

	return f
}

func (f *Fake) IterateTasks(_ context.Context, pathFilter string) ([]TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if pathFilter == "" {
		out := make([]TaskInfo, len(f.tasks))
		copy(out, f.tasks)

		return out, nil
	}

	var out []TaskInfo
	for _, ti := range f.tasks {
		if ti.Path == pathFilter {
			out = append(out, ti)
		}
	}

	return out, nil
}

func (f *Fake) Broadcast(_ context.Context, env command.Envelope, pathFilter string) error {
	f.mu.Lock()
	f.Broadcasts = append(f.Broadcasts, BroadcastRecord{Envelope: env, PathFilter: pathFilter})
	f.mu.Unlock()

	return nil
}

func (f *Fake) SubscribeToCustomCommands(handler CustomCommandHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ccHandlers = append(f.ccHandlers, handler)

	return nil
}

func (f *Fake) SubscribeToTaskDone(handler TaskDoneHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneHandlers = append(f.doneHandlers, handler)

	return nil
}

func (f *Fake) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.running
}

func (f *Fake) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *Fake) SessionID() string {
	return f.session
}

func (f *Fake) LookupRuntimeCollection(id device.CollectionID) (CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ci, ok := f.collections[id]
	if !ok {
		return CollectionInfo{}, fmt.Errorf("deployment: collection %d not found", id)
	}

	return ci, nil
}

// DeliverCustomCommand feeds a reply envelope to every registered custom
// command handler, simulating a device's reply arriving over the wire.
func (f *Fake) DeliverCustomCommand(senderID device.ID, env command.Envelope) {
	data, _ := env.Marshal()

	f.mu.Lock()
	handlers := append([]CustomCommandHandler(nil), f.ccHandlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(data, senderID)
	}
}

// DeliverExit feeds an exit event to every registered task-done handler,
// simulating the deployment service noticing a device process terminated.
func (f *Fake) DeliverExit(ev ExitEvent) {
	f.mu.Lock()
	handlers := append([]TaskDoneHandler(nil), f.doneHandlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
