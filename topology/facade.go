// Package topology implements the topology control core (spec.md §1): the
// coordinator that drives a collection of distributed devices through a
// shared state machine over an async request/response channel, tolerating
// partial failure via the nMin/expendable policy. Topology is the facade
// (C11) gluing together the device table (C1), subscription manager (C3),
// exit sink (C4), expendability engine (C5), and the four operation
// registries (C7-C10), the same way the teacher's manager/service.go is the
// one facade sitting on top of its narrower store/executor/emitter trio.
package topology

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/deployment"
	"github.com/devicemesh/topoctl/device"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Config bounds the facade's timing and concurrency behavior; all fields
// have the fallbacks spec.md §4 documents if left zero.
type Config struct {
	// DefaultTimeout is applied to any operation constructed with timeout
	// <= 0.
	DefaultTimeout time.Duration
	// HeartbeatInterval is advertised to devices on SubscribeAll and used
	// as the period of the heartbeat loop Start kicks off.
	HeartbeatInterval time.Duration
	// MaxConcurrentSyncCalls bounds how many blocking entry points
	// (ChangeState, WaitForState, ...) may be in flight at once; extra
	// callers queue on the semaphore rather than piling up unboundedly
	// (spec.md §4.2: "synchronous calls are blocking wrappers around the
	// async path, not a second code path").
	MaxConcurrentSyncCalls int64
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 600000 * time.Millisecond
	}
	if c.MaxConcurrentSyncCalls <= 0 {
		c.MaxConcurrentSyncCalls = 64
	}

	return c
}

// Topology is the topology control core's public facade. Every exported
// method is safe for concurrent use; a single mutex serializes all access
// to the device table and the four operation registries, matching the
// teacher's single svc.mu pattern rather than per-field locks.
type Topology struct {
	mu sync.Mutex

	cfg    Config
	table  *device.Table
	svc    deployment.Service
	logger *slog.Logger
	tracer trace.Tracer

	subMgr    *SubscriptionManager
	expEngine *Engine
	exitSink  *ExitSink

	executor Executor
	sem      *semaphore.Weighted
	metrics  *Metrics

	changeStateOps   *Registry[*ChangeStateOp]
	waitForStateOps  *Registry[*WaitForStateOp]
	getPropertiesOps *Registry[*GetPropertiesOp]
	setPropertiesOps *Registry[*SetPropertiesOp]

	stopHeartbeat context.CancelFunc

	// runNr counts activations of this topology (spec.md GLOSSARY "Run
	// number"; SPEC_FULL.md §4 carries it through from the original
	// source's lastRunNr, stamped into every log line Start emits).
	runNr atomic.Uint64
}

// New builds a Topology from the deployment service's current task list
// (spec.md §3 "Lifecycle": the device table is built once and never
// resized). It subscribes to exit events and custom-command replies before
// returning, so no device reply can be missed between construction and the
// caller's first operation.
func New(ctx context.Context, svc deployment.Service, cfg Config, logger *slog.Logger, metrics *Metrics) (*Topology, error) {
	cfg = cfg.withDefaults()

	tasks, err := svc.IterateTasks(ctx, "")
	if err != nil {
		return nil, err
	}

	devices := make([]device.Device, 0, len(tasks))
	collections := make(map[device.CollectionID]*device.Collection)
	for _, ti := range tasks {
		devices = append(devices, device.Device{
			TaskID:       ti.TaskID,
			CollectionID: ti.CollectionID,
			Path:         ti.Path,
			Expendable:   ti.Expendable,
			State:        device.Idle,
		})
		if ti.CollectionID == 0 {
			continue
		}
		c, ok := collections[ti.CollectionID]
		if !ok {
			c = &device.Collection{Path: ti.Path, NMin: ti.NMin}
			collections[ti.CollectionID] = c
		}
		c.NCurrent++
	}
	table := device.NewTable(devices, collections)

	t := &Topology{
		cfg:              cfg,
		table:            table,
		svc:              svc,
		logger:           logger,
		tracer:           otel.Tracer("topoctl/topology"),
		executor:         GoroutineExecutor{},
		sem:              semaphore.NewWeighted(cfg.MaxConcurrentSyncCalls),
		metrics:          metrics,
		changeStateOps:   NewRegistry[*ChangeStateOp](),
		waitForStateOps:  NewRegistry[*WaitForStateOp](),
		getPropertiesOps: NewRegistry[*GetPropertiesOp](),
		setPropertiesOps: NewRegistry[*SetPropertiesOp](),
	}
	t.expEngine = NewEngine(table)
	t.subMgr = NewSubscriptionManager(table, svc, logger)
	t.exitSink = NewExitSink(table, t.expEngine, logger, t.onDeviceLost)

	if err := svc.SubscribeToTaskDone(t.exitSink.HandleExit); err != nil {
		return nil, err
	}
	if err := svc.SubscribeToCustomCommands(t.handleReply); err != nil {
		return nil, err
	}

	return t, nil
}

// Start subscribes every device to state changes and blocks until at least
// minPublishers are confirmed, then launches the periodic heartbeat loop
// (spec.md §4.3). It is the Connect-time entry point; a minPublishers of 0
// skips the wait, so Start returns once the subscribe broadcast is sent.
func (t *Topology) Start(ctx context.Context, minPublishers int) error {
	runNr := t.runNr.Add(1)
	t.logger.Info("topology: activating", slog.Uint64("run_nr", runNr))

	if err := t.subMgr.SubscribeAll(ctx, t.cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := t.subMgr.BlockUntilConnected(ctx, minPublishers); err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	t.stopHeartbeat = cancel
	go t.heartbeatLoop(hbCtx)

	return nil
}

func (t *Topology) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.subMgr.Heartbeat(ctx); err != nil {
				t.logger.Warn("topology: heartbeat broadcast failed", slog.Any("error", err))
			}
		}
	}
}

// Shutdown cancels every in-flight operation with ErrOperationCanceled,
// tears down subscriptions, and stops the heartbeat loop. It is the
// facade's destructor (spec.md §4.11); it does not stop the deployment
// service itself, which outlives any one Topology.
func (t *Topology) Shutdown(ctx context.Context) {
	if t.stopHeartbeat != nil {
		t.stopHeartbeat()
	}

	t.mu.Lock()
	t.changeStateOps.CancelAll()
	t.waitForStateOps.CancelAll()
	t.getPropertiesOps.CancelAll()
	t.setPropertiesOps.CancelAll()
	t.mu.Unlock()

	if err := t.subMgr.UnsubscribeAll(ctx); err != nil {
		t.logger.Warn("topology: unsubscribe during shutdown failed", slog.Any("error", err))
	}
}

// onDeviceLost fans an Expendability Engine verdict out to every operation
// registry. It is the DeviceLostHandler passed to the exit sink. On
// VerdictCollectionIgnored the triggering device was not the only one
// ignored: every other member of the collection was ignored too, so every
// op's pending selection entry for each of them is marked at the same time,
// rather than leaving them outstanding until their own timeout.
func (t *Topology) onDeviceLost(id device.ID, verdict Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.metrics != nil {
		if verdict != VerdictPropagate {
			t.metrics.ObserveDeviceIgnored()
		}
		if verdict == VerdictCollectionIgnored {
			t.metrics.ObserveCollectionLost()
		}
		t.metrics.SetStatePublishers(t.table.NumStatePublishers())
	}

	ids := []device.ID{id}
	if verdict == VerdictCollectionIgnored {
		if dev, ok := t.table.Get(id); ok {
			ids = t.expEngine.IgnoredCollectionMembers(dev.CollectionID)
		}
	}

	for _, lostID := range ids {
		for _, op := range t.changeStateOps.All() {
			op.OnDeviceLost(lostID, verdict)
		}
		for _, op := range t.waitForStateOps.All() {
			op.OnDeviceLost(lostID, verdict)
		}
		for _, op := range t.getPropertiesOps.All() {
			op.OnDeviceLost(lostID, verdict)
		}
		for _, op := range t.setPropertiesOps.All() {
			op.OnDeviceLost(lostID, verdict)
		}
	}
}

// handleReply dispatches one decoded envelope from a device to the state
// table and the relevant operation registry. It is the
// deployment.CustomCommandHandler passed at construction.
func (t *Topology) handleReply(payload []byte, senderID device.ID) {
	env, err := command.Unmarshal(payload)
	if err != nil {
		t.logger.Warn("topology: malformed device reply", slog.Any("error", err))

		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch env.Type {
	case command.TypeStateChangeSubscription:
		t.subMgr.HandleSubscriptionAck(senderID, env)
		if t.metrics != nil {
			t.metrics.SetStatePublishers(t.table.NumStatePublishers())
		}
	case command.TypeStateChangeUnsubscription:
		t.subMgr.HandleUnsubscriptionAck(senderID, env)
		if t.metrics != nil {
			t.metrics.SetStatePublishers(t.table.NumStatePublishers())
		}
	case command.TypeStateChange:
		t.table.Mutate(senderID, func(d *device.Device) {
			d.LastState = env.LastState
			d.State = env.CurrentState
		})
		for _, op := range t.changeStateOps.All() {
			op.OnStateChange(senderID, env.CurrentState)
		}
		for _, op := range t.waitForStateOps.All() {
			op.OnStateChange(senderID, env.LastState, env.CurrentState)
		}
	case command.TypeTransitionStatus:
		if env.Result == nil {
			return
		}
		for _, op := range t.changeStateOps.All() {
			op.OnTransitionStatus(senderID, *env.Result, env.CurrentState)
		}
	case command.TypeProperties:
		for _, op := range t.getPropertiesOps.All() {
			op.OnProperties(senderID, env.ReplyProps)
		}
	case command.TypePropertiesSet:
		if env.Result == nil {
			return
		}
		for _, op := range t.setPropertiesOps.All() {
			op.OnPropertiesSet(senderID, *env.Result)
		}
	}
}

func (t *Topology) timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return t.cfg.DefaultTimeout
	}

	return timeout
}

// AsyncChangeState broadcasts transition to every device matching path and
// invokes handler once every device has replied, one has refused, a lost
// device's failure propagated, or timeout elapses (spec.md §4.7).
func (t *Topology) AsyncChangeState(ctx context.Context, path string, transition command.Transition, timeout time.Duration, handler ChangeStateHandler) (OpID, error) {
	target, ok := command.TargetState(transition)
	if !ok {
		return 0, ErrUnknownTransition
	}

	start := time.Now()
	wrapped := func(err error) {
		if t.metrics != nil {
			t.metrics.ObserveOperation("change_state", err, time.Since(start).Seconds())
		}
		if handler != nil {
			handler(err)
		}
	}

	t.mu.Lock()
	t.changeStateOps.Sweep()
	ids := taskIDs(t.table.GetTasks(path))
	op := newChangeStateOp(ids, transition, target, t.timeoutOrDefault(timeout), wrapped, t.executor)
	t.changeStateOps.Insert(op)
	if op.sel.done() {
		op.complete(nil)
	}
	t.mu.Unlock()

	ctx, span := t.tracer.Start(ctx, "topology.change_state",
		trace.WithAttributes(attribute.String("transition", string(transition)), attribute.String("path", path)))
	defer span.End()

	if len(ids) == 0 {
		return op.opID, nil
	}

	env := command.Envelope{Type: command.TypeChangeState, Transition: transition}
	if err := t.svc.Broadcast(ctx, env, path); err != nil {
		t.mu.Lock()
		op.complete(err)
		t.mu.Unlock()

		return op.opID, err
	}

	return op.opID, nil
}

// ChangeState is the blocking form of AsyncChangeState, bounded by the sync
// call semaphore (spec.md §4.2).
func (t *Topology) ChangeState(ctx context.Context, path string, transition command.Transition, timeout time.Duration) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.sem.Release(1)

	done := make(chan error, 1)
	if _, err := t.AsyncChangeState(ctx, path, transition, timeout, func(err error) { done <- err }); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncWaitForState observes already-flowing state_change notifications and
// completes once every device matching path has reported
// (targetLastState, target), or on timeout (spec.md §4.8). targetLastState
// of device.Undefined matches any last state, leaving only the
// current-state dimension of the predicate.
func (t *Topology) AsyncWaitForState(ctx context.Context, path string, targetLastState, target device.State, timeout time.Duration, handler WaitForStateHandler) OpID {
	start := time.Now()
	wrapped := func(err error) {
		if t.metrics != nil {
			t.metrics.ObserveOperation("wait_for_state", err, time.Since(start).Seconds())
		}
		if handler != nil {
			handler(err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.waitForStateOps.Sweep()
	ids := taskIDs(t.table.GetTasks(path))
	op := newWaitForStateOp(ids, targetLastState, target, t.timeoutOrDefault(timeout), wrapped, t.executor)
	t.waitForStateOps.Insert(op)

	// a device already satisfying (targetLastState, target) at
	// registration time counts immediately, matching a late Subscribe
	// never missing a state it's already in.
	for _, id := range ids {
		if d, ok := t.table.Get(id); ok {
			op.OnStateChange(id, d.LastState, d.State)
		}
	}
	if op.sel.done() {
		op.complete(nil)
	}

	return op.opID
}

// WaitForState is the blocking form of AsyncWaitForState.
func (t *Topology) WaitForState(ctx context.Context, path string, targetLastState, target device.State, timeout time.Duration) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.sem.Release(1)

	done := make(chan error, 1)
	t.AsyncWaitForState(ctx, path, targetLastState, target, timeout, func(err error) { done <- err })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncGetProperties queries queryRegex against every device matching path
// (spec.md §4.9).
func (t *Topology) AsyncGetProperties(ctx context.Context, path, queryRegex string, timeout time.Duration, handler GetPropertiesHandler) (OpID, error) {
	start := time.Now()
	wrapped := func(res GetPropertiesResult) {
		if t.metrics != nil {
			t.metrics.ObserveOperation("get_properties", res.Err, time.Since(start).Seconds())
		}
		if handler != nil {
			handler(res)
		}
	}

	t.mu.Lock()
	t.getPropertiesOps.Sweep()
	ids := taskIDs(t.table.GetTasks(path))
	op := newGetPropertiesOp(ids, queryRegex, t.timeoutOrDefault(timeout), wrapped, t.executor)
	t.getPropertiesOps.Insert(op)
	if op.sel.done() {
		op.complete(nil)
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return op.opID, nil
	}

	env := command.Envelope{Type: command.TypeGetProperties, QueryRegex: queryRegex}
	if err := t.svc.Broadcast(ctx, env, path); err != nil {
		t.mu.Lock()
		op.complete(err)
		t.mu.Unlock()

		return op.opID, err
	}

	return op.opID, nil
}

// GetProperties is the blocking form of AsyncGetProperties.
func (t *Topology) GetProperties(ctx context.Context, path, queryRegex string, timeout time.Duration) (GetPropertiesResult, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return GetPropertiesResult{}, err
	}
	defer t.sem.Release(1)

	done := make(chan GetPropertiesResult, 1)
	if _, err := t.AsyncGetProperties(ctx, path, queryRegex, timeout, func(res GetPropertiesResult) { done <- res }); err != nil {
		return GetPropertiesResult{}, err
	}

	select {
	case res := <-done:
		return res, res.Err
	case <-ctx.Done():
		return GetPropertiesResult{}, ctx.Err()
	}
}

// AsyncSetProperties broadcasts props to every device matching path
// (spec.md §4.10).
func (t *Topology) AsyncSetProperties(ctx context.Context, path string, props []command.PropertyKV, timeout time.Duration, handler SetPropertiesHandler) (OpID, error) {
	start := time.Now()
	wrapped := func(err error) {
		if t.metrics != nil {
			t.metrics.ObserveOperation("set_properties", err, time.Since(start).Seconds())
		}
		if handler != nil {
			handler(err)
		}
	}

	t.mu.Lock()
	t.setPropertiesOps.Sweep()
	ids := taskIDs(t.table.GetTasks(path))
	op := newSetPropertiesOp(ids, props, t.timeoutOrDefault(timeout), wrapped, t.executor)
	t.setPropertiesOps.Insert(op)
	if op.sel.done() {
		op.complete(nil)
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return op.opID, nil
	}

	env := command.Envelope{Type: command.TypeSetProperties, Properties: props}
	if err := t.svc.Broadcast(ctx, env, path); err != nil {
		t.mu.Lock()
		op.complete(err)
		t.mu.Unlock()

		return op.opID, err
	}

	return op.opID, nil
}

// SetProperties is the blocking form of AsyncSetProperties.
func (t *Topology) SetProperties(ctx context.Context, path string, props []command.PropertyKV, timeout time.Duration) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.sem.Release(1)

	done := make(chan error, 1)
	if _, err := t.AsyncSetProperties(ctx, path, props, timeout, func(err error) { done <- err }); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns every device row, for the status API (SPEC_FULL.md §4
// "Supplemented features": GetCurrentState/Snapshot).
func (t *Topology) Snapshot() []device.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.table.All()
}

// RunNumber reports how many times Start has activated this topology.
func (t *Topology) RunNumber() uint64 {
	return t.runNr.Load()
}

// StatePublishers returns the current count of devices subscribed to
// state changes, for the status API.
func (t *Topology) StatePublishers() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.table.NumStatePublishers()
}

// Device returns one device's current row, for the status API's
// per-device lookup.
func (t *Topology) Device(id device.ID) (device.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.table.Get(id)
}

// InFlightCounts reports the size of each operation registry, for the
// status API.
func (t *Topology) InFlightCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]int{
		"change_state":   t.changeStateOps.Len(),
		"wait_for_state": t.waitForStateOps.Len(),
		"get_properties": t.getPropertiesOps.Len(),
		"set_properties": t.setPropertiesOps.Len(),
	}
}

func taskIDs(devices []device.Device) []device.ID {
	ids := make([]device.ID, len(devices))
	for i, d := range devices {
		ids[i] = d.TaskID
	}

	return ids
}
