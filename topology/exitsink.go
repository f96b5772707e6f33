package topology

import (
	"log/slog"

	"github.com/devicemesh/topoctl/deployment"
	"github.com/devicemesh/topoctl/device"
)

// DeviceLostHandler is invoked once per unexpected exit, after the
// Expendability Engine has rendered a verdict, so that every in-flight
// operation registry can fail its selection entries for the lost device
// (and, on VerdictCollectionIgnored, for its whole collection).
type DeviceLostHandler func(id device.ID, verdict Verdict)

// ExitSink classifies exit events and records them on the device row
// (spec.md §4.4, C4). An exit is expected only when the device's last
// known state was Idle or Exiting and it exited cleanly (exit code 0);
// every other exit is a failure, routed through the Expendability Engine.
type ExitSink struct {
	table     *device.Table
	expEngine *Engine
	logger    *slog.Logger
	onLost    DeviceLostHandler
}

func NewExitSink(table *device.Table, expEngine *Engine, logger *slog.Logger, onLost DeviceLostHandler) *ExitSink {
	return &ExitSink{table: table, expEngine: expEngine, logger: logger, onLost: onLost}
}

// HandleExit applies ev to the device table and, for unexpected exits,
// runs the expendability decision and notifies onLost.
func (s *ExitSink) HandleExit(ev deployment.ExitEvent) {
	dev, ok := s.table.Get(ev.TaskID)
	if !ok {
		s.logger.Warn("topology: exit event for unknown task", slog.Uint64("task_id", uint64(ev.TaskID)))

		return
	}
	if dev.Ignored {
		return
	}

	lastState := dev.State
	expected := (lastState == device.Idle || lastState == device.Exiting) && ev.ExitCode == 0

	s.table.Mutate(ev.TaskID, func(d *device.Device) {
		d.LastState = lastState
		d.ExitCode = ev.ExitCode
		d.Signal = ev.Signal
		if expected {
			d.State = device.Exiting
		} else {
			d.State = device.Error
		}
	})

	if expected {
		return
	}

	s.logger.Warn("topology: unexpected device exit",
		slog.Uint64("task_id", uint64(ev.TaskID)),
		slog.Int("exit_code", ev.ExitCode),
		slog.Int("signal", ev.Signal),
	)

	verdict := s.expEngine.HandleFailure(ev.TaskID)
	if s.onLost != nil {
		s.onLost(ev.TaskID, verdict)
	}
}
