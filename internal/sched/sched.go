// Package sched implements the cooperative, single-threaded scheduler
// that interleaves learning work with the radio stack's idle windows
// under a thermal budget. There is no preemption and no shared mutable
// state across goroutines: RunSlice is the only entry point that
// performs work, and it executes at most one task per call.
package sched

import (
	"context"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"

	"github.com/planetary-neuron/core/internal/metrics"
)

var log = logging.Logger("sched")

// Tunables mirroring neuron_config.h / hw_scheduler.h constants. Callers
// needing different values should construct a Scheduler with NewWithConfig.
const (
	MaxTasks          = 8
	TicksPerUS        = 16
	GuardUS           = 2000
	MaxBurstUS        = 5000
	MinBudgetUS       = 100
	ThermalLowC       = 55
	ThermalShutdownC  = 70
	ThermalSampleRate = 100 // sample temperature every Nth RunSlice call
)

// Priority is lower-value-is-more-urgent, matching the firmware enum.
type Priority uint8

const (
	PriorityCritical Priority = iota // reserved for the radio stack; never scheduled here
	PriorityHigh                     // lighting; driven directly, never queued here either
	PriorityNormal                   // weight sync / gossip
	PriorityLow                      // local training
)

// State is a task's cooperative run state.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateThrottled
	StateKilled
)

// Callback is invoked with a microsecond budget and returns whether the
// task wants to run again (advisory only; it does not reschedule within
// the same slice).
type Callback func(budgetUS uint32) (wantsMore bool)

type task struct {
	id           uuid.UUID
	callback     Callback
	priority     Priority
	state        State
	lastRunTick  uint32
	totalRuntime uint32
	runCount     uint16
}

// Radio supplies the tick source and next-scheduled-event contract the
// guard interval is computed against.
type Radio interface {
	NowTick() uint32
	NextEventTick() uint32
}

// Temp supplies a chip-temperature sample in degrees Celsius.
type Temp interface {
	SampleTempC() uint8
}

// Config overrides the package-level tunables for one Scheduler instance.
// The zero value is never valid on its own; use NewWithConfig, which fills
// any zero field from the firmware defaults above.
type Config struct {
	GuardUS          uint32
	MaxBurstUS       uint32
	MinBudgetUS      uint32
	ThermalLowC      uint8
	ThermalShutdownC uint8
}

// Scheduler is single-threaded: callers must never invoke RunSlice or
// Register concurrently from more than one execution context.
type Scheduler struct {
	radio Radio
	temp  Temp
	cfg   Config

	tasks []*task

	sliceCount    uint32
	currentTempC  uint8
	throttleLevel uint8
}

// New returns a Scheduler driven by radio and temp, using the firmware's
// default tunables.
func New(radio Radio, temp Temp) *Scheduler {
	return NewWithConfig(radio, temp, Config{})
}

// NewWithConfig returns a Scheduler with cfg's tunables, falling back to
// the firmware defaults for any zero field.
func NewWithConfig(radio Radio, temp Temp, cfg Config) *Scheduler {
	if cfg.GuardUS == 0 {
		cfg.GuardUS = GuardUS
	}
	if cfg.MaxBurstUS == 0 {
		cfg.MaxBurstUS = MaxBurstUS
	}
	if cfg.MinBudgetUS == 0 {
		cfg.MinBudgetUS = MinBudgetUS
	}
	if cfg.ThermalLowC == 0 {
		cfg.ThermalLowC = ThermalLowC
	}
	if cfg.ThermalShutdownC == 0 {
		cfg.ThermalShutdownC = ThermalShutdownC
	}
	return &Scheduler{radio: radio, temp: temp, cfg: cfg, currentTempC: 25}
}

// Register adds a task at the given priority, returning its handle and
// true, or a zero handle and false if the task table is full.
func (s *Scheduler) Register(cb Callback, priority Priority) (uuid.UUID, bool) {
	if len(s.tasks) >= MaxTasks {
		log.Warnw("task table full; rejecting registration", "priority", priority)
		return uuid.UUID{}, false
	}
	t := &task{
		id:       uuid.New(),
		callback: cb,
		priority: priority,
		state:    StateIdle,
	}
	s.tasks = append(s.tasks, t)
	return t.id, true
}

// ThrottleLevel returns the current thermal throttle percentage (0-100).
func (s *Scheduler) ThrottleLevel() uint8 { return s.throttleLevel }

// CurrentTempC returns the last sampled chip temperature.
func (s *Scheduler) CurrentTempC() uint8 { return s.currentTempC }

func (s *Scheduler) updateThermals() {
	s.sliceCount++
	if s.sliceCount < ThermalSampleRate {
		return
	}
	s.sliceCount = 0

	s.currentTempC = s.temp.SampleTempC()

	switch {
	case s.currentTempC >= s.cfg.ThermalShutdownC:
		s.throttleLevel = 100
		log.Warnw("thermal emergency: suspending all learning tasks", "temp_c", s.currentTempC)
	case s.currentTempC >= s.cfg.ThermalLowC:
		s.throttleLevel = uint8((uint32(s.currentTempC) - uint32(s.cfg.ThermalLowC)) * 100 / uint32(s.cfg.ThermalShutdownC-s.cfg.ThermalLowC))
	default:
		s.throttleLevel = 0
	}

	stats.Record(context.Background(), metrics.SchedThrottleLevel.M(int64(s.throttleLevel)))
}

// RunSlice is the only entry point that performs work. It is invoked from
// the radio stack's idle callback.
func (s *Scheduler) RunSlice() {
	s.updateThermals()

	if s.throttleLevel >= 100 {
		return
	}

	now := s.radio.NowTick()
	next := s.radio.NextEventTick()

	var availableTicks uint32
	guardTicks := s.cfg.GuardUS * TicksPerUS
	if next > now+guardTicks {
		availableTicks = next - now - guardTicks
	}
	if availableTicks == 0 {
		return
	}

	budgetUS := availableTicks / TicksPerUS
	if budgetUS > s.cfg.MaxBurstUS {
		budgetUS = s.cfg.MaxBurstUS
	}
	budgetUS = budgetUS * uint32(100-s.throttleLevel) / 100

	if budgetUS < s.cfg.MinBudgetUS {
		return
	}

	best := s.selectTask()
	if best == nil {
		return
	}

	start := s.radio.NowTick()
	best.state = StateRunning
	best.callback(budgetUS) // return value is advisory only
	elapsed := (s.radio.NowTick() - start) / TicksPerUS

	best.totalRuntime += elapsed
	best.runCount++
	best.lastRunTick = now
	best.state = StateIdle

	stats.Record(context.Background(), metrics.SchedTaskRuntimeUS.M(int64(elapsed)))
}

func (s *Scheduler) selectTask() *task {
	var best *task
	for _, t := range s.tasks {
		if t.state == StateKilled {
			continue
		}
		if t.state == StateThrottled && s.throttleLevel > 50 {
			continue
		}
		if best == nil || t.priority < best.priority {
			best = t
		}
	}
	return best
}
