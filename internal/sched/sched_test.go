package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRadio lets tests control the tick source and the next scheduled
// event deterministically.
type fakeRadio struct {
	now  uint32
	next uint32
}

func (r *fakeRadio) NowTick() uint32      { return r.now }
func (r *fakeRadio) NextEventTick() uint32 { return r.next }

type fakeTemp struct {
	c uint8
}

func (t *fakeTemp) SampleTempC() uint8 { return t.c }

func forceThermalSample(s *Scheduler) {
	s.sliceCount = ThermalSampleRate - 1
}

func TestRegisterRejectsBeyondMaxTasks(t *testing.T) {
	radio := &fakeRadio{}
	s := New(radio, &fakeTemp{c: 25})
	for i := 0; i < MaxTasks; i++ {
		_, ok := s.Register(func(uint32) bool { return false }, PriorityLow)
		require.True(t, ok)
	}
	_, ok := s.Register(func(uint32) bool { return false }, PriorityLow)
	require.False(t, ok, "ninth registration must be rejected")
}

func TestRunSliceDispatchesLowestPriorityValueFirst(t *testing.T) {
	radio := &fakeRadio{now: 0, next: 1_000_000}
	s := New(radio, &fakeTemp{c: 25})

	var ranNormal, ranLow bool
	s.Register(func(uint32) bool { ranLow = true; return false }, PriorityLow)
	s.Register(func(uint32) bool { ranNormal = true; return false }, PriorityNormal)

	s.RunSlice()
	require.True(t, ranNormal, "normal priority must run before low priority")
	require.False(t, ranLow)
}

func TestRunSliceSkipsWhenBudgetBelowMinimum(t *testing.T) {
	radio := &fakeRadio{now: 0, next: GuardUS*TicksPerUS + 10} // ~0 budget after guard
	s := New(radio, &fakeTemp{c: 25})

	ran := false
	s.Register(func(uint32) bool { ran = true; return false }, PriorityLow)
	s.RunSlice()
	require.False(t, ran)
}

func TestThermalShutdownHaltsDispatch(t *testing.T) {
	radio := &fakeRadio{now: 0, next: 1_000_000}
	temp := &fakeTemp{c: 75}
	s := New(radio, temp)
	forceThermalSample(s)

	ran := false
	s.Register(func(uint32) bool { ran = true; return false }, PriorityLow)
	s.RunSlice()

	require.EqualValues(t, 100, s.ThrottleLevel())
	require.False(t, ran)
}

func TestThermalThrottleLinearRamp(t *testing.T) {
	radio := &fakeRadio{now: 0, next: 1_000_000}
	temp := &fakeTemp{c: 62} // halfway between 55 and 70
	s := New(radio, temp)
	forceThermalSample(s)

	s.RunSlice()
	require.InDelta(t, 46, int(s.ThrottleLevel()), 2)
}

func TestBudgetClampedToMaxBurst(t *testing.T) {
	radio := &fakeRadio{now: 0, next: 1_000_000_000}
	s := New(radio, &fakeTemp{c: 25})

	var gotBudget uint32
	s.Register(func(b uint32) bool { gotBudget = b; return false }, PriorityLow)
	s.RunSlice()

	require.LessOrEqual(t, gotBudget, uint32(MaxBurstUS))
}
