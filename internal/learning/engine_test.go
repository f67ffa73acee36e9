package learning

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/planetary-neuron/core/internal/gossip"
	"github.com/planetary-neuron/core/internal/lightctl"
	"github.com/planetary-neuron/core/internal/shard"
)

type fakeMesh struct {
	neighborCount int
	broadcasts    []uint8
	heartbeatLoad []uint8
	throttle      bool
	onShard       gossip.ShardCallback
}

func (m *fakeMesh) NeighborCount() int { return m.neighborCount }
func (m *fakeMesh) BroadcastShard(sh *shard.Shard) {
	m.broadcasts = append(m.broadcasts, sh.Header.ShardID)
}
func (m *fakeMesh) SendHeartbeat(load, shardsHeld uint8, epoch uint16) {
	m.heartbeatLoad = append(m.heartbeatLoad, load)
}
func (m *fakeMesh) ShouldThrottle() bool                       { return m.throttle }
func (m *fakeMesh) SetOnShardReceived(cb gossip.ShardCallback) { m.onShard = cb }
func (m *fakeMesh) Stats() gossip.GossipStats                  { return gossip.GossipStats{} }

type fakeLight struct {
	power          uint8
	transitioning  bool
	brightness     uint8
	colorTemp      uint8
	scene          lightctl.Scene
	velocity       int8
}

func (l *fakeLight) PowerEstimate() uint8         { return l.power }
func (l *fakeLight) IsTransitioning() bool        { return l.transitioning }
func (l *fakeLight) Brightness() uint8            { return l.brightness }
func (l *fakeLight) ColorTemp() uint8             { return l.colorTemp }
func (l *fakeLight) DetectScene() lightctl.Scene  { return l.scene }
func (l *fakeLight) BrightnessVelocity() int8     { return l.velocity }

type fakePersistence struct {
	stored map[uint8]shard.Shard
	writes []uint8
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{stored: map[uint8]shard.Shard{}}
}

func (p *fakePersistence) Write(sh *shard.Shard) error {
	p.writes = append(p.writes, sh.Header.ShardID)
	p.stored[sh.Header.ShardID] = *sh
	return nil
}

func (p *fakePersistence) Read(shardID uint8) (shard.Shard, bool) {
	sh, ok := p.stored[shardID]
	return sh, ok
}

type fakeClock struct{ tick uint32 }

func (c *fakeClock) NowTick() uint32 { return c.tick }

type fakeThermal struct {
	throttleLevel uint8
	tempC         uint8
}

func (t *fakeThermal) ThrottleLevel() uint8 { return t.throttleLevel }
func (t *fakeThermal) CurrentTempC() uint8  { return t.tempC }

func newTestEngine() (*Engine, *fakeMesh, *fakeLight, *fakePersistence, *fakeClock, *fakeThermal) {
	mesh := &fakeMesh{neighborCount: 8}
	light := &fakeLight{power: 50, brightness: 100, colorTemp: 50, scene: lightctl.SceneCozy}
	persistence := newFakePersistence()
	clock := &fakeClock{}
	thermal := &fakeThermal{tempC: 25}
	e := New(mesh, light, persistence, clock, thermal, Config{SamplesPerApply: 3})
	return e, mesh, light, persistence, clock, thermal
}

func TestNewInitializesRAMShardsSequentially(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine()
	for i := 0; i < MaxShardsInRAM; i++ {
		require.EqualValues(t, i, e.shards[i].Header.ShardID)
		require.True(t, e.shards[i].Verify())
	}
}

func TestTrainingStepBelowBudgetIsNoOp(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine()
	before := e.shards[0]
	e.TrainingStep(50)
	require.Equal(t, before, e.shards[0])
}

func TestTrainingStepAppliesGradientEverySamplesPerApply(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine()
	// Each step trains the current slot and then advances round-robin, so
	// the third step, which fills the window, trains and updates slot 2.
	versionBefore := e.shards[2].Header.Version

	for i := 0; i < 3; i++ {
		e.TrainingStep(10_000)
	}

	require.Greater(t, e.shards[2].Header.Version, versionBefore)
	require.EqualValues(t, 1, e.LocalEpoch())
	require.True(t, e.shards[2].Verify())
}

func TestTrainingStepDoesNotApplyBeforeWindowFull(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine()
	versionBefore := e.shards[0].Header.Version

	e.TrainingStep(10_000)
	e.TrainingStep(10_000)

	require.Equal(t, versionBefore, e.shards[0].Header.Version)
}

func TestOnShardReceivedMergesMatchingSlot(t *testing.T) {
	e, mesh, _, persistence, _, _ := newTestEngine()

	var incoming shard.Shard
	incoming.Init(0)
	incoming.Header.Contributors = 9
	mesh.onShard(&incoming)

	require.EqualValues(t, 10, e.shards[0].Header.Contributors)
	require.Empty(t, persistence.writes, "merged shard must not spill to flash")
}

func TestOnShardReceivedSpillsToFlashWhenNoMatch(t *testing.T) {
	e, mesh, _, persistence, _, _ := newTestEngine()

	var incoming shard.Shard
	incoming.Init(shard.MaxShardID)
	mesh.onShard(&incoming)

	require.Equal(t, []uint8{shard.MaxShardID}, persistence.writes)
	for _, sh := range e.shards {
		require.NotEqualValues(t, shard.MaxShardID, sh.Header.ShardID)
	}
}

func TestSyncStepRespectsInterval(t *testing.T) {
	mesh := &fakeMesh{neighborCount: 8}
	light := &fakeLight{power: 50, brightness: 100, colorTemp: 50, scene: lightctl.SceneCozy}
	persistence := newFakePersistence()
	clock := &fakeClock{}
	thermal := &fakeThermal{tempC: 25}
	e := New(mesh, light, persistence, clock, thermal, Config{SamplesPerApply: 3, GossipIntervalMS: 100})

	e.SyncStep(0)
	require.Empty(t, mesh.broadcasts, "nothing has elapsed yet; must not broadcast")

	clock.tick = 100 * TicksPerMS
	e.SyncStep(0)
	require.Len(t, mesh.broadcasts, 1)

	e.SyncStep(0)
	require.Len(t, mesh.broadcasts, 1, "second call right after the first must not re-broadcast")
}

func TestSyncStepSkipsOnBackpressure(t *testing.T) {
	e, mesh, _, _, clock, _ := newTestEngine()
	mesh.throttle = true
	clock.tick = 5000 * TicksPerMS // the default gossip interval has elapsed

	e.SyncStep(0)
	require.Empty(t, mesh.broadcasts)
	require.Empty(t, mesh.heartbeatLoad)
}

func TestRotatePersistsAndReloads(t *testing.T) {
	e, _, _, persistence, _, _ := newTestEngine()

	var stored shard.Shard
	stored.Init(40)
	persistence.stored[40] = stored

	e.Rotate(0, 40)
	require.EqualValues(t, 40, e.shards[0].Header.ShardID)
	require.Contains(t, persistence.writes, uint8(0), "the evicted slot's prior shard must be spilled first")
}

func TestRotateFallsBackToFreshInitWhenNothingPersisted(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine()
	e.Rotate(1, 55)
	require.EqualValues(t, 55, e.shards[1].Header.ShardID)
	require.True(t, e.shards[1].Verify())
}

func TestComputeResonanceBreakpoints(t *testing.T) {
	e, mesh, light, _, _, thermal := newTestEngine()

	// Fully stable: no throttle, full neighbor table, steady light.
	thermal.throttleLevel = 0
	mesh.neighborCount = gossip.MaxNeighbors
	light.transitioning = false
	require.InDelta(t, 1.61803398875, e.computeResonance(), 0.01)

	// Fully incoherent: maximum throttle collapses stability to zero.
	thermal.throttleLevel = 100
	require.InDelta(t, 0.5, e.computeResonance(), 0.01)
}

func TestComputeMultiHeadLossWeighting(t *testing.T) {
	predicted := PredictionTargets{NextScene: 10}
	actual := PredictionTargets{}
	// NextScene carries weight 3, the heaviest head; total/10 = 30/10 = 3.
	require.EqualValues(t, 3, computeMultiHeadLoss(predicted, actual))
}

func TestBackwardClampsToInt8Range(t *testing.T) {
	var f LocalFeatures
	f.PowerLevel = 127
	grad := backward(f, 127)
	require.EqualValues(t, 127, grad[0])
}

func TestPredictNextSceneDoesNotMutateState(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine()
	before := e.localEpoch
	_ = e.PredictNextScene()
	require.Equal(t, before, e.localEpoch)
}
