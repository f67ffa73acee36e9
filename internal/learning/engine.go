// Package learning implements the on-device federated learning engine: a
// six-head linear predictor trained by local SGD between mesh sync
// rounds, resonance-scaled by a coherence measure of how stable the node
// and its neighborhood currently are.
package learning

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/planetary-neuron/core/internal/gossip"
	"github.com/planetary-neuron/core/internal/lightctl"
	"github.com/planetary-neuron/core/internal/sched"
	"github.com/planetary-neuron/core/internal/shard"
)

var log = logging.Logger("learning")

// MaxShardsInRAM is the number of shards held live in memory at once;
// the rest of the model lives in flash and rotates through these slots.
const MaxShardsInRAM = 4

// TicksPerMS converts the radio tick domain into milliseconds (16 ticks
// per microsecond, matching sched.TicksPerUS).
const TicksPerMS = sched.TicksPerUS * 1000

const weightHeadOffset = 16 // each head's input block is 16 weights wide, per LocalFeatures width

// Fixed-point (Q16.16) resonance constants. These are evaluated by the
// compiler from integer constant expressions, not at runtime, so the
// node never performs floating-point comparisons against the coherence
// breakpoints.
const (
	fixedOne    = int64(1 << 16)
	threshold80 = fixedOne * 4 / 5
	threshold50 = fixedOne / 2
	threshold20 = fixedOne / 5
	phiFixed    = int64(106039) // 1.61803398875 * 65536, pre-rounded
)

// Mesh is the subset of *gossip.Gossip the engine drives.
type Mesh interface {
	NeighborCount() int
	BroadcastShard(sh *shard.Shard)
	SendHeartbeat(load, shardsHeld uint8, epoch uint16)
	ShouldThrottle() bool
	SetOnShardReceived(cb gossip.ShardCallback)
	Stats() gossip.GossipStats
}

// Light is the subset of *lightctl.Controller the engine reads features
// from.
type Light interface {
	PowerEstimate() uint8
	IsTransitioning() bool
	Brightness() uint8
	ColorTemp() uint8
	DetectScene() lightctl.Scene
	BrightnessVelocity() int8
}

// Persistence is the subset of *flashstore.Store the engine uses to spill
// and reload shards that are not currently held in RAM.
type Persistence interface {
	Write(sh *shard.Shard) error
	Read(shardID uint8) (shard.Shard, bool)
}

// Clock supplies a monotonic tick source for gossip interval timing.
type Clock interface {
	NowTick() uint32
}

// Thermal is the subset of *sched.Scheduler the engine reads load and
// chip temperature from. It deliberately excludes Register: task
// registration is the glue layer's job, not the engine's.
type Thermal interface {
	ThrottleLevel() uint8
	CurrentTempC() uint8
}

// Engine owns the in-RAM shard slots, the gradient accumulator, and the
// training/sync task callbacks registered with the scheduler.
type Engine struct {
	mesh        Mesh
	light       Light
	persistence Persistence
	clock       Clock

	learningRate     float64
	gossipIntervalMS uint32
	samplesPerApply  uint8

	shards        [MaxShardsInRAM]shard.Shard
	gradAccum     GradientAccum
	currentIdx    uint8
	broadcastIdx  uint8
	samplesSince  uint8
	localEpoch    uint16
	lastGossipTick uint32

	prevFeatures LocalFeatures

	lastResonance float64

	thermal Thermal
}

// Config carries the learning engine's tunables, normally sourced from
// config.Learning.
type Config struct {
	LearningRate     float64
	GossipIntervalMS uint32
	SamplesPerApply  uint8
}

// New constructs an Engine over its collaborators.
func New(mesh Mesh, light Light, persistence Persistence, clock Clock, thermal Thermal, cfg Config) *Engine {
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.GossipIntervalMS == 0 {
		cfg.GossipIntervalMS = 5000
	}
	if cfg.SamplesPerApply == 0 {
		cfg.SamplesPerApply = 10
	}

	e := &Engine{
		mesh:             mesh,
		light:            light,
		persistence:      persistence,
		clock:            clock,
		learningRate:     cfg.LearningRate,
		gossipIntervalMS: cfg.GossipIntervalMS,
		samplesPerApply:  cfg.SamplesPerApply,
		thermal:          thermal,
	}
	for i := range e.shards {
		e.shards[i].Init(uint8(i))
	}
	mesh.SetOnShardReceived(e.onShardReceived)
	return e
}

// TrainingStep is the low-priority cooperative task: one forward pass,
// one backward pass, and (every samplesPerApply calls) one SGD update
// scaled by the current resonance multiplier. It returns true after a
// step and false when the budget is below 1000µs; the scheduler treats
// the value as advisory only (see sched.Callback).
func (e *Engine) TrainingStep(budgetUS uint32) bool {
	if budgetUS < 1000 {
		return false
	}

	features := e.collectFeatures()
	actual := computeActualTargets(features, e.prevFeatures)

	sh := &e.shards[e.currentIdx]
	predicted := forward(sh, e.prevFeatures)
	lossErr := computeMultiHeadLoss(predicted, actual)
	grad := backward(e.prevFeatures, lossErr)
	e.gradAccum.Accumulate(grad)

	e.samplesSince++
	if e.samplesSince >= e.samplesPerApply {
		resonance := e.computeResonance()
		e.lastResonance = resonance
		sh.ApplyGradient(e.gradAccum.Gradients[:], e.learningRate*resonance)
		e.gradAccum.Clear()
		e.samplesSince = 0
		e.localEpoch++
	}

	e.prevFeatures = features
	e.currentIdx = (e.currentIdx + 1) % MaxShardsInRAM
	return true
}

// SyncStep is the normal-priority cooperative task: on the configured
// interval, broadcasts one shard round-robin and announces a heartbeat,
// unless the mesh reports backpressure.
func (e *Engine) SyncStep(budgetUS uint32) bool {
	now := e.clock.NowTick()
	elapsedMS := (now - e.lastGossipTick) / TicksPerMS
	if elapsedMS < e.gossipIntervalMS {
		return false
	}
	e.lastGossipTick = now

	if e.mesh.ShouldThrottle() {
		log.Debugw("sync step skipped: mesh reports backpressure")
		return false
	}

	e.mesh.BroadcastShard(&e.shards[e.broadcastIdx])
	e.broadcastIdx = (e.broadcastIdx + 1) % MaxShardsInRAM

	load := e.thermal.ThrottleLevel()
	e.mesh.SendHeartbeat(load, MaxShardsInRAM, e.localEpoch)
	return false
}

// onShardReceived merges an incoming shard into a matching in-RAM slot,
// or spills it to flash if no slot currently holds that shard id.
func (e *Engine) onShardReceived(incoming *shard.Shard) {
	for i := range e.shards {
		if e.shards[i].Header.ShardID == incoming.Header.ShardID {
			e.shards[i].FedAvg(incoming)
			return
		}
	}
	if err := e.persistence.Write(incoming); err != nil {
		log.Warnw("failed to spill received shard to flash", "shard_id", incoming.Header.ShardID, "err", err)
	}
}

// Rotate persists the shard in slot and loads newID into its place,
// falling back to a freshly initialized shard if newID has never been
// persisted.
func (e *Engine) Rotate(slot int, newID uint8) {
	if slot < 0 || slot >= MaxShardsInRAM {
		return
	}
	if err := e.persistence.Write(&e.shards[slot]); err != nil {
		log.Warnw("failed to spill rotating shard to flash", "shard_id", e.shards[slot].Header.ShardID, "err", err)
	}
	if sh, ok := e.persistence.Read(newID); ok {
		e.shards[slot] = sh
		return
	}
	e.shards[slot].Init(newID)
}

// LastResonance returns the resonance multiplier applied at the most
// recent SGD step, for diagnostics.
func (e *Engine) LastResonance() float64 { return e.lastResonance }

// LocalEpoch returns the node's local training epoch counter.
func (e *Engine) LocalEpoch() uint16 { return e.localEpoch }

// ShardsHeld returns the number of shards held live in RAM.
func (e *Engine) ShardsHeld() uint8 { return MaxShardsInRAM }

// CurrentShardID returns the shard id currently being trained.
func (e *Engine) CurrentShardID() uint8 { return e.shards[e.currentIdx].Header.ShardID }

// computeResonance derives a learning-rate multiplier from how stable
// the node's thermal, mesh and lighting state currently are, all in
// Q16.16 fixed point so the piecewise breakpoints are exact integer
// comparisons rather than float equality-adjacent ones.
func (e *Engine) computeResonance() float64 {
	throttle := int64(e.thermal.ThrottleLevel())
	stability := (100 - throttle) * fixedOne / 100

	neighbors := int64(e.mesh.NeighborCount())
	maxNeighbors := int64(gossip.MaxNeighbors)
	meshHealth := neighbors * fixedOne / maxNeighbors

	lightStable := fixedOne
	if e.light.IsTransitioning() {
		lightStable = fixedOne / 2
	}

	coherence := (stability * meshHealth) >> 16
	coherence = (coherence * lightStable) >> 16

	var multiplier int64
	switch {
	case coherence > threshold80:
		multiplier = phiFixed
	case coherence > threshold50:
		span := coherence - threshold50
		multiplier = fixedOne + (span*(phiFixed-fixedOne))/(threshold80-threshold50)
	case coherence > threshold20:
		multiplier = fixedOne
	default:
		multiplier = fixedOne/2 + coherence
	}

	return float64(multiplier) / float64(fixedOne)
}

func (e *Engine) collectFeatures() LocalFeatures {
	var f LocalFeatures
	stats := e.mesh.Stats()

	f.PowerLevel = int8(e.light.PowerEstimate())
	f.Temperature = int8(int32(e.thermal.CurrentTempC()) - 40)
	f.MeshActivity = int8(stats.MeshActivity)
	f.NeighborCount = int8(e.mesh.NeighborCount())
	f.UptimePhase = int8((e.clock.NowTick() >> 20) & 0x7F)
	f.CircadianPhase = e.computeCircadianPhase()
	f.RSSIAvg = stats.RSSIAvg
	f.RSSIVariance = 0 // no windowed variance tracked on the gossip side yet
	f.Brightness = int8(e.light.Brightness())
	f.ColorTemp = int8(e.light.ColorTemp())
	f.SceneID = int8(e.light.DetectScene())
	f.BrightnessVelocity = e.light.BrightnessVelocity()
	f.HopCountAvg = int8(stats.HopCountAvg)
	f.ShardDiversity = int8(MaxShardsInRAM)
	return f
}

func computeActualTargets(current, prev LocalFeatures) PredictionTargets {
	return PredictionTargets{
		NextMeshActivity:  current.MeshActivity,
		NextPowerLevel:    current.PowerLevel,
		CircadianNext:     current.CircadianPhase,
		NeighborRSSIDelta: current.RSSIAvg - prev.RSSIAvg,
		NextScene:         current.SceneID,
		TemperatureTrend:  current.Temperature - prev.Temperature,
	}
}

func forward(sh *shard.Shard, f LocalFeatures) PredictionTargets {
	feat := f.ToSlice()
	head := func(offset int) int8 {
		sum := int32(0)
		for i := 0; i < len(feat); i++ {
			sum += int32(sh.Weights[offset+i]) * int32(feat[i])
		}
		return clampToInt8(sum >> 6)
	}
	return PredictionTargets{
		NextMeshActivity:  head(0 * weightHeadOffset),
		NextPowerLevel:    head(1 * weightHeadOffset),
		CircadianNext:     head(2 * weightHeadOffset),
		NeighborRSSIDelta: head(3 * weightHeadOffset),
		NextScene:         head(4 * weightHeadOffset),
		TemperatureTrend:  head(5 * weightHeadOffset),
	}
}

func computeMultiHeadLoss(predicted, actual PredictionTargets) int8 {
	pv := predicted.headValues()
	av := actual.headValues()
	total := int32(0)
	for i := 0; i < headCount; i++ {
		diff := int32(pv[i]) - int32(av[i])
		if diff < 0 {
			diff = -diff
		}
		total += diff * headWeight[i]
	}
	avg := total / 10
	if avg > 127 {
		avg = 127
	}
	return int8(avg)
}

// backward produces one gradient value per input feature: the error
// scaled by that feature's contribution, matching the firmware's
// single-layer delta rule.
func backward(f LocalFeatures, lossErr int8) []int8 {
	feat := f.ToSlice()
	grad := make([]int8, len(feat))
	for i, v := range feat {
		grad[i] = clampToInt8(int32(lossErr) * int32(v) / 16)
	}
	return grad
}

func clampToInt8(v int32) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}

// computeCircadianPhase approximates a day-position triangle wave from
// the node's local training epoch, since there is no real-time clock on
// this hardware: each epoch stands in for a fixed ~10 second interval.
func (e *Engine) computeCircadianPhase() int8 {
	approxSeconds := uint32(e.localEpoch) * 10
	dayPhase := int32((approxSeconds % 86400) * 256 / 86400)
	centered := dayPhase - 128

	switch {
	case centered < -64:
		return int8(-128 - (centered+64)*2)
	case centered < 64:
		return int8(centered * 2)
	default:
		return int8(127 - (centered-64)*2)
	}
}

// PredictNextScene is a telemetry-only heuristic over the circadian
// phase; its output is never fed back into the gradient or loss
// computation.
func (e *Engine) PredictNextScene() lightctl.Scene {
	phase := e.computeCircadianPhase()
	switch {
	case phase > 80:
		return lightctl.SceneDaylight
	case phase > 0:
		return lightctl.SceneReading
	case phase > -80:
		return lightctl.SceneCozy
	default:
		return lightctl.SceneDimWarm
	}
}
