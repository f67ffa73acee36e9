package learning

import "github.com/planetary-neuron/core/internal/shard"

// LocalFeatures is the 16-byte feature vector sampled once per training
// step. Field order is the head input layout: forward and backward both
// index it via ToSlice, so reordering fields changes which weight offset
// a feature is multiplied against.
type LocalFeatures struct {
	PowerLevel         int8
	Temperature        int8
	MeshActivity       int8
	NeighborCount      int8
	UptimePhase        int8
	CircadianPhase     int8
	RSSIAvg            int8
	RSSIVariance       int8
	Brightness         int8
	ColorTemp          int8
	SceneID            int8
	BrightnessVelocity int8
	HopCountAvg        int8
	ShardDiversity     int8
	reserved0          int8
	reserved1          int8
}

// ToSlice returns the 16 features in head-input order.
func (f LocalFeatures) ToSlice() []int8 {
	return []int8{
		f.PowerLevel, f.Temperature, f.MeshActivity, f.NeighborCount,
		f.UptimePhase, f.CircadianPhase, f.RSSIAvg, f.RSSIVariance,
		f.Brightness, f.ColorTemp, f.SceneID, f.BrightnessVelocity,
		f.HopCountAvg, f.ShardDiversity, f.reserved0, f.reserved1,
	}
}

// PredictionTargets is the 6-head label vector: what each head tries to
// predict about the next sample, derived from it in hindsight.
type PredictionTargets struct {
	NextMeshActivity  int8
	NextPowerLevel    int8
	CircadianNext     int8
	NeighborRSSIDelta int8
	NextScene         int8
	TemperatureTrend  int8
	reserved0         int8
	reserved1         int8
}

// headWeight is the fixed per-head loss weighting, indexed in head order.
var headWeight = [6]int32{2, 1, 1, 2, 3, 1}

const headCount = 6

func (p PredictionTargets) headValues() [headCount]int8 {
	return [headCount]int8{
		p.NextMeshActivity, p.NextPowerLevel, p.CircadianNext,
		p.NeighborRSSIDelta, p.NextScene, p.TemperatureTrend,
	}
}

// GradientAccum holds a running per-weight average of backward-pass
// gradients between applied SGD steps. Its array is sized to the full
// shard payload even though only the first len(LocalFeatures) slots are
// ever written — a per-feature gradient never reaches weights beyond the
// active head's input block, matching the firmware's accumulator.
type GradientAccum struct {
	Gradients   [shard.PayloadSize]int8
	SampleCount uint8
}

// Accumulate folds grad into the running average via
// avg[i] = (avg[i]*count + grad[i]) / (count+1).
func (g *GradientAccum) Accumulate(grad []int8) {
	n := len(grad)
	if n > len(g.Gradients) {
		n = len(g.Gradients)
	}
	count := int32(g.SampleCount)
	for i := 0; i < n; i++ {
		g.Gradients[i] = int8((int32(g.Gradients[i])*count + int32(grad[i])) / (count + 1))
	}
	if g.SampleCount < 255 {
		g.SampleCount++
	}
}

// Clear resets the accumulator for the next window.
func (g *GradientAccum) Clear() {
	*g = GradientAccum{}
}
