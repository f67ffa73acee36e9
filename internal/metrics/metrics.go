// Package metrics defines this core's opencensus measures and views, the
// Go analogue of lotus's metrics package: a flat table of stats.Measure
// and view.View values. Unlike lotus there is no HTTP surface to scrape
// them from — cmd/planetaryd registers DefaultViews once at startup and
// reads them back in-process via view.RetrieveData for its status output.
package metrics

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Measures.
var (
	SchedTaskRuntimeUS = stats.Int64("sched/task_runtime_us", "Microseconds of task runtime charged against one RunSlice budget", "us")
	SchedThrottleLevel = stats.Int64("sched/throttle_level", "Thermal throttle percentage sampled at the most recent RunSlice", stats.UnitDimensionless)
	GossipDropped      = stats.Int64("gossip/dropped", "Frames dropped as malformed before any dedup/neighbor state update", stats.UnitDimensionless)
	GossipDuplicate    = stats.Int64("gossip/duplicate", "Frames dropped as duplicate (src, seq) pairs", stats.UnitDimensionless)
)

// Views.
var (
	SchedTaskRuntimeView = &view.View{
		Measure:     SchedTaskRuntimeUS,
		Aggregation: view.Distribution(100, 500, 1000, 2000, 3000, 5000, 8000),
	}
	SchedThrottleLevelView = &view.View{
		Measure:     SchedThrottleLevel,
		Aggregation: view.LastValue(),
	}
	GossipDroppedView = &view.View{
		Measure:     GossipDropped,
		Aggregation: view.Count(),
	}
	GossipDuplicateView = &view.View{
		Measure:     GossipDuplicate,
		Aggregation: view.Count(),
	}
)

// DefaultViews is registered once at process start by cmd/planetaryd, the
// Go analogue of lotus's cmd/lotus-stats registering metrics.DefaultViews.
var DefaultViews = []*view.View{
	SchedTaskRuntimeView,
	SchedThrottleLevelView,
	GossipDroppedView,
	GossipDuplicateView,
}
