package coordinator

import (
	"time"

	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/types"
)

// runMetricsCollector periodically refreshes the coordinator's gauges.
// Counters and histograms are updated inline where the event happens;
// everything that is naturally a point-in-time snapshot (job counts by
// state, slot occupancy, archive size, per-instance heartbeat age) is
// refreshed here instead, grounded on the teacher's periodic metrics
// collector goroutine.
func (c *Coordinator) runMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.collectMetricsOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) collectMetricsOnce() {
	c.mu.Lock()
	counts := make(map[types.JobStatus]int)
	for _, entry := range c.liveJobs {
		counts[entry.graph.State()]++
	}
	c.mu.Unlock()

	for _, status := range []types.JobStatus{
		types.JobStatusCreated, types.JobStatusRunning, types.JobStatusFailing,
		types.JobStatusFailed, types.JobStatusCancelling, types.JobStatusCanceled,
		types.JobStatusFinished, types.JobStatusRestarting, types.JobStatusSuspended,
	} {
		metrics.JobsTotal.WithLabelValues(status.String()).Set(float64(counts[status]))
	}

	metrics.ArchivedJobsTotal.Set(float64(c.archive.Len()))
	metrics.InstancesTotal.Set(float64(c.instanceMgr.Count()))
	metrics.SlotsTotal.Set(float64(c.scheduler.GetTotalNumberOfSlots()))
	metrics.SlotsAvailable.Set(float64(c.scheduler.GetNumberOfAvailableSlots()))

	now := time.Now()
	for _, inst := range c.instanceMgr.All() {
		metrics.HeartbeatAge.WithLabelValues(types.ShortID(inst.ID)).Set(now.Sub(inst.LastHeartbeat).Seconds())
	}
}
