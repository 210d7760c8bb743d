package metrics

import (
	"context"
	"time"

	"okxgate/internal/ratelimit"
	"okxgate/logger"
)

// ReportUsage emits one window_usage / window_waiting pair per materialised
// window of limiter through logger.LogMetric, which also forwards to
// CloudWatch. shard tells limiters of different source IPs apart.
func ReportUsage(log *logger.Log, shard string, limiter *ratelimit.Limiter, c *Collector) {
	snapshot := limiter.Snapshot()
	if c != nil {
		c.ObserveUsage(shard, snapshot)
	}
	l := log.WithComponent("ratelimit")
	for _, u := range snapshot {
		fields := logger.Fields{"shard": shard, "id": u.ID}
		l.LogMetric("ratelimit", "window_usage", int64(u.Count), "gauge", logger.Fields{"shard": shard, "id": u.ID, "limit": u.Limit})
		l.LogMetric("ratelimit", "window_waiting", int64(u.Waiting), "gauge", fields)
		if u.Limit > 0 {
			l.LogMetric("ratelimit", "window_usage_ratio", float64(u.Count)/float64(u.Limit), "gauge", fields)
		}
	}
}

// RunReporter calls ReportUsage for every limiter in limiters, keyed by
// shard, each interval until ctx is done.
func RunReporter(ctx context.Context, log *logger.Log, limiters map[string]*ratelimit.Limiter, c *Collector, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for shard, limiter := range limiters {
				ReportUsage(log, shard, limiter, c)
			}
		}
	}
}
