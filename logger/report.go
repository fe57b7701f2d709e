package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	bidsAccepted int64
	bidsRejected int64
	components   sync.Map // map[string]*componentStat
)

// ActivityStats is the live part of a report supplied by the caller.
type ActivityStats struct {
	Rooms       int
	Connections int
	ActiveCache int
}

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

func IncrementBidAccepted() {
	atomic.AddInt64(&bidsAccepted, 1)
}

func IncrementBidRejected() {
	atomic.AddInt64(&bidsRejected, 1)
}

// StartReport logs a summary every interval until ctx is cancelled. Counters
// are reset after each report so every line covers one interval.
func StartReport(ctx context.Context, log *Log, interval time.Duration, stats func() ActivityStats) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report(log, stats)
			}
		}
	}()
}

func report(log *Log, stats func() ActivityStats) {
	fields := Fields{
		"bids_accepted": atomic.SwapInt64(&bidsAccepted, 0),
		"bids_rejected": atomic.SwapInt64(&bidsRejected, 0),
		"goroutines":    runtime.NumGoroutine(),
	}

	var activity ActivityStats
	if stats != nil {
		activity = stats()
	}
	fields["open_rooms"] = activity.Rooms
	fields["open_connections"] = activity.Connections
	fields["active_auctions"] = activity.ActiveCache

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_percent"] = vm.UsedPercent
	}

	components.Range(func(key, value interface{}) bool {
		cs := value.(*componentStat)
		name := key.(string)
		if w := atomic.SwapInt64(&cs.warns, 0); w > 0 {
			fields[name+"_warns"] = w
		}
		if e := atomic.SwapInt64(&cs.errors, 0); e > 0 {
			fields[name+"_errors"] = e
		}
		return true
	})

	entry := log.WithComponent("report")
	entry.WithFields(fields).Info("activity report")
	entry.LogMetric("report", "bids_accepted", fields["bids_accepted"], "counter", nil)
	entry.LogMetric("report", "bids_rejected", fields["bids_rejected"], "counter", nil)
	entry.LogMetric("report", "open_rooms", activity.Rooms, "gauge", nil)
	entry.LogMetric("report", "open_connections", activity.Connections, "gauge", nil)
}
