package metrics

import (
	"runtime"
	"runtime/pprof"
	"time"
)

// RuntimeCollector samples Go runtime state into gauges so the exposition
// endpoint shows goroutine, heap, and GC pressure alongside the relay
// counters.
type RuntimeCollector struct {
	goroutines  *Gauge
	threads     *Gauge
	heapAlloc   *Gauge
	heapSys     *Gauge
	heapIdle    *Gauge
	heapInuse   *Gauge
	heapObjects *Gauge
	stackInuse  *Gauge
	gcPause     *Gauge
	gcLastPause *Gauge
	gcCycles    *Gauge
	goInfo      *Gauge

	uptime    *Gauge
	startTime time.Time
}

// NewRuntimeCollector registers the runtime gauges. uptimeGauge is owned by
// the default metric set and updated on every Collect.
func NewRuntimeCollector(r *Registry, uptimeGauge *Gauge) *RuntimeCollector {
	rc := &RuntimeCollector{
		startTime: time.Now(),
		uptime:    uptimeGauge,

		goroutines:  r.NewGauge("go_goroutines", "Number of goroutines that currently exist"),
		threads:     r.NewGauge("go_threads", "Number of OS threads created"),
		heapAlloc:   r.NewGauge("go_memstats_heap_alloc_bytes", "Number of heap bytes allocated and still in use"),
		heapSys:     r.NewGauge("go_memstats_heap_sys_bytes", "Number of heap bytes obtained from system"),
		heapIdle:    r.NewGauge("go_memstats_heap_idle_bytes", "Number of heap bytes waiting to be used"),
		heapInuse:   r.NewGauge("go_memstats_heap_inuse_bytes", "Number of heap bytes that are in use"),
		heapObjects: r.NewGauge("go_memstats_heap_objects", "Number of allocated heap objects"),
		stackInuse:  r.NewGauge("go_memstats_stack_inuse_bytes", "Number of bytes in use by the stack allocator"),
		gcPause:     r.NewGauge("go_gc_duration_seconds", "Total GC pause duration in seconds"),
		gcLastPause: r.NewGauge("go_gc_last_pause_seconds", "Duration of the last GC pause in seconds"),
		gcCycles:    r.NewGauge("go_gc_cycles_total", "Total number of completed GC cycles"),
		goInfo:      r.NewGauge("go_info", "Information about the Go environment", "version"),
	}

	if vec, err := rc.goInfo.WithLabels(runtime.Version()); err == nil {
		vec.Set(1)
	}
	return rc
}

// Collect refreshes every runtime gauge. Called periodically by the
// goroutine StartCollector launches.
func (rc *RuntimeCollector) Collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	_ = rc.uptime.Set(time.Since(rc.startTime).Seconds())
	_ = rc.goroutines.Set(float64(runtime.NumGoroutine()))

	if p := pprof.Lookup("threadcreate"); p != nil {
		_ = rc.threads.Set(float64(p.Count()))
	}

	_ = rc.heapAlloc.Set(float64(mem.HeapAlloc))
	_ = rc.heapSys.Set(float64(mem.HeapSys))
	_ = rc.heapIdle.Set(float64(mem.HeapIdle))
	_ = rc.heapInuse.Set(float64(mem.HeapInuse))
	_ = rc.heapObjects.Set(float64(mem.HeapObjects))
	_ = rc.stackInuse.Set(float64(mem.StackInuse))

	// PauseTotalNs is the authoritative cumulative total; the PauseNs ring
	// wraps after 256 entries.
	_ = rc.gcPause.Set(float64(mem.PauseTotalNs) / 1e9)
	if mem.NumGC > 0 {
		_ = rc.gcLastPause.Set(float64(mem.PauseNs[(mem.NumGC-1)%256]) / 1e9)
	}
	_ = rc.gcCycles.Set(float64(mem.NumGC))
}

// StartCollector samples the runtime on the given interval until the
// returned stop function is called. The first sample is taken immediately.
func (rc *RuntimeCollector) StartCollector(interval time.Duration) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		rc.Collect()
		for {
			select {
			case <-ticker.C:
				rc.Collect()
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
