package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describe the extension process.
type ProcessStats struct {
	PID           int32         `json:"pid"`
	ResidentBytes uint64        `json:"resident_bytes"`
	VirtualBytes  uint64        `json:"virtual_bytes"`
	CPUPercent    float64       `json:"cpu_percent"`
	Threads       int32         `json:"threads"`
	Goroutines    int           `json:"goroutines"`
	Uptime        time.Duration `json:"uptime"`
}

var startTime = time.Now()

// ReadProcessStats samples the current process.
func ReadProcessStats() (ProcessStats, error) {
	stats := ProcessStats{
		PID:        int32(os.Getpid()), //nolint:gosec // G115: pids fit in int32
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(startTime),
	}

	p, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats, err
	}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.ResidentBytes = mem.RSS
		stats.VirtualBytes = mem.VMS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := p.NumThreads(); err == nil {
		stats.Threads = threads
	}
	return stats, nil
}

// Collector updates the process metrics periodically.
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:  metrics,
		interval: interval,
	}
}

// Start starts the metrics collector.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.metrics == nil {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.ticker, c.done)
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(ticker *time.Ticker, done chan struct{}) {
	c.Collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect performs a single collection.
func (c *Collector) Collect() {
	if c.metrics == nil {
		return
	}
	stats, err := ReadProcessStats()
	c.metrics.Uptime.Set(stats.Uptime.Seconds())
	c.metrics.GoRoutines.Set(float64(stats.Goroutines))
	if err == nil {
		c.metrics.ResidentBytes.Set(float64(stats.ResidentBytes))
	}
}
