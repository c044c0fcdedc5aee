// Package monitoring tracks the frame grabber round-trip latency, the
// dominant cost of every training step.
package monitoring

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LatencyMonitor aggregates protocol round-trip durations and logs them
// periodically.
type LatencyMonitor struct {
	mu            sync.RWMutex
	count         int64
	total         time.Duration
	last          time.Duration
	peak          time.Duration
	slow          int64
	windowCount   int64
	windowTotal   time.Duration
	slowThreshold time.Duration

	reportInterval time.Duration
	stopChan       chan struct{}
	stopOnce       sync.Once
	logger         zerolog.Logger
}

// NewLatencyMonitor creates a monitor. Round trips longer than
// slowThreshold are counted as slow; zero disables the count.
func NewLatencyMonitor(reportInterval, slowThreshold time.Duration, logger zerolog.Logger) *LatencyMonitor {
	if reportInterval <= 0 {
		reportInterval = 30 * time.Second
	}
	return &LatencyMonitor{
		slowThreshold:  slowThreshold,
		reportInterval: reportInterval,
		stopChan:       make(chan struct{}),
		logger:         logger.With().Str("component", "latency_monitor").Logger(),
	}
}

// Record adds one round-trip duration.
func (lm *LatencyMonitor) Record(d time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.count++
	lm.total += d
	lm.last = d
	if d > lm.peak {
		lm.peak = d
	}
	if lm.slowThreshold > 0 && d > lm.slowThreshold {
		lm.slow++
	}
	lm.windowCount++
	lm.windowTotal += d
}

// Start begins periodic reporting
func (lm *LatencyMonitor) Start() {
	go lm.monitor()
	lm.logger.Info().
		Dur("interval", lm.reportInterval).
		Msg("Started round-trip latency monitoring")
}

// Stop stops the monitor
func (lm *LatencyMonitor) Stop() {
	lm.stopOnce.Do(func() { close(lm.stopChan) })
}

// monitor is the main reporting loop
func (lm *LatencyMonitor) monitor() {
	defer func() {
		if r := recover(); r != nil {
			lm.logger.Error().
				Interface("panic", r).
				Msg("Latency monitor panicked")
		}
	}()

	ticker := time.NewTicker(lm.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lm.report()
		case <-lm.stopChan:
			return
		}
	}
}

// report logs the metrics accumulated since the previous report
func (lm *LatencyMonitor) report() {
	lm.mu.Lock()
	windowCount, windowTotal := lm.windowCount, lm.windowTotal
	lm.windowCount, lm.windowTotal = 0, 0
	lm.mu.Unlock()

	m := lm.GetMetrics()
	var windowMean time.Duration
	if windowCount > 0 {
		windowMean = windowTotal / time.Duration(windowCount)
	}

	lm.logger.Info().
		Int64("round_trips", windowCount).
		Dur("window_mean", windowMean).
		Dur("last", m.Last).
		Dur("mean", m.Mean).
		Dur("peak", m.Peak).
		Int64("slow", m.Slow).
		Int("goroutines", m.Goroutines).
		Msg("Round-trip latency")

	if windowCount > 0 && lm.slowThreshold > 0 && windowMean > lm.slowThreshold {
		lm.logger.Warn().
			Dur("window_mean", windowMean).
			Dur("threshold", lm.slowThreshold).
			Msg("Frame grabber round trips are slow")
	}
}

// GetMetrics returns current latency metrics
func (lm *LatencyMonitor) GetMetrics() LatencyMetrics {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var mean time.Duration
	if lm.count > 0 {
		mean = lm.total / time.Duration(lm.count)
	}
	return LatencyMetrics{
		Count:      lm.count,
		Last:       lm.last,
		Mean:       mean,
		Peak:       lm.peak,
		Slow:       lm.slow,
		Goroutines: runtime.NumGoroutine(),
	}
}

// LatencyMetrics contains round-trip statistics
type LatencyMetrics struct {
	Count      int64         `json:"count"`
	Last       time.Duration `json:"last"`
	Mean       time.Duration `json:"mean"`
	Peak       time.Duration `json:"peak"`
	Slow       int64         `json:"slow"`
	Goroutines int           `json:"goroutines"`
}
