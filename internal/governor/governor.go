// Package governor implements the Smart Cache Orchestrator's memory and
// concurrency governor: it samples system load on a timer and adjusts the
// orchestrator's allowed concurrency and batch size, backing off under
// memory pressure.
package governor

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/stats"
)

const (
	minConcurrency  = 2
	maxConcurrency  = 32
	defaultStep     = 5
	minBatchSize    = 5
	maxBatchSize    = 50
	lowCPUThreshold = 0.4
	lowMemThreshold = 0.7

	highCPUThreshold = 0.7
	highMemThreshold = 0.85

	criticalMemThreshold  = 0.9
	freeMemCriticalBytes  = 512 * 1024 * 1024
)

// Sample is one reading of system load.
type Sample struct {
	CPULoad float64
	MemUsed float64
	FreeMem uint64
}

// sampler is swappable in tests so they don't depend on real host load.
type sampler func() (Sample, error)

// Governor samples system load and derives the concurrency/batch-size
// parameters the cache orchestrator should use.
type Governor struct {
	mu                sync.RWMutex
	concurrency       int
	baseBatch         int
	memoryPressureHit int
	sample            sampler
	bus               *stats.Bus
	log               zerolog.Logger
}

// New builds a Governor. baseBatch is the nominal (unscaled) batch size.
func New(bus *stats.Bus, log zerolog.Logger, baseBatch int) *Governor {
	return &Governor{
		concurrency: 8,
		baseBatch:   baseBatch,
		sample:      sampleHost,
		bus:         bus,
		log:         log,
	}
}

func sampleHost() (Sample, error) {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	cpuLoad := 0.0
	if err != nil {
		// gopsutil failures are warnings, not fatal, matching
		// aristath-sentinel's getSystemStats.
	} else if len(percents) > 0 {
		cpuLoad = percents[0] / 100.0
	}

	vm, err := mem.VirtualMemory()
	memUsed := 0.0
	var free uint64
	if err == nil && vm != nil {
		memUsed = vm.UsedPercent / 100.0
		free = vm.Available
	}

	return Sample{CPULoad: cpuLoad, MemUsed: memUsed, FreeMem: free}, nil
}

// Concurrency returns the current allowed concurrency.
func (g *Governor) Concurrency() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.concurrency
}

// BatchSize returns the current recommended batch size given the governor's
// last tick and the caller's current load (in-flight item count).
func (g *Governor) BatchSize(currentLoad int) int {
	g.mu.RLock()
	concurrency := g.concurrency
	base := g.baseBatch
	g.mu.RUnlock()

	scale := float64(concurrency) / 8.0
	if scale < 1 {
		scale = 1
	}
	size := int(float64(base) * scale)
	if currentLoad > concurrency {
		size = size / 2
	}
	return clamp(size, minBatchSize, maxBatchSize)
}

// Tick samples system load once and adjusts concurrency accordingly. It
// returns the sample taken and whether memory pressure was declared.
func (g *Governor) Tick() (Sample, bool) {
	s, _ := g.sample()

	g.mu.Lock()
	prev := g.concurrency

	switch {
	case s.CPULoad < lowCPUThreshold && s.MemUsed < lowMemThreshold:
		g.concurrency = clamp(g.concurrency+defaultStep, minConcurrency, maxConcurrency)
	case s.CPULoad > highCPUThreshold || s.MemUsed > highMemThreshold:
		g.concurrency = clamp(g.concurrency-defaultStep, minConcurrency, maxConcurrency)
	}

	pressure := s.MemUsed > criticalMemThreshold || (s.FreeMem > 0 && s.FreeMem < freeMemCriticalBytes)
	if pressure {
		g.concurrency = clamp(g.concurrency/2, minConcurrency, maxConcurrency)
		g.memoryPressureHit++
	}
	newConcurrency := g.concurrency
	g.mu.Unlock()

	if g.bus != nil {
		if newConcurrency != prev {
			g.bus.Emit("governor", "concurrency_adjusted", float64(newConcurrency), map[string]any{
				"previous": prev,
			})
		}
		if pressure {
			g.bus.Emit("governor", "memory_pressure_events", 1, map[string]any{
				"memUsed": s.MemUsed,
				"freeMem": s.FreeMem,
			})
		}
	}

	return s, pressure
}

// ResetStats clears the memory-pressure hit counter.
func (g *Governor) ResetStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.memoryPressureHit = 0
	if g.bus != nil {
		g.bus.Emit("governor", "stats_reset", 0, nil)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
