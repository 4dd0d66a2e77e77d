package governor

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/stats"
)

func TestTickRaisesConcurrencyUnderLowLoad(t *testing.T) {
	g := New(stats.New(zerolog.Nop(), 16), zerolog.Nop(), 20)
	g.concurrency = 8
	g.sample = func() (Sample, error) {
		return Sample{CPULoad: 0.1, MemUsed: 0.2, FreeMem: 4 << 30}, nil
	}

	s, pressure := g.Tick()
	if pressure {
		t.Fatalf("did not expect memory pressure")
	}
	if g.Concurrency() != 13 {
		t.Fatalf("expected concurrency to rise to 13, got %d", g.Concurrency())
	}
	if s.CPULoad != 0.1 {
		t.Fatalf("unexpected sample: %+v", s)
	}
}

func TestTickLowersConcurrencyUnderHighLoad(t *testing.T) {
	g := New(stats.New(zerolog.Nop(), 16), zerolog.Nop(), 20)
	g.concurrency = 20
	g.sample = func() (Sample, error) {
		return Sample{CPULoad: 0.9, MemUsed: 0.5, FreeMem: 4 << 30}, nil
	}

	g.Tick()
	if g.Concurrency() != 15 {
		t.Fatalf("expected concurrency to drop to 15, got %d", g.Concurrency())
	}
}

func TestTickDeclaresMemoryPressure(t *testing.T) {
	g := New(stats.New(zerolog.Nop(), 16), zerolog.Nop(), 20)
	g.concurrency = 20
	g.sample = func() (Sample, error) {
		return Sample{CPULoad: 0.5, MemUsed: 0.95, FreeMem: 100 << 20}, nil
	}

	_, pressure := g.Tick()
	if !pressure {
		t.Fatalf("expected memory pressure to be declared")
	}
	if g.Concurrency() != 7 {
		t.Fatalf("expected concurrency stepped down to 15 then halved to 7, got %d", g.Concurrency())
	}
}

func TestConcurrencyNeverBelowFloor(t *testing.T) {
	g := New(stats.New(zerolog.Nop(), 16), zerolog.Nop(), 20)
	g.concurrency = 2
	g.sample = func() (Sample, error) {
		return Sample{CPULoad: 0.99, MemUsed: 0.99, FreeMem: 0}, nil
	}

	g.Tick()
	if g.Concurrency() < minConcurrency {
		t.Fatalf("concurrency fell below floor: %d", g.Concurrency())
	}
}

func TestBatchSizeClamped(t *testing.T) {
	g := New(stats.New(zerolog.Nop(), 16), zerolog.Nop(), 1000)
	g.concurrency = 32

	size := g.BatchSize(0)
	if size < minBatchSize || size > maxBatchSize {
		t.Fatalf("batch size %d outside [%d,%d]", size, minBatchSize, maxBatchSize)
	}
}
