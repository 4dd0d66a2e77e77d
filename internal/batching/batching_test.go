package batching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/mapping"
)

func TestBatchPreservesArrivalOrderWithinGroup(t *testing.T) {
	// events sharing (provider, capability) flush in arrival order.
	var mu sync.Mutex
	var seen []string

	cfg := DefaultConfig()
	cfg.DynamicEnabled = false
	p := New(cfg, "prov-a", nil, RecordCallbacks{
		BroadcastData: func(record map[string]any, evt QuoteEvent, degraded bool) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, evt.Symbols[0])
		},
	}, nil, zerolog.Nop())

	events := []QuoteEvent{
		{Provider: "prov-a", Capability: "stream-stock-quote", Raw: map[string]any{}, Symbols: []string{"AAPL"}},
		{Provider: "prov-a", Capability: "stream-stock-quote", Raw: map[string]any{}, Symbols: []string{"MSFT"}},
		{Provider: "prov-a", Capability: "stream-stock-quote", Raw: map[string]any{}, Symbols: []string{"GOOG"}},
	}
	p.flush(events)

	want := []string{"AAPL", "MSFT", "GOOG"}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("got %d records, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestAdjustIntervalHighLoad(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg, "prov-a", nil, RecordCallbacks{}, nil, zerolog.Nop())

	for i := 0; i < cfg.SampleWindow; i++ {
		p.recordBatchSize(20)
	}
	p.adjustInterval()

	if p.currentIntervalMs != cfg.HighLoadIntervalMs {
		t.Fatalf("expected high load interval %d, got %d", cfg.HighLoadIntervalMs, p.currentIntervalMs)
	}
}

func TestAdjustIntervalLowLoad(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg, "prov-a", nil, RecordCallbacks{}, nil, zerolog.Nop())

	for i := 0; i < cfg.SampleWindow; i++ {
		p.recordBatchSize(1)
	}
	p.adjustInterval()

	if p.currentIntervalMs != cfg.LowLoadIntervalMs {
		t.Fatalf("expected low load interval %d, got %d", cfg.LowLoadIntervalMs, p.currentIntervalMs)
	}
}

func TestAdjustIntervalClampedToRange(t *testing.T) {
	// interval never leaves [MinIntervalMs, MaxIntervalMs] regardless of how
	// extreme the load samples are.
	cfg := DefaultConfig()
	cfg.HighLoadIntervalMs = 1000
	cfg.LowLoadIntervalMs = -50
	p := New(cfg, "prov-a", nil, RecordCallbacks{}, nil, zerolog.Nop())

	for i := 0; i < cfg.SampleWindow; i++ {
		p.recordBatchSize(100)
	}
	p.adjustInterval()
	if p.currentIntervalMs > cfg.MaxIntervalMs {
		t.Fatalf("interval %d exceeds max %d", p.currentIntervalMs, cfg.MaxIntervalMs)
	}

	for i := 0; i < cfg.SampleWindow; i++ {
		p.recordBatchSize(0)
	}
	// zero-valued samples average to 0 which is treated as "no data", so
	// nudge once more with a single low sample to actually hit the low branch.
	p.recordBatchSize(1)
	p.adjustInterval()
	if p.currentIntervalMs < cfg.MinIntervalMs {
		t.Fatalf("interval %d below min %d", p.currentIntervalMs, cfg.MinIntervalMs)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(20, 0.5, 3, 30*time.Second)
	for i := 0; i < 3; i++ {
		b.recordFailure()
	}
	if !b.open() {
		t.Fatalf("expected breaker to be open after consecutive failures")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	b := newBreaker(20, 0.5, 3, 1*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.recordFailure()
	}
	time.Sleep(2 * time.Millisecond)
	if b.open() {
		t.Fatalf("expected half-open probe to be allowed through")
	}
	b.recordSuccess()
	if b.open() {
		t.Fatalf("expected breaker closed after half-open success")
	}
}

func TestProcessRecordFallsBackWhenBreakerOpen(t *testing.T) {
	var degraded bool
	cfg := DefaultConfig()
	p := New(cfg, "prov-a", nil, RecordCallbacks{
		BroadcastData: func(record map[string]any, evt QuoteEvent, d bool) { degraded = d },
	}, nil, zerolog.Nop())

	for i := 0; i < DefaultBreakerConsecutive; i++ {
		p.breaker.recordFailure()
	}

	p.processRecord(QuoteEvent{Raw: map[string]any{"x": 1.0}}, nil, false)
	if !degraded {
		t.Fatalf("expected degraded fallback while breaker is open")
	}
}

func TestProcessGroupUsesMappingRule(t *testing.T) {
	registry := mapping.NewStaticRegistry(map[mapping.Key]mapping.Rule{
		{Provider: "prov-a", APIType: "stream", RuleListType: "quote_fields"}: {
			{SourceFieldPath: "price", TargetField: "lastPrice", Active: true},
		},
	})

	var captured map[string]any
	cfg := DefaultConfig()
	p := New(cfg, "prov-a", registry, RecordCallbacks{
		BroadcastData: func(record map[string]any, evt QuoteEvent, degraded bool) { captured = record },
	}, nil, zerolog.Nop())

	p.processGroup([]QuoteEvent{
		{Provider: "prov-a", Capability: "stream-stock-quote", Raw: map[string]any{"price": 55.5}},
	})

	if captured["lastPrice"] != 55.5 {
		t.Fatalf("expected mapping rule to populate lastPrice, got %v", captured)
	}
}

func TestRunFlushesOnContextCancel(t *testing.T) {
	var count int
	var mu sync.Mutex
	cfg := DefaultConfig()
	cfg.BaseIntervalMs = 10_000
	p := New(cfg, "prov-a", nil, RecordCallbacks{
		BroadcastData: func(record map[string]any, evt QuoteEvent, degraded bool) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Add(QuoteEvent{Provider: "prov-a", Capability: "stream-stock-quote", Raw: map[string]any{}})
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected pending event to flush on shutdown, got count=%d", count)
	}
}
