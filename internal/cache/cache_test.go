package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
)

func newOrchestrator() *Orchestrator {
	return New(NewMemStore(), nil, nil, nil, zerolog.Nop())
}

func TestCacheFreshness(t *testing.T) {
	o := newOrchestrator()
	ctx := context.Background()

	fetch := func(ctx context.Context) (any, error) { return "v1", nil }
	first := o.GetWithSmartCache(ctx, Request{CacheKey: "k1", Strategy: StrongTimeliness, FetchFn: fetch})
	if first.Hit {
		t.Fatalf("expected miss on cold key")
	}

	second := o.GetWithSmartCache(ctx, Request{CacheKey: "k1", Strategy: StrongTimeliness, FetchFn: fetch})
	if !second.Hit {
		t.Fatalf("expected hit on warm key")
	}
	if second.TTLRemaining <= 0 {
		t.Fatalf("expected positive ttlRemaining, got %d", second.TTLRemaining)
	}
}

func TestSingleFlightColdKey(t *testing.T) {
	// 50 concurrent callers, same cold key, exactly 1 fetch.
	o := newOrchestrator()
	ctx := context.Background()

	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "result", nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.GetWithSmartCache(ctx, Request{CacheKey: "shared", Strategy: StrongTimeliness, FetchFn: fetch})
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", calls)
	}
	for _, r := range results {
		if r.Data != "result" {
			t.Fatalf("expected all results to be 'result', got %v", r.Data)
		}
	}
}

func TestStorageFailureIsNonFatal(t *testing.T) {
	o := New(&faultyStore{}, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	fetch := func(ctx context.Context) (any, error) { return "fresh-data", nil }
	res := o.GetWithSmartCache(ctx, Request{CacheKey: "k", Strategy: StrongTimeliness, FetchFn: fetch})

	if res.Data != "fresh-data" {
		t.Fatalf("expected fresh data despite storage fault, got %v", res.Data)
	}
	if res.Error == nil {
		t.Fatalf("expected the storage error to be reported, not swallowed")
	}
}

func TestNoCacheNeverStores(t *testing.T) {
	o := newOrchestrator()
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (any, error) { calls++; return "v", nil }

	o.GetWithSmartCache(ctx, Request{CacheKey: "nc", Strategy: NoCache, FetchFn: fetch})
	o.GetWithSmartCache(ctx, Request{CacheKey: "nc", Strategy: NoCache, FetchFn: fetch})

	if calls != 2 {
		t.Fatalf("expected NO_CACHE to always refetch, got %d calls", calls)
	}
}

func TestAdaptiveTTLSkipsNoCache(t *testing.T) {
	o := newOrchestrator()
	ctx := context.Background()

	res := o.SetWithAdaptiveTTL(ctx, "k", "v", AdaptiveOptions{DataType: string(NoCache), Market: symbol.MarketUS})
	if res.Success {
		t.Fatalf("expected NO_CACHE dataType to be rejected")
	}
}

func TestAdaptiveTTLClamped(t *testing.T) {
	o := newOrchestrator()
	ctx := context.Background()

	res := o.SetWithAdaptiveTTL(ctx, "k", "v", AdaptiveOptions{DataType: "quote", AccessFrequency: FrequencyLow, Market: symbol.MarketUS})
	if res.TTL < minTTLSeconds || res.TTL > maxTTLSeconds {
		t.Fatalf("ttl %d outside clamp range", res.TTL)
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	o := newOrchestrator()
	ctx := context.Background()

	reqs := []BatchRequest{
		{Request{CacheKey: "a", Strategy: StrongTimeliness, FetchFn: func(ctx context.Context) (any, error) { return "A", nil }}},
		{Request{CacheKey: "b", Strategy: StrongTimeliness, FetchFn: func(ctx context.Context) (any, error) { return "B", nil }}},
		{Request{CacheKey: "c", Strategy: StrongTimeliness, FetchFn: func(ctx context.Context) (any, error) { return "C", nil }}},
	}

	results := o.BatchGetWithOptimizedConcurrency(ctx, reqs, BatchOptions{Concurrency: 2, EnableCache: true})
	want := []string{"A", "B", "C"}
	for i, r := range results {
		if r.Data != want[i] {
			t.Fatalf("result[%d] = %v, want %v", i, r.Data, want[i])
		}
	}
}

type faultyStore struct{}

func (faultyStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	return Entry{}, false, errors.New("connection reset")
}

func (faultyStore) Set(ctx context.Context, entry Entry) error {
	return nil
}
