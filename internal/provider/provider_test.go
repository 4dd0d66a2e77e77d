package provider

import (
	"context"
	"testing"

	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
)

type stubClient struct{}

func (stubClient) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	return FetchResult{}, nil
}

func TestSelectPrefersHigherPriority(t *testing.T) {
	cat := NewStaticCatalogue()
	cat.Register("alpha", stubClient{}, []Capability{
		{Name: "get-stock-quote", Priority: 1, Markets: map[symbol.Market]bool{symbol.MarketHK: true}},
	})
	cat.Register("beta", stubClient{}, []Capability{
		{Name: "get-stock-quote", Priority: 5, Markets: map[symbol.Market]bool{symbol.MarketHK: true}},
	})

	got, ok := cat.Select("get-stock-quote", symbol.MarketHK)
	if !ok {
		t.Fatal("expected a provider to be selected")
	}
	if got != "beta" {
		t.Fatalf("expected beta (higher priority), got %s", got)
	}
}

func TestSelectNoMatchingMarket(t *testing.T) {
	cat := NewStaticCatalogue()
	cat.Register("alpha", stubClient{}, []Capability{
		{Name: "get-stock-quote", Priority: 1, Markets: map[symbol.Market]bool{symbol.MarketUS: true}},
	})

	_, ok := cat.Select("get-stock-quote", symbol.MarketHK)
	if ok {
		t.Fatal("expected no provider to match HK market")
	}
}

func TestSupports(t *testing.T) {
	cat := NewStaticCatalogue()
	cat.Register("alpha", stubClient{}, []Capability{
		{Name: "get-stock-quote", Priority: 1},
	})

	if !cat.Supports("alpha", "get-stock-quote") {
		t.Fatal("expected alpha to support get-stock-quote")
	}
	if cat.Supports("alpha", "get-stock-history") {
		t.Fatal("expected alpha to not support get-stock-history")
	}
	if cat.Supports("missing", "get-stock-quote") {
		t.Fatal("expected unknown provider to report false")
	}
}
