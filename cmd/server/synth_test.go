package main

import (
	"context"
	"testing"

	"github.com/aoxiansheng/stock-api-sub013/internal/provider"
)

func TestSynthClientReturnsOneRecordPerSymbol(t *testing.T) {
	client := newSynthClient()
	result, err := client.Fetch(context.Background(), provider.FetchRequest{
		Provider: "synth", Capability: "get-stock-quote", Symbols: []string{"AAPL", "MSFT"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Raw) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Raw))
	}
	if result.Raw[0]["symbol"] != "AAPL" {
		t.Fatalf("expected first record for AAPL, got %v", result.Raw[0]["symbol"])
	}
}
