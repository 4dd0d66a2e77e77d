package symbol

import "testing"

func newTestTransformer() *Transformer {
	tables := map[string]*ProviderTable{
		"longport": NewProviderTable(map[string]string{
			"700.HK": "00700",
			"AAPL":   "AAPL",
		}),
	}
	return New(tables, nil)
}

func TestTransformToStandard(t *testing.T) {
	tr := newTestTransformer()
	res, err := tr.Transform("longport", []string{"00700"}, ToStandard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Mapped) != 1 || res.Mapped[0] != "700.HK" {
		t.Fatalf("unexpected mapped result: %+v", res.Mapped)
	}
	if res.Metadata.TotalSymbols != res.Metadata.SuccessCount+res.Metadata.FailedCount {
		t.Fatalf("total/success/failed count mismatch: total=%d success=%d failed=%d",
			res.Metadata.TotalSymbols, res.Metadata.SuccessCount, res.Metadata.FailedCount)
	}
}

func TestTransformUnknownSymbolFailsButDoesNotError(t *testing.T) {
	tr := newTestTransformer()
	res, err := tr.Transform("longport", []string{"UNKNOWN1"}, ToStandard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "UNKNOWN1" {
		t.Fatalf("expected UNKNOWN1 in failed list, got %+v", res.Failed)
	}
	if res.Metadata.TotalSymbols != res.Metadata.SuccessCount+res.Metadata.FailedCount {
		t.Fatalf("total/success/failed count mismatch")
	}
}

func TestTransformUnknownProviderReturnsAllFailed(t *testing.T) {
	tr := newTestTransformer()
	res, err := tr.Transform("nosuchprovider", []string{"A", "B"}, ToStandard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Mapped) != 0 {
		t.Fatalf("expected no mapped symbols, got %+v", res.Mapped)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("expected 2 failed symbols, got %+v", res.Failed)
	}
	if res.Metadata.SuccessCount != 0 {
		t.Fatalf("expected successCount 0")
	}
}

func TestTransformValidationErrors(t *testing.T) {
	tr := newTestTransformer()

	if _, err := tr.Transform("", []string{"A"}, ToStandard); err == nil {
		t.Fatalf("expected validation error for empty provider")
	}
	if _, err := tr.Transform("longport", []string{"A"}, "SIDEWAYS"); err == nil {
		t.Fatalf("expected validation error for bad direction")
	}
	if _, err := tr.Transform("longport", []string{""}, ToStandard); err == nil {
		t.Fatalf("expected validation error for empty symbol")
	}
}

func TestTransformSingleNeverErrorsOnMappingGap(t *testing.T) {
	tr := newTestTransformer()
	out, err := tr.TransformSingle("longport", "NOPE", ToStandard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "NOPE" {
		t.Fatalf("expected input passthrough, got %q", out)
	}
}

func TestInferMarketMixed(t *testing.T) {
	// P10
	if got := InferMarket([]string{"700.HK", "AAPL"}); got != MarketMixed {
		t.Fatalf("expected MIXED, got %v", got)
	}
}

func TestInferMarketSingle(t *testing.T) {
	if got := InferMarket([]string{"AAPL", "MSFT"}); got != MarketUS {
		t.Fatalf("expected US, got %v", got)
	}
	if got := InferMarket([]string{"700.HK", "9988.HK"}); got != MarketHK {
		t.Fatalf("expected HK, got %v", got)
	}
	if got := InferMarket([]string{"600519"}); got != MarketCN {
		t.Fatalf("expected CN, got %v", got)
	}
}

func TestInferMarketUnknown(t *testing.T) {
	if got := InferMarket([]string{"???"}); got != MarketUnknown {
		t.Fatalf("expected UNKNOWN, got %v", got)
	}
}
