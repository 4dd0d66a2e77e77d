package main

import (
	"context"
	"time"

	"github.com/aoxiansheng/stock-api-sub013/internal/provider"
)

// synthClient is the default wiring's only provider.Client: a fixed
// synthetic quote generator, so the REST pipeline and batching pipeline have
// something to fetch from out of the box without a real upstream SDK.
type synthClient struct{}

func newSynthClient() provider.Client {
	return synthClient{}
}

func (synthClient) Fetch(ctx context.Context, req provider.FetchRequest) (provider.FetchResult, error) {
	raw := make([]map[string]any, 0, len(req.Symbols))
	now := time.Now().UTC().Format(time.RFC3339)
	for _, s := range req.Symbols {
		raw = append(raw, map[string]any{
			"symbol":    s,
			"lastPrice": 100.0,
			"timestamp": now,
		})
	}
	return provider.FetchResult{Raw: raw}, nil
}
