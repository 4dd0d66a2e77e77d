package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/batching"
	"github.com/aoxiansheng/stock-api-sub013/internal/cache"
	"github.com/aoxiansheng/stock-api-sub013/internal/stream"
	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
	"github.com/aoxiansheng/stock-api-sub013/internal/wsgateway"
)

// subscriptionAdapter binds wsgateway.SubscriptionHandler's transport-facing
// method names to stream.Manager's domain methods, which wsgateway never
// imports directly.
type subscriptionAdapter struct {
	mgr *stream.Manager
}

func (a subscriptionAdapter) OnConnect(id stream.ClientID, provider, capability string, symbols []string) {
	a.mgr.Add(id, provider, capability, symbols)
}

func (a subscriptionAdapter) OnSubscribe(id stream.ClientID, symbols []string) {
	a.mgr.Subscribe(id, symbols)
}

func (a subscriptionAdapter) OnUnsubscribe(id stream.ClientID, symbols []string) {
	a.mgr.Unsubscribe(id, symbols)
}

func (a subscriptionAdapter) OnDisconnect(id stream.ClientID) {
	a.mgr.Remove(id)
}

func (a subscriptionAdapter) Touch(id stream.ClientID) {
	a.mgr.UpdateActivity(id)
}

// newBatchCallbacks builds the batching.RecordCallbacks that bridge a
// Pipeline's successfully transformed records into the stream/cache layers:
// normalize the symbol field, write through the cache, broadcast to
// subscribers, and log each record whose processing failed.
func newBatchCallbacks(mgr *stream.Manager, gw *wsgateway.Gateway, orchestrator *cache.Orchestrator, log zerolog.Logger) batching.RecordCallbacks {
	return batching.RecordCallbacks{
		EnsureSymbolConsistency: func(record map[string]any, symbols []string) {
			if len(symbols) == 0 {
				return
			}
			if _, ok := record["symbol"]; !ok {
				record["symbol"] = symbols[0]
			}
		},
		CacheData: func(record map[string]any, evt batching.QuoteEvent) {
			if len(evt.Symbols) == 0 {
				return
			}
			key := "stream:" + evt.Provider + ":" + evt.Capability + ":" + evt.Symbols[0]
			orchestrator.SetWithAdaptiveTTL(context.Background(), key, record, cache.AdaptiveOptions{
				DataType:        evt.Capability,
				Symbol:          evt.Symbols[0],
				AccessFrequency: cache.FrequencyHigh,
				Market:          symbol.InferMarket(evt.Symbols),
			})
		},
		BroadcastData: func(record map[string]any, evt batching.QuoteEvent, degraded bool) {
			payload := map[string]any{"data": record, "degraded": degraded}
			for _, s := range evt.Symbols {
				if err := mgr.BroadcastToSymbol(s, payload, gw); err != nil {
					log.Warn().Err(err).Str("symbol", s).Msg("broadcast failed")
				}
			}
		},
		RecordMetrics: func(evt batching.QuoteEvent, elapsed time.Duration, err error) {
			if err != nil {
				log.Warn().Err(err).Str("provider", evt.Provider).Str("capability", evt.Capability).
					Dur("elapsed", elapsed).Msg("stream record processing failed")
			}
		},
	}
}
