// Package stats implements the Query Statistics bus: every hot-path call
// emits one structured event; there is no local aggregation. Emission never
// blocks the caller and never crashes it.
package stats

import (
	"time"

	"github.com/rs/zerolog"
)

// SlowQueryThresholdMs is the default threshold above which a slow_query_detected
// event is additionally emitted.
const SlowQueryThresholdMs = 500

// Event is one structured statistics record.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	MetricType string         `json:"metricType"`
	MetricName string         `json:"metricName"`
	MetricValue float64       `json:"metricValue"`
	Tags       map[string]any `json:"tags,omitempty"`
}

// Bus is a bounded, non-blocking event sink. Construct with New and drain it
// with Run in its own goroutine; Emit is safe for concurrent use.
type Bus struct {
	ch  chan Event
	log zerolog.Logger
}

// New creates a Bus with the given channel capacity.
func New(log zerolog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{ch: make(chan Event, capacity), log: log}
}

// Emit records one event. If the channel is full the event is dropped and a
// warning is logged; the hot path is never blocked.
func (b *Bus) Emit(metricType, metricName string, value float64, tags map[string]any) {
	evt := Event{
		Timestamp:   time.Now(),
		Source:      "query_statistics",
		MetricType:  metricType,
		MetricName:  metricName,
		MetricValue: value,
		Tags:        tags,
	}
	select {
	case b.ch <- evt:
	default:
		b.log.Warn().Str("metric", metricName).Msg("stats bus full, dropping event")
	}

	if value > SlowQueryThresholdMs && metricType == "latency" {
		slow := Event{
			Timestamp:   time.Now(),
			Source:      "query_statistics",
			MetricType:  "slow_query_detected",
			MetricName:  metricName,
			MetricValue: value,
			Tags:        mergeTag(tags, "severity", "warning"),
		}
		select {
		case b.ch <- slow:
		default:
			b.log.Warn().Str("metric", metricName).Msg("stats bus full, dropping slow_query_detected event")
		}
	}
}

// EmitShutdown emits the terminal service_shutdown event. Callers should
// invoke this once, just before Run's context is cancelled.
func (b *Bus) EmitShutdown() {
	evt := Event{
		Timestamp:  time.Now(),
		Source:     "query_statistics",
		MetricType: "lifecycle",
		MetricName: "service_shutdown",
	}
	select {
	case b.ch <- evt:
	default:
	}
}

// Run drains events to sink until done is closed. Sink errors are caught and
// logged as warnings; they never propagate or stop the drain loop.
func (b *Bus) Run(done <-chan struct{}, sink func(Event) error) {
	for {
		select {
		case evt := <-b.ch:
			if sink == nil {
				continue
			}
			if err := sink(evt); err != nil {
				b.log.Warn().Err(err).Str("metric", evt.MetricName).Msg("stats sink failed")
			}
		case <-done:
			return
		}
	}
}

func mergeTag(tags map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[key] = value
	return out
}
