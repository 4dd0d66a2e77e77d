// Package batching implements the Dynamic Batching Pipeline: a single
// logical consumer that accumulates streamed quote events and periodically
// flushes them as one batch per (provider, capability) group, with adaptive
// interval tuning and a circuit breaker around the field-mapping transform.
//
// Uses a single-goroutine accumulator loop (time.Ticker + select{ctx.Done,
// ticker.C}) with an adaptive, rather than fixed, flush interval.
package batching

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aoxiansheng/stock-api-sub013/internal/mapping"
	"github.com/aoxiansheng/stock-api-sub013/internal/stats"
)

// Default pipeline tuning constants.
const (
	DefaultBaseIntervalMs     = 50
	DefaultMinIntervalMs      = 10
	DefaultMaxIntervalMs      = 200
	DefaultHighLoadIntervalMs = 25
	DefaultLowLoadIntervalMs  = 100
	DefaultHighLoadThreshold  = 15
	DefaultLowLoadThreshold   = 5
	DefaultSampleWindow       = 20
	DefaultAdjustmentStepMs   = 5
	DefaultAdjustmentFreqMs   = 5000

	DefaultBreakerWindow       = 20
	DefaultBreakerFailureRatio = 0.5
	DefaultBreakerConsecutive  = 5
	DefaultBreakerResetTimeout = 30 * time.Second
)

// QuoteEvent is one streamed event entering the pipeline. ArrivedAt is
// monotonic per provider connection.
type QuoteEvent struct {
	Raw        map[string]any
	Provider   string
	Capability string
	ArrivedAt  time.Time
	Symbols    []string
}

// Batch is one flushed group of events sharing (Provider, Capability).
type Batch struct {
	Provider   string
	Capability string
	Events     []QuoteEvent
}

// Config configures one Pipeline instance.
type Config struct {
	BaseIntervalMs     int
	MinIntervalMs      int
	MaxIntervalMs      int
	HighLoadIntervalMs int
	LowLoadIntervalMs  int
	HighLoadThreshold  int
	LowLoadThreshold   int
	SampleWindow       int
	AdjustmentStepMs   int
	AdjustmentFreqMs   int
	DynamicEnabled     bool
}

// DefaultConfig returns the pipeline's default tuning configuration.
func DefaultConfig() Config {
	return Config{
		BaseIntervalMs:     DefaultBaseIntervalMs,
		MinIntervalMs:      DefaultMinIntervalMs,
		MaxIntervalMs:      DefaultMaxIntervalMs,
		HighLoadIntervalMs: DefaultHighLoadIntervalMs,
		LowLoadIntervalMs:  DefaultLowLoadIntervalMs,
		HighLoadThreshold:  DefaultHighLoadThreshold,
		LowLoadThreshold:   DefaultLowLoadThreshold,
		SampleWindow:       DefaultSampleWindow,
		AdjustmentStepMs:   DefaultAdjustmentStepMs,
		AdjustmentFreqMs:   DefaultAdjustmentFreqMs,
		DynamicEnabled:     true,
	}
}

// RecordCallbacks are invoked for each successfully transformed record.
type RecordCallbacks struct {
	EnsureSymbolConsistency func(record map[string]any, symbols []string)
	CacheData               func(record map[string]any, evt QuoteEvent)
	BroadcastData           func(record map[string]any, evt QuoteEvent, degraded bool)
	RecordMetrics           func(evt QuoteEvent, elapsed time.Duration, err error)
}

// Pipeline is the Dynamic Batching Pipeline. A Pipeline instance owns
// exactly one goroutine (started by Run) and must never be driven by two
// goroutines concurrently; Add is the only concurrency-safe entry point from
// a producer.
type Pipeline struct {
	cfg      Config
	rules    mapping.Registry
	provider string
	callbacks RecordCallbacks
	bus      *stats.Bus
	log      zerolog.Logger

	incoming chan QuoteEvent

	mu          sync.Mutex
	accumulator []QuoteEvent

	sizeHistory []int
	historyPos  int

	breaker *breaker

	currentIntervalMs int
}

// New builds a Pipeline bound to one provider connection.
func New(cfg Config, provider string, rules mapping.Registry, callbacks RecordCallbacks, bus *stats.Bus, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:               cfg,
		rules:             rules,
		provider:          provider,
		callbacks:         callbacks,
		bus:               bus,
		log:               log,
		incoming:          make(chan QuoteEvent, 4096),
		sizeHistory:       make([]int, 0, cfg.SampleWindow),
		breaker:           newBreaker(DefaultBreakerWindow, DefaultBreakerFailureRatio, DefaultBreakerConsecutive, DefaultBreakerResetTimeout),
		currentIntervalMs: cfg.BaseIntervalMs,
	}
}

// Add appends an event to the accumulator. Non-blocking: if the internal
// buffer is saturated the event is dropped and logged, never blocking the
// provider connection's read loop.
func (p *Pipeline) Add(evt QuoteEvent) {
	select {
	case p.incoming <- evt:
	default:
		p.log.Warn().Str("provider", p.provider).Msg("batching pipeline backlog full, dropping event")
	}
}

// Run is the pipeline's single cooperative consumer. It owns all mutable
// pipeline state from this goroutine alone, plus the channel handoff from
// Add.
func (p *Pipeline) Run(ctx context.Context) {
	flushTimer := time.NewTimer(time.Duration(p.currentIntervalMs) * time.Millisecond)
	defer flushTimer.Stop()

	adjustTicker := time.NewTicker(time.Duration(p.cfg.AdjustmentFreqMs) * time.Millisecond)
	defer adjustTicker.Stop()

	var pending []QuoteEvent

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				p.flush(pending)
			}
			return
		case evt := <-p.incoming:
			pending = append(pending, evt)
		case <-flushTimer.C:
			if len(pending) > 0 {
				batch := pending
				pending = nil
				p.flush(batch)
			}
			flushTimer.Reset(time.Duration(p.currentIntervalMs) * time.Millisecond)
		case <-adjustTicker.C:
			if p.cfg.DynamicEnabled {
				p.adjustInterval()
			}
		}
	}
}

func (p *Pipeline) flush(events []QuoteEvent) {
	p.recordBatchSize(len(events))

	groups := make(map[string][]QuoteEvent)
	order := make([]string, 0)
	for _, evt := range events {
		key := evt.Provider + "|" + evt.Capability
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], evt)
	}

	for _, key := range order {
		p.processGroup(groups[key])
	}
}

func (p *Pipeline) processGroup(events []QuoteEvent) {
	if len(events) == 0 {
		return
	}
	capability := events[0].Capability
	provider := events[0].Provider
	ruleType := mapping.RuleListTypeForStreamCapability(capability)

	var rule mapping.Rule
	haveRule := false
	if p.rules != nil {
		rule, haveRule = p.rules.Lookup(mapping.Key{Provider: provider, APIType: "stream", RuleListType: ruleType})
	}

	for _, evt := range events {
		p.processRecord(evt, rule, haveRule)
	}
}

func (p *Pipeline) processRecord(evt QuoteEvent, rule mapping.Rule, haveRule bool) {
	start := time.Now()

	if p.breaker.open() {
		p.fallback(evt, start, nil)
		return
	}

	var transformed map[string]any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errFromRecover(r)
			}
		}()
		if !haveRule {
			transformed = evt.Raw
			return
		}
		transformed, err = mapping.ApplyRule(evt.Raw, rule)
	}()

	if err != nil {
		p.breaker.recordFailure()
		p.fallback(evt, start, err)
		return
	}

	p.breaker.recordSuccess()

	if p.callbacks.EnsureSymbolConsistency != nil {
		p.callbacks.EnsureSymbolConsistency(transformed, evt.Symbols)
	}
	if p.callbacks.CacheData != nil {
		p.callbacks.CacheData(transformed, evt)
	}
	if p.callbacks.BroadcastData != nil {
		p.callbacks.BroadcastData(transformed, evt, false)
	}
	if p.callbacks.RecordMetrics != nil {
		p.callbacks.RecordMetrics(evt, time.Since(start), nil)
	}
}

// fallback passes the raw record through untransformed with a degraded tag,
// covering both circuit-open and per-record transform failure. Malformed
// records never crash the pipeline.
func (p *Pipeline) fallback(evt QuoteEvent, start time.Time, cause error) {
	if p.callbacks.BroadcastData != nil {
		p.callbacks.BroadcastData(evt.Raw, evt, true)
	}
	if p.callbacks.RecordMetrics != nil {
		p.callbacks.RecordMetrics(evt, time.Since(start), cause)
	}
	if p.bus != nil {
		p.bus.Emit("batching", "record_fallback", 1, map[string]any{
			"provider":   evt.Provider,
			"capability": evt.Capability,
		})
	}
}

func errFromRecover(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &recoveredPanic{value: r}
}

type recoveredPanic struct{ value any }

func (r *recoveredPanic) Error() string {
	return "recovered panic in transform"
}

func (p *Pipeline) recordBatchSize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sizeHistory) < p.cfg.SampleWindow {
		p.sizeHistory = append(p.sizeHistory, size)
	} else {
		p.sizeHistory[p.historyPos] = size
		p.historyPos = (p.historyPos + 1) % p.cfg.SampleWindow
	}
}

func (p *Pipeline) meanBatchSize() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sizeHistory) == 0 {
		return 0
	}
	floats := make([]float64, len(p.sizeHistory))
	for i, v := range p.sizeHistory {
		floats[i] = float64(v)
	}
	return stat.Mean(floats, nil)
}

// adjustInterval re-evaluates the flush interval. When the interval changes
// it updates currentIntervalMs and emits batch_interval_adjusted itself.
func (p *Pipeline) adjustInterval() {
	mean := p.meanBatchSize()
	old := p.currentIntervalMs

	var next int
	loadLevel := "normal"
	switch {
	case mean >= float64(p.cfg.HighLoadThreshold):
		next = p.cfg.HighLoadIntervalMs
		loadLevel = "high"
	case mean <= float64(p.cfg.LowLoadThreshold) && mean > 0:
		next = p.cfg.LowLoadIntervalMs
		loadLevel = "low"
	default:
		next = nudgeTowardsBase(old, p.cfg.BaseIntervalMs, p.cfg.AdjustmentStepMs)
	}

	next = clampInterval(next, p.cfg.MinIntervalMs, p.cfg.MaxIntervalMs)
	if next == old {
		return
	}

	direction := "up"
	if next < old {
		direction = "down"
	}
	p.currentIntervalMs = next

	if p.bus != nil {
		p.bus.Emit("batching", "batch_interval_adjusted", float64(next), map[string]any{
			"old":       old,
			"new":       next,
			"loadLevel": loadLevel,
			"direction": direction,
		})
	}
}

func nudgeTowardsBase(current, base, step int) int {
	if current == base {
		return current
	}
	if current < base {
		next := current + step
		if next > base {
			return base
		}
		return next
	}
	next := current - step
	if next < base {
		return base
	}
	return next
}

func clampInterval(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
