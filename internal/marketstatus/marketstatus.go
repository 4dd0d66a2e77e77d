// Package marketstatus implements the Market Status Engine: per-market
// trading sessions, holiday/DST handling, and provider-reconciled status
// with confidence scoring. It drives the cache TTLs used elsewhere.
package marketstatus

import (
	"sync"
	"time"

	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
)

// State is one of the closed set of market states.
type State string

const (
	StatePreMarket  State = "PRE_MARKET"
	StateTrading    State = "TRADING"
	StateLunchBreak State = "LUNCH_BREAK"
	StateAfterHours State = "AFTER_HOURS"
	StateClosed     State = "CLOSED"
	StateWeekend    State = "WEEKEND"
	StateHoliday    State = "HOLIDAY"
)

// ProviderState is an upstream advisory about a market's status, reconciled
// against the local computation.
type ProviderState string

const (
	ProviderOpen      ProviderState = "OPEN"
	ProviderClosed    ProviderState = "CLOSED"
	ProviderPreOpen   ProviderState = "PRE_OPEN"
	ProviderPostClose ProviderState = "POST_CLOSE"
	ProviderHoliday   ProviderState = "HOLIDAY"
)

// Session is a named interval inside a trading day, in minutes since midnight.
type Session struct {
	Name         string
	StartMinute  int
	EndMinute    int
}

// MarketConfig configures one market's trading calendar.
type MarketConfig struct {
	Market      symbol.Market
	Location    *time.Location
	TradingDays map[time.Weekday]bool
	Sessions    []Session // ascending, non-overlapping
	DSTSupport  bool
	Holidays    map[string]bool // "2006-01-02" in Location
}

// MarketStatus is the computed or cached status for one market at one instant.
type MarketStatus struct {
	Market        symbol.Market
	State         State
	LocalTime     time.Time
	Timezone      string
	Session       string
	NextSession   string
	RealtimeTTL   int
	AnalyticalTTL int
	IsHoliday     bool
	IsDST         bool
	Confidence    float64
}

type cacheEntry struct {
	status    MarketStatus
	expiresAt time.Time
}

// Engine computes and caches MarketStatus per market, mirroring the
// teacher's per-year holiday-cache pattern but keyed by market and the
// spec's 60s/600s TTL split instead of a year bucket.
type Engine struct {
	mu      sync.RWMutex
	configs map[symbol.Market]MarketConfig
	cache   map[symbol.Market]cacheEntry
}

// New builds an Engine over the given per-market configs.
func New(configs map[symbol.Market]MarketConfig) *Engine {
	return &Engine{
		configs: configs,
		cache:   make(map[symbol.Market]cacheEntry),
	}
}

// Get returns the cached status if fresh, otherwise computes and caches it.
func (e *Engine) Get(market symbol.Market) (MarketStatus, bool) {
	return e.GetWithProvider(market, "")
}

// GetWithProvider is Get, additionally reconciling with a provider advisory.
// An empty ProviderState means "no advisory available".
func (e *Engine) GetWithProvider(market symbol.Market, provider ProviderState) (MarketStatus, bool) {
	now := time.Now()

	e.mu.RLock()
	entry, ok := e.cache[market]
	e.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) && provider == "" {
		return entry.status, true
	}

	cfg, ok := e.configs[market]
	if !ok {
		return MarketStatus{}, false
	}

	status := e.compute(cfg, now)
	status = reconcile(status, provider)

	ttl := 600 * time.Second
	if status.State == StateTrading {
		ttl = 60 * time.Second
	}

	e.mu.Lock()
	e.cache[market] = cacheEntry{status: status, expiresAt: now.Add(ttl)}
	e.mu.Unlock()

	return status, true
}

// Batch computes status for each market independently. A market with no
// configuration is left out of the result; it never fails the whole batch.
func (e *Engine) Batch(markets []symbol.Market) map[symbol.Market]MarketStatus {
	out := make(map[symbol.Market]MarketStatus, len(markets))
	for _, m := range markets {
		status, ok := e.Get(m)
		if !ok {
			continue
		}
		out[m] = status
	}
	return out
}

// Mode selects between realtime and analytical TTL.
type Mode string

const (
	ModeRealtime   Mode = "REALTIME"
	ModeAnalytical Mode = "ANALYTICAL"
)

// RecommendedTTL returns the TTL in seconds appropriate for market's current
// state and the requested mode.
func (e *Engine) RecommendedTTL(market symbol.Market, mode Mode) int {
	status, ok := e.Get(market)
	if !ok {
		return 60
	}
	if mode == ModeAnalytical {
		return status.AnalyticalTTL
	}
	return status.RealtimeTTL
}

// SweepExpired removes cache entries whose TTL has elapsed. Intended to run
// on a scheduler tick; it is not required for correctness (Get recomputes
// lazily) but bounds memory for markets no longer queried.
func (e *Engine) SweepExpired() int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for market, entry := range e.cache {
		if now.After(entry.expiresAt) {
			delete(e.cache, market)
			removed++
		}
	}
	return removed
}

func (e *Engine) compute(cfg MarketConfig, now time.Time) MarketStatus {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	status := MarketStatus{
		Market:     cfg.Market,
		LocalTime:  local,
		Timezone:   loc.String(),
		Confidence: 0.9,
		IsDST:      cfg.DSTSupport && isDST(local),
	}

	// realtimeTTL is the baseline real-time freshness target: it holds at 60s
	// regardless of session state (scenario 6 requires recommendedTTL(HK,
	// REALTIME) == 60 even while the market is closed for the weekend).
	// analyticalTTL widens to 600s whenever the market isn't actively trading,
	// since off-session data changes far less often.
	status.RealtimeTTL = 60
	status.AnalyticalTTL = 600

	dateKey := local.Format("2006-01-02")
	if cfg.Holidays[dateKey] {
		status.State = StateHoliday
		status.IsHoliday = true
		return status
	}

	if !cfg.TradingDays[local.Weekday()] {
		status.State = StateWeekend
		return status
	}

	minuteOfDay := local.Hour()*60 + local.Minute()

	if len(cfg.Sessions) == 0 {
		status.State = StateClosed
		return status
	}

	if minuteOfDay < cfg.Sessions[0].StartMinute {
		status.State = StatePreMarket
		status.NextSession = cfg.Sessions[0].Name
		return status
	}

	if minuteOfDay >= cfg.Sessions[len(cfg.Sessions)-1].EndMinute {
		status.State = StateAfterHours
		return status
	}

	for i, s := range cfg.Sessions {
		if minuteOfDay >= s.StartMinute && minuteOfDay < s.EndMinute {
			status.State = StateTrading
			status.Session = s.Name
			status.AnalyticalTTL = 60
			return status
		}
		if i+1 < len(cfg.Sessions) && minuteOfDay >= s.EndMinute && minuteOfDay < cfg.Sessions[i+1].StartMinute {
			status.State = StateLunchBreak
			status.NextSession = cfg.Sessions[i+1].Name
			return status
		}
	}

	status.State = StateClosed
	return status
}

// reconcile applies a provider advisory on top of the local computation: on
// disagreement the provider wins and confidence drops to 0.85; on agreement
// confidence rises to 0.98; an empty advisory leaves the local computation
// untouched at its default confidence.
func reconcile(status MarketStatus, provider ProviderState) MarketStatus {
	if provider == "" {
		return status
	}

	providerState := mapProviderState(provider)
	if providerState == status.State {
		status.Confidence = 0.98
		return status
	}

	status.State = providerState
	status.Confidence = 0.85
	return status
}

func mapProviderState(p ProviderState) State {
	switch p {
	case ProviderOpen:
		return StateTrading
	case ProviderClosed:
		return StateClosed
	case ProviderPreOpen:
		return StatePreMarket
	case ProviderPostClose:
		return StateAfterHours
	case ProviderHoliday:
		return StateHoliday
	default:
		return StateClosed
	}
}

func isDST(t time.Time) bool {
	_, offset := t.Zone()
	jan := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
	_, janOffset := jan.Zone()
	jul := time.Date(t.Year(), time.July, 1, 0, 0, 0, 0, t.Location())
	_, julOffset := jul.Zone()
	standard := janOffset
	if julOffset < standard {
		standard = julOffset
	}
	return offset > standard
}
