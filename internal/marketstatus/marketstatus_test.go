package marketstatus

import (
	"testing"
	"time"

	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
)

func hkConfig() MarketConfig {
	loc, _ := time.LoadLocation("Asia/Hong_Kong")
	if loc == nil {
		loc = time.UTC
	}
	return MarketConfig{
		Market:   symbol.MarketHK,
		Location: loc,
		TradingDays: map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		},
		Sessions: []Session{
			{Name: "Morning", StartMinute: 9*60 + 30, EndMinute: 12 * 60},
			{Name: "Afternoon", StartMinute: 13 * 60, EndMinute: 16 * 60},
		},
		Holidays: map[string]bool{},
	}
}

func TestWeekendState(t *testing.T) {
	// Scenario 6: a Saturday in HK.
	cfg := hkConfig()
	engine := New(map[symbol.Market]MarketConfig{symbol.MarketHK: cfg})

	// 2026-08-01 is a Saturday.
	saturday := time.Date(2026, 8, 1, 15, 0, 0, 0, cfg.Location)
	status := engine.compute(cfg, saturday)

	if status.State != StateWeekend {
		t.Fatalf("expected WEEKEND, got %v", status.State)
	}
	if status.RealtimeTTL < 60 {
		t.Fatalf("expected realtimeTTL >= 60, got %d", status.RealtimeTTL)
	}
}

func TestRecommendedTTLRealtimeConstant(t *testing.T) {
	cfg := hkConfig()
	engine := New(map[symbol.Market]MarketConfig{symbol.MarketHK: cfg})

	ttl := engine.RecommendedTTL(symbol.MarketHK, ModeRealtime)
	if ttl != 60 {
		t.Fatalf("expected recommendedTTL(HK, REALTIME) == 60, got %d", ttl)
	}
}

func TestTradingSession(t *testing.T) {
	cfg := hkConfig()
	engine := New(map[symbol.Market]MarketConfig{symbol.MarketHK: cfg})

	// A Tuesday at 10:00 local time, inside the morning session.
	tuesday := time.Date(2026, 8, 4, 10, 0, 0, 0, cfg.Location)
	status := engine.compute(cfg, tuesday)

	if status.State != StateTrading {
		t.Fatalf("expected TRADING, got %v", status.State)
	}
	if status.Session != "Morning" {
		t.Fatalf("expected Morning session, got %q", status.Session)
	}
}

func TestLunchBreak(t *testing.T) {
	cfg := hkConfig()
	engine := New(map[symbol.Market]MarketConfig{symbol.MarketHK: cfg})

	tuesday := time.Date(2026, 8, 4, 12, 30, 0, 0, cfg.Location)
	status := engine.compute(cfg, tuesday)

	if status.State != StateLunchBreak {
		t.Fatalf("expected LUNCH_BREAK, got %v", status.State)
	}
	if status.NextSession != "Afternoon" {
		t.Fatalf("expected next session Afternoon, got %q", status.NextSession)
	}
}

func TestHolidayOverride(t *testing.T) {
	cfg := hkConfig()
	tuesday := time.Date(2026, 8, 4, 10, 0, 0, 0, cfg.Location)
	cfg.Holidays[tuesday.Format("2006-01-02")] = true

	engine := New(map[symbol.Market]MarketConfig{symbol.MarketHK: cfg})
	status := engine.compute(cfg, tuesday)

	if status.State != StateHoliday {
		t.Fatalf("expected HOLIDAY, got %v", status.State)
	}
	if !status.IsHoliday {
		t.Fatalf("expected IsHoliday=true")
	}
}

func TestProviderReconciliationAgreement(t *testing.T) {
	status := MarketStatus{State: StateTrading, Confidence: 0.9}
	reconciled := reconcile(status, ProviderOpen)
	if reconciled.Confidence != 0.98 {
		t.Fatalf("expected confidence 0.98 on agreement, got %v", reconciled.Confidence)
	}
	if reconciled.State != StateTrading {
		t.Fatalf("expected state unchanged on agreement")
	}
}

func TestProviderReconciliationDisagreement(t *testing.T) {
	status := MarketStatus{State: StateTrading, Confidence: 0.9}
	reconciled := reconcile(status, ProviderClosed)
	if reconciled.Confidence != 0.85 {
		t.Fatalf("expected confidence 0.85 on disagreement, got %v", reconciled.Confidence)
	}
	if reconciled.State != StateClosed {
		t.Fatalf("expected provider to win on disagreement, got %v", reconciled.State)
	}
}

func TestEasterKnownDate(t *testing.T) {
	// Easter 2026 falls on April 5.
	got := CalculateEaster(2026)
	want := time.Date(2026, time.April, 5, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNthWeekdayLast(t *testing.T) {
	// Last Monday of August 2026 is the 31st.
	got := NthWeekday(2026, time.August, time.Monday, -1)
	if got.Day() != 31 {
		t.Fatalf("expected day 31, got %d", got.Day())
	}
}

func TestBatchDegradesIndependently(t *testing.T) {
	cfg := hkConfig()
	engine := New(map[symbol.Market]MarketConfig{symbol.MarketHK: cfg})

	out := engine.Batch([]symbol.Market{symbol.MarketHK, symbol.MarketUS})
	if _, ok := out[symbol.MarketHK]; !ok {
		t.Fatalf("expected HK status present")
	}
	if _, ok := out[symbol.MarketUS]; ok {
		t.Fatalf("expected US to be absent (unconfigured), not to fail the batch")
	}
}
