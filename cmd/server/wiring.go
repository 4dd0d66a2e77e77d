package main

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/archive"
	"github.com/aoxiansheng/stock-api-sub013/internal/config"
	"github.com/aoxiansheng/stock-api-sub013/internal/governor"
	"github.com/aoxiansheng/stock-api-sub013/internal/marketstatus"
	"github.com/aoxiansheng/stock-api-sub013/internal/scheduler"
	"github.com/aoxiansheng/stock-api-sub013/internal/store"
	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
)

// openStore connects to MongoDB when a URI is configured, falling back to an
// in-memory store for local/dev runs without one.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(context.Context)) {
	if cfg.MongoURI == "" {
		log.Warn().Msg("no MONGO_URI configured, using in-memory store")
		mem := store.NewMemStore()
		return mem, func(context.Context) {}
	}

	mongoStore, err := store.Connect(ctx, cfg.MongoURI, log)
	if err != nil {
		log.Warn().Err(err).Msg("mongo connect failed, falling back to in-memory store")
		mem := store.NewMemStore()
		return mem, func(context.Context) {}
	}
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("ensure indexes failed")
	}
	return mongoStore, mongoStore.Close
}

// registerScheduledJobs wires the governor tick and market-status sweep onto
// the cron-backed scheduler as named scheduler.Job values instead of a
// bespoke goroutine per job.
func registerScheduledJobs(sched *scheduler.Scheduler, cfg *config.Config, gov *governor.Governor, statusEngine *marketstatus.Engine, log zerolog.Logger) {
	governorSchedule := fmt.Sprintf("@every %ds", cfg.GovernorTickIntervalSec)
	if err := sched.AddJob(governorSchedule, scheduler.NewFuncJob("governor_tick", func() error {
		gov.Tick()
		return nil
	})); err != nil {
		log.Warn().Err(err).Msg("failed to schedule governor tick")
	}

	sweepSchedule := fmt.Sprintf("@every %ds", cfg.MarketStatusSweepIntervalSec)
	if err := sched.AddJob(sweepSchedule, scheduler.NewFuncJob("market_status_sweep", func() error {
		statusEngine.SweepExpired()
		return nil
	})); err != nil {
		log.Warn().Err(err).Msg("failed to schedule market status sweep")
	}
}

// buildArchiver resolves AWS credentials from the environment/instance role
// via aws-sdk-go-v2/config, builds an S3 manager.Uploader, and returns an
// Archiver bound to mongoStore's database.
func buildArchiver(ctx context.Context, cfg *config.Config, mongoStore *store.MongoStore, log zerolog.Logger) (*archive.Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client)

	return archive.New(mongoStore.DB(), uploader, cfg.S3Bucket, cfg.S3Prefix, cfg.ArchiveIntervalHours, cfg.ArchiveAfterHours, log), nil
}

// defaultMarketConfigs is the default wiring's trading calendar: one entry
// per market label, with plain weekday/session rules and no holidays loaded.
// Real deployments are expected to replace this with a calendar loaded from
// configuration; it exists so GetWithSmartCache's market-status dependency
// is never nil.
func defaultMarketConfigs() map[symbol.Market]marketstatus.MarketConfig {
	nyc, err := time.LoadLocation("America/New_York")
	if err != nil {
		nyc = time.UTC
	}
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		hk = time.UTC
	}
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		shanghai = time.UTC
	}
	sgt, err := time.LoadLocation("Asia/Singapore")
	if err != nil {
		sgt = time.UTC
	}

	weekdays := map[time.Weekday]bool{
		time.Monday: true, time.Tuesday: true, time.Wednesday: true,
		time.Thursday: true, time.Friday: true,
	}

	usSessions := []marketstatus.Session{
		{Name: "Regular", StartMinute: 9*60 + 30, EndMinute: 16 * 60},
	}
	asiaSessions := []marketstatus.Session{
		{Name: "Morning", StartMinute: 9*60 + 30, EndMinute: 12 * 60},
		{Name: "Afternoon", StartMinute: 13 * 60, EndMinute: 16 * 60},
	}

	return map[symbol.Market]marketstatus.MarketConfig{
		symbol.MarketUS: {
			Market: symbol.MarketUS, Location: nyc, TradingDays: weekdays,
			Sessions: usSessions, DSTSupport: true, Holidays: map[string]bool{},
		},
		symbol.MarketHK: {
			Market: symbol.MarketHK, Location: hk, TradingDays: weekdays,
			Sessions: asiaSessions, Holidays: map[string]bool{},
		},
		symbol.MarketSH: {
			Market: symbol.MarketSH, Location: shanghai, TradingDays: weekdays,
			Sessions: asiaSessions, Holidays: map[string]bool{},
		},
		symbol.MarketSZ: {
			Market: symbol.MarketSZ, Location: shanghai, TradingDays: weekdays,
			Sessions: asiaSessions, Holidays: map[string]bool{},
		},
		symbol.MarketCN: {
			Market: symbol.MarketCN, Location: shanghai, TradingDays: weekdays,
			Sessions: asiaSessions, Holidays: map[string]bool{},
		},
		symbol.MarketSG: {
			Market: symbol.MarketSG, Location: sgt, TradingDays: weekdays,
			Sessions: asiaSessions, Holidays: map[string]bool{},
		},
	}
}

// defaultProviderTables is the default wiring's symbol-translation table:
// the synth provider uses standard symbols unchanged, so its table is empty
// — TransformForProvider passes symbols with no mapping entry through
// unchanged rather than failing the batch.
func defaultProviderTables() map[string]*symbol.ProviderTable {
	return map[string]*symbol.ProviderTable{
		"synth": symbol.NewProviderTable(map[string]string{}),
	}
}
