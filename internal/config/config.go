package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all broker configuration.
type Config struct {
	// Ambient
	LogLevel  string
	LogPretty bool
	HTTPHost  string
	HTTPPort  int
	MongoURI  string

	// Batching
	StreamBatchIntervalMs    int
	DynamicBatchingEnabled   bool
	BatchingMinIntervalMs    int
	BatchingMaxIntervalMs    int
	BatchingHighLoadIntervalMs int
	BatchingLowLoadIntervalMs  int
	BatchingHighLoadThreshold  int
	BatchingLowLoadThreshold   int
	BatchingSampleWindow       int
	BatchingAdjustmentStepMs   int
	BatchingAdjustmentFreqMs   int

	// Governor
	MemoryWarningThreshold  float64
	MemoryCriticalThreshold float64
	GovernorTickIntervalSec int

	// Rate limiting
	RateLimitMaxConnections int
	RateLimitWindowSizeSec  int

	// Market status
	MarketStatusSweepIntervalSec int

	// Cache
	WarmThresholdSec      int
	SingleFlightTimeoutMs int

	// Stream manager
	IdleReapIntervalSec int
	IdleTimeoutSec      int

	// S3 archiver (opt-in: only active when S3Bucket is set)
	S3Bucket             string
	S3Region             string
	S3Prefix             string
	ArchiveIntervalHours int
	ArchiveAfterHours    int
}

func Load() *Config {
	_ = godotenv.Load()

	c := &Config{}

	flag.StringVar(&c.LogLevel, "log-level", envStr("LOG_LEVEL", "info"), "Log level")
	flag.BoolVar(&c.LogPretty, "log-pretty", envBool("LOG_PRETTY", false), "Pretty console log output")
	flag.StringVar(&c.HTTPHost, "http-host", envStr("HTTP_HOST", "0.0.0.0"), "HTTP listen host")
	flag.IntVar(&c.HTTPPort, "http-port", envInt("HTTP_PORT", 8080), "HTTP listen port")
	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/marketbroker"), "MongoDB connection URI")

	flag.IntVar(&c.StreamBatchIntervalMs, "stream-batch-interval", envInt("STREAM_RECEIVER_BATCH_INTERVAL", 50), "Base batch flush interval ms")
	flag.BoolVar(&c.DynamicBatchingEnabled, "dynamic-batching-enabled", envBool("STREAM_RECEIVER_DYNAMIC_BATCHING_ENABLED", true), "Enable adaptive batch interval tuning")
	flag.IntVar(&c.BatchingMinIntervalMs, "batching-min-interval", envInt("DYNAMIC_BATCHING_MIN_INTERVAL", 10), "Minimum batch interval ms")
	flag.IntVar(&c.BatchingMaxIntervalMs, "batching-max-interval", envInt("DYNAMIC_BATCHING_MAX_INTERVAL", 200), "Maximum batch interval ms")
	flag.IntVar(&c.BatchingHighLoadIntervalMs, "batching-high-load-interval", envInt("DYNAMIC_BATCHING_HIGH_LOAD_INTERVAL", 25), "Interval used under high load ms")
	flag.IntVar(&c.BatchingLowLoadIntervalMs, "batching-low-load-interval", envInt("DYNAMIC_BATCHING_LOW_LOAD_INTERVAL", 100), "Interval used under low load ms")
	flag.IntVar(&c.BatchingHighLoadThreshold, "batching-high-load-threshold", envInt("DYNAMIC_BATCHING_HIGH_LOAD_THRESHOLD", 15), "Mean batch size considered high load")
	flag.IntVar(&c.BatchingLowLoadThreshold, "batching-low-load-threshold", envInt("DYNAMIC_BATCHING_LOW_LOAD_THRESHOLD", 5), "Mean batch size considered low load")
	flag.IntVar(&c.BatchingSampleWindow, "batching-sample-window", envInt("DYNAMIC_BATCHING_SAMPLE_WINDOW", 20), "Ring buffer size for recent batch sizes")
	flag.IntVar(&c.BatchingAdjustmentStepMs, "batching-adjustment-step", envInt("DYNAMIC_BATCHING_ADJUSTMENT_STEP", 5), "Interval nudge step ms")
	flag.IntVar(&c.BatchingAdjustmentFreqMs, "batching-adjustment-frequency", envInt("DYNAMIC_BATCHING_ADJUSTMENT_FREQUENCY", 5000), "Interval re-evaluation period ms")

	flag.Float64Var(&c.MemoryWarningThreshold, "memory-warning-threshold", envFloat("MEMORY_WARNING_THRESHOLD", 0.85), "Memory-used fraction considered a warning")
	flag.Float64Var(&c.MemoryCriticalThreshold, "memory-critical-threshold", envFloat("MEMORY_CRITICAL_THRESHOLD", 0.9), "Memory-used fraction considered critical")
	flag.IntVar(&c.GovernorTickIntervalSec, "governor-tick-interval", envInt("GOVERNOR_TICK_INTERVAL", 30), "Governor sampling interval seconds")

	flag.IntVar(&c.RateLimitMaxConnections, "rate-limit-max-connections", envInt("RATE_LIMIT_MAX_CONNECTIONS", 1000), "Max connections per rate-limit window")
	flag.IntVar(&c.RateLimitWindowSizeSec, "rate-limit-window-size", envInt("RATE_LIMIT_WINDOW_SIZE", 60), "Rate-limit window seconds")

	flag.IntVar(&c.MarketStatusSweepIntervalSec, "market-status-sweep-interval", envInt("MARKET_STATUS_SWEEP_INTERVAL", 60), "Market status cache sweep interval seconds")

	flag.IntVar(&c.WarmThresholdSec, "warm-threshold-seconds", envInt("WARM_THRESHOLD_SECONDS", 60), "TTL-remaining floor above which a warmup key is skipped")
	flag.IntVar(&c.SingleFlightTimeoutMs, "singleflight-timeout-ms", envInt("SINGLEFLIGHT_TIMEOUT_MS", 5000), "Default provider fetch deadline ms")

	flag.IntVar(&c.IdleReapIntervalSec, "idle-reap-interval", envInt("IDLE_REAP_INTERVAL", 60), "Idle reaper tick seconds")
	flag.IntVar(&c.IdleTimeoutSec, "idle-timeout", envInt("IDLE_TIMEOUT_SEC", 300), "Client idle timeout seconds")

	flag.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "S3 bucket for cold archive (empty = disabled)")
	flag.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "AWS region for S3")
	flag.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "marketbroker"), "S3 key prefix for archived records")
	flag.IntVar(&c.ArchiveIntervalHours, "archive-interval", envInt("ARCHIVE_INTERVAL_HOURS", 24), "Hours between archive runs")
	flag.IntVar(&c.ArchiveAfterHours, "archive-after", envInt("ARCHIVE_AFTER_HOURS", 720), "Archive records older than this many hours")

	if !flag.Parsed() {
		flag.Parse()
	}

	return c
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
