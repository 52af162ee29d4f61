package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogLevel  string
	LogFormat string

	DataDir      string
	DurableDir   string
	FileCacheDir string
	PurgeEvery   time.Duration

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string

	FeedURL         string
	FeedToken       string
	FeedCacheTTL    time.Duration
	RateLimit       int
	RateLimitWindow time.Duration

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string
	SQLitePath       string

	HTTPAddr  string
	HTTPSAddr string

	ExcludedDirs     []string
	DeniedExtensions []string

	Performance Performance
}

// Performance enumerates every tunable of the cache, memory, query and
// scheduling components.
type Performance struct {
	EnableFileCache         bool
	FileCacheThresholdBytes int
	MaxFileCacheBytes       int64
	FastTierMaxTTL          time.Duration
	FastTierMaxEntries      int
	ScanCacheExpiry         time.Duration

	SlowQueryThreshold time.Duration
	MaxSlowQueries     int
	MaxPageSize        int

	MemoryLimitBytes         int64
	WarningThresholdPercent  int
	CriticalThresholdPercent int
	GCThresholdPercent       int
	AutoOptimize             bool
	MaxTrackedOperations     int
	MaxAlerts                int
	CheckpointRetention      time.Duration

	DefaultBatchSize   int
	MinBatchSize       int
	MaxBatchSize       int
	MaxParallelBatches int
	ThrottleDelay      time.Duration
}

func DefaultPerformance() Performance {
	return Performance{
		EnableFileCache:          true,
		FileCacheThresholdBytes:  64 << 10,
		MaxFileCacheBytes:        256 << 20,
		FastTierMaxTTL:           5 * time.Minute,
		FastTierMaxEntries:       50000,
		ScanCacheExpiry:          24 * time.Hour,
		SlowQueryThreshold:       time.Second,
		MaxSlowQueries:           200,
		MaxPageSize:              100,
		WarningThresholdPercent:  75,
		CriticalThresholdPercent: 90,
		GCThresholdPercent:       80,
		AutoOptimize:             true,
		MaxTrackedOperations:     50,
		MaxAlerts:                100,
		CheckpointRetention:      time.Hour,
		DefaultBatchSize:         50,
		MinBatchSize:             10,
		MaxBatchSize:             500,
		MaxParallelBatches:       4,
		ThrottleDelay:            100 * time.Millisecond,
	}
}

func Load() *Config {
	dataDir := getEnv("SCANPERF_DATA_DIR", filepath.Join(os.TempDir(), "scanperf"))
	defaults := DefaultPerformance()

	cfg := &Config{
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
		DataDir:      dataDir,
		DurableDir:   getEnv("SCANPERF_DURABLE_DIR", filepath.Join(dataDir, "durable")),
		FileCacheDir: getEnv("SCANPERF_FILE_CACHE_DIR", filepath.Join(dataDir, "files")),
		PurgeEvery:   getEnvDuration("SCANPERF_PURGE_INTERVAL", 30*time.Minute),

		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Prefix:    getEnv("S3_PREFIX", "scanperf"),

		FeedURL:         getEnv("FEED_URL", ""),
		FeedToken:       getEnv("FEED_TOKEN", ""),
		FeedCacheTTL:    getEnvDuration("FEED_CACHE_TTL", 12*time.Hour),
		RateLimit:       getEnvInt("RATE_LIMIT", 100),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		PostgresUser:     getEnv("POSTGRES_USER", "scanperf"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "scanperf"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),
		SQLitePath:       getEnv("SQLITE_PATH", filepath.Join(dataDir, "scanperf.db")),

		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		HTTPSAddr: getEnv("HTTPS_ADDR", ""),

		ExcludedDirs:     getEnvList("SCAN_EXCLUDED_DIRS", []string{".git", "node_modules", "cache"}),
		DeniedExtensions: getEnvList("SCAN_DENIED_EXTENSIONS", []string{".jpg", ".jpeg", ".png", ".gif", ".mp4", ".zip"}),

		Performance: Performance{
			EnableFileCache:          getEnvBool("ENABLE_FILE_CACHE", defaults.EnableFileCache),
			FileCacheThresholdBytes:  getEnvInt("FILE_CACHE_THRESHOLD_BYTES", defaults.FileCacheThresholdBytes),
			MaxFileCacheBytes:        int64(getEnvInt("MAX_FILE_CACHE_BYTES", int(defaults.MaxFileCacheBytes))),
			FastTierMaxTTL:           getEnvDuration("FAST_TIER_MAX_TTL", defaults.FastTierMaxTTL),
			FastTierMaxEntries:       getEnvInt("FAST_TIER_MAX_ENTRIES", defaults.FastTierMaxEntries),
			ScanCacheExpiry:          time.Duration(getEnvInt("SCAN_CACHE_EXPIRY_SECONDS", int(defaults.ScanCacheExpiry/time.Second))) * time.Second,
			SlowQueryThreshold:       time.Duration(getEnvFloat("SLOW_QUERY_THRESHOLD_SECONDS", defaults.SlowQueryThreshold.Seconds()) * float64(time.Second)),
			MaxSlowQueries:           getEnvInt("MAX_SLOW_QUERIES", defaults.MaxSlowQueries),
			MaxPageSize:              getEnvInt("MAX_PAGE_SIZE", defaults.MaxPageSize),
			MemoryLimitBytes:         int64(getEnvInt("MEMORY_LIMIT_BYTES", 0)),
			WarningThresholdPercent:  getEnvInt("WARNING_THRESHOLD_PERCENT", defaults.WarningThresholdPercent),
			CriticalThresholdPercent: getEnvInt("CRITICAL_THRESHOLD_PERCENT", defaults.CriticalThresholdPercent),
			GCThresholdPercent:       getEnvInt("GC_THRESHOLD_PERCENT", defaults.GCThresholdPercent),
			AutoOptimize:             getEnvBool("AUTO_OPTIMIZE", defaults.AutoOptimize),
			MaxTrackedOperations:     getEnvInt("MAX_TRACKED_OPERATIONS", defaults.MaxTrackedOperations),
			MaxAlerts:                getEnvInt("MAX_ALERTS", defaults.MaxAlerts),
			CheckpointRetention:      getEnvDuration("CHECKPOINT_RETENTION", defaults.CheckpointRetention),
			DefaultBatchSize:         getEnvInt("DEFAULT_BATCH_SIZE", defaults.DefaultBatchSize),
			MinBatchSize:             getEnvInt("MIN_BATCH_SIZE", defaults.MinBatchSize),
			MaxBatchSize:             getEnvInt("MAX_BATCH_SIZE", defaults.MaxBatchSize),
			MaxParallelBatches:       getEnvInt("MAX_PARALLEL_BATCHES", defaults.MaxParallelBatches),
			ThrottleDelay:            getEnvDuration("THROTTLE_DELAY", defaults.ThrottleDelay),
		},
	}

	cfg.Normalize()
	return cfg
}

// S3Enabled reports whether the large-object tier should live in S3
// instead of on local disk.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) UsePostgres() bool {
	return c.PostgresHost != ""
}

// Normalize clamps every option into its valid range. Invalid input is
// corrected rather than rejected.
func (c *Config) Normalize() {
	p := &c.Performance
	d := DefaultPerformance()

	if p.FileCacheThresholdBytes <= 0 {
		p.FileCacheThresholdBytes = d.FileCacheThresholdBytes
	}
	if p.MaxFileCacheBytes <= 0 {
		p.MaxFileCacheBytes = d.MaxFileCacheBytes
	}
	if p.FastTierMaxTTL <= 0 {
		p.FastTierMaxTTL = d.FastTierMaxTTL
	}
	if p.FastTierMaxEntries <= 0 {
		p.FastTierMaxEntries = d.FastTierMaxEntries
	}
	if p.ScanCacheExpiry <= 0 {
		p.ScanCacheExpiry = d.ScanCacheExpiry
	}
	if p.SlowQueryThreshold <= 0 {
		p.SlowQueryThreshold = d.SlowQueryThreshold
	}
	if p.MaxSlowQueries <= 0 {
		p.MaxSlowQueries = d.MaxSlowQueries
	}
	if p.MaxPageSize <= 0 {
		p.MaxPageSize = d.MaxPageSize
	}
	if p.MemoryLimitBytes < 0 {
		p.MemoryLimitBytes = 0
	}

	p.WarningThresholdPercent = clamp(p.WarningThresholdPercent, 1, 100)
	p.CriticalThresholdPercent = clamp(p.CriticalThresholdPercent, 1, 100)
	p.GCThresholdPercent = clamp(p.GCThresholdPercent, 1, 100)
	if p.CriticalThresholdPercent < p.WarningThresholdPercent {
		p.CriticalThresholdPercent = p.WarningThresholdPercent
	}
	p.GCThresholdPercent = clamp(p.GCThresholdPercent, p.WarningThresholdPercent, p.CriticalThresholdPercent)

	if p.MaxTrackedOperations <= 0 {
		p.MaxTrackedOperations = d.MaxTrackedOperations
	}
	if p.MaxAlerts <= 0 {
		p.MaxAlerts = d.MaxAlerts
	}
	if p.CheckpointRetention <= 0 {
		p.CheckpointRetention = d.CheckpointRetention
	}

	if p.MinBatchSize < 1 {
		p.MinBatchSize = 1
	}
	if p.MaxBatchSize < p.MinBatchSize {
		p.MaxBatchSize = p.MinBatchSize
	}
	p.DefaultBatchSize = clamp(p.DefaultBatchSize, p.MinBatchSize, p.MaxBatchSize)
	if p.MaxParallelBatches < 1 {
		p.MaxParallelBatches = 1
	}
	if p.ThrottleDelay < 0 {
		p.ThrottleDelay = 0
	}

	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.PurgeEvery <= 0 {
		c.PurgeEvery = 30 * time.Minute
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
