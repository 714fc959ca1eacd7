package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Crawler  CrawlerConfig
	Browser  BrowserConfig
	Dataset  DatasetConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Session  SessionConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	QueueSize       int
}

// CrawlerConfig holds the listing crawl quota and its pacing.
type CrawlerConfig struct {
	BaseURL             string
	ListingPath         string
	QueryParam          string
	MaxItems            int
	MaxIterations       int
	MaxConsecutiveEmpty int
	ScrollPause         time.Duration
	ScrollJitterMin     time.Duration
	ScrollJitterMax     time.Duration
	LoadTimeout         time.Duration
	SettleDelay         time.Duration
	LoadMoreEvery       int
}

type BrowserConfig struct {
	Engine         string
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	Proxy          string
}

// DatasetConfig covers detail extraction and the dataset files it feeds.
type DatasetConfig struct {
	Dir            string
	LedgerPath     string
	Workers        int
	DetailTimeout  time.Duration
	DetailSettle   time.Duration
	DetailMinDelay time.Duration
	DetailMaxDelay time.Duration
	RatePerSecond  float64
	PriceFloor     int64
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	PollInterval time.Duration
	StreamMaxLen int64
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestTimeout:  getDurationOrDefault("SERVER_REQUEST_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			QueueSize:       getIntOrDefault("SERVER_QUEUE_SIZE", 100),
		},
		Crawler: CrawlerConfig{
			BaseURL:             getEnvOrDefault("CRAWLER_BASE_URL", "https://divar.ir"),
			ListingPath:         getEnvOrDefault("CRAWLER_LISTING_PATH", "/s/iran/car"),
			QueryParam:          getEnvOrDefault("CRAWLER_QUERY_PARAM", "q"),
			MaxItems:            getIntOrDefault("CRAWLER_MAX_ITEMS", 50),
			MaxIterations:       getIntOrDefault("CRAWLER_MAX_ITERATIONS", 60),
			MaxConsecutiveEmpty: getIntOrDefault("CRAWLER_MAX_CONSECUTIVE_EMPTY", 3),
			ScrollPause:         getDurationOrDefault("CRAWLER_SCROLL_PAUSE", 2*time.Second),
			ScrollJitterMin:     getDurationOrDefault("CRAWLER_SCROLL_JITTER_MIN", 500*time.Millisecond),
			ScrollJitterMax:     getDurationOrDefault("CRAWLER_SCROLL_JITTER_MAX", 1500*time.Millisecond),
			LoadTimeout:         getDurationOrDefault("CRAWLER_LOAD_TIMEOUT", 20*time.Second),
			SettleDelay:         getDurationOrDefault("CRAWLER_SETTLE_DELAY", 3*time.Second),
			LoadMoreEvery:       getIntOrDefault("CRAWLER_LOAD_MORE_EVERY", 3),
		},
		Browser: BrowserConfig{
			Engine:         getEnvOrDefault("BROWSER_ENGINE", "playwright"),
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "fa-IR,fa;q=0.9,en;q=0.8"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Asia/Tehran"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "fa-IR"),
			Proxy:          getEnvOrDefault("BROWSER_PROXY", ""),
		},
		Dataset: DatasetConfig{
			Dir:            getEnvOrDefault("DATASET_DIR", "data/user_data"),
			LedgerPath:     getEnvOrDefault("DATASET_LEDGER_PATH", "data/links.json"),
			Workers:        getIntOrDefault("DATASET_WORKERS", 1),
			DetailTimeout:  getDurationOrDefault("DATASET_DETAIL_TIMEOUT", 8*time.Second),
			DetailSettle:   getDurationOrDefault("DATASET_DETAIL_SETTLE", time.Second),
			DetailMinDelay: getDurationOrDefault("DATASET_DETAIL_MIN_DELAY", 500*time.Millisecond),
			DetailMaxDelay: getDurationOrDefault("DATASET_DETAIL_MAX_DELAY", 1500*time.Millisecond),
			RatePerSecond:  getFloatOrDefault("DATASET_RATE_PER_SECOND", 1),
			PriceFloor:     int64(getIntOrDefault("DATASET_PRICE_FLOOR", 1_000_000)),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolOrDefault("DB_ENABLED", false),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "listing_harvester"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Enabled:      getBoolOrDefault("REDIS_ENABLED", false),
			Addr:         getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:           getIntOrDefault("REDIS_DB", 0),
			PollInterval: getDurationOrDefault("REDIS_RELAY_INTERVAL", 5*time.Second),
			StreamMaxLen: int64(getIntOrDefault("REDIS_STREAM_MAX_LEN", 10000)),
		},
		Session: SessionConfig{
			TTL:           getDurationOrDefault("SESSION_TTL", 30*time.Minute),
			SweepInterval: getDurationOrDefault("SESSION_SWEEP_INTERVAL", time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Crawler.MaxItems < 1 {
		return fmt.Errorf("CRAWLER_MAX_ITEMS must be at least 1")
	}
	if c.Crawler.MaxIterations < 1 {
		return fmt.Errorf("CRAWLER_MAX_ITERATIONS must be at least 1")
	}
	if c.Crawler.MaxConsecutiveEmpty < 1 {
		return fmt.Errorf("CRAWLER_MAX_CONSECUTIVE_EMPTY must be at least 1")
	}
	if c.Crawler.ScrollJitterMin > c.Crawler.ScrollJitterMax {
		return fmt.Errorf("CRAWLER_SCROLL_JITTER_MIN cannot be greater than CRAWLER_SCROLL_JITTER_MAX")
	}
	if c.Dataset.Workers < 1 {
		return fmt.Errorf("DATASET_WORKERS must be at least 1")
	}
	if c.Dataset.DetailMinDelay > c.Dataset.DetailMaxDelay {
		return fmt.Errorf("DATASET_DETAIL_MIN_DELAY cannot be greater than DATASET_DETAIL_MAX_DELAY")
	}
	if c.Dataset.RatePerSecond <= 0 {
		return fmt.Errorf("DATASET_RATE_PER_SECOND must be positive")
	}
	switch c.Browser.Engine {
	case "playwright", "chromedp":
	default:
		return fmt.Errorf("unknown BROWSER_ENGINE %q", c.Browser.Engine)
	}
	if c.Server.QueueSize < 1 {
		return fmt.Errorf("SERVER_QUEUE_SIZE must be at least 1")
	}
	if c.Redis.Enabled && !c.Database.Enabled {
		return fmt.Errorf("REDIS_ENABLED requires DB_ENABLED: events are relayed from the outbox table")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
