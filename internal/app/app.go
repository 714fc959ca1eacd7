package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/listing-harvester/internal/browser"
	"github.com/maltedev/listing-harvester/internal/config"
	"github.com/maltedev/listing-harvester/internal/database"
	"github.com/maltedev/listing-harvester/internal/events"
	"github.com/maltedev/listing-harvester/internal/links"
	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/maltedev/listing-harvester/internal/normalize"
	"github.com/maltedev/listing-harvester/internal/pipeline"
	"github.com/maltedev/listing-harvester/internal/ratelimit"
	"github.com/maltedev/listing-harvester/internal/scraper"
	"github.com/maltedev/listing-harvester/internal/storage"
)

// Harvester is a pipeline plus the resources it owns.
type Harvester struct {
	Pipeline *pipeline.Pipeline
	Factory  browser.Factory
	Ledger   *storage.LinkStorage
	DB       *database.DB
	Redis    *redis.Client

	logger *slog.Logger
}

func BrowserOptions(cfg config.BrowserConfig) *browser.Options {
	opts := browser.DefaultOptions()
	opts.Engine = cfg.Engine
	opts.Headless = cfg.Headless
	opts.Timeout = cfg.Timeout
	opts.ViewportWidth = cfg.ViewportWidth
	opts.ViewportHeight = cfg.ViewportHeight
	opts.AcceptLanguage = cfg.AcceptLanguage
	opts.TimezoneID = cfg.TimezoneID
	opts.Locale = cfg.Locale
	opts.ProxyServer = cfg.Proxy
	return opts
}

func CrawlerConfig(cfg config.CrawlerConfig) scraper.Config {
	c := scraper.DefaultConfig()
	c.BaseURL = cfg.BaseURL
	c.ListingPath = cfg.ListingPath
	c.QueryParam = cfg.QueryParam
	c.LoadTimeout = cfg.LoadTimeout
	c.SettleDelay = cfg.SettleDelay
	c.LoadMoreEvery = cfg.LoadMoreEvery
	return c
}

func Quota(cfg config.CrawlerConfig) models.Quota {
	return models.Quota{
		MaxItems:            cfg.MaxItems,
		MaxIterations:       cfg.MaxIterations,
		MaxConsecutiveEmpty: cfg.MaxConsecutiveEmpty,
	}
}

// Build wires the browser, crawler, extractor and pacing from cfg. The
// database and Redis stay disabled until Connect is called.
func Build(cfg *config.Config, logger *slog.Logger) (*Harvester, error) {
	factory, err := browser.NewFactory(BrowserOptions(cfg.Browser), logger)
	if err != nil {
		return nil, err
	}

	seed := time.Now().UnixNano()
	pacer := ratelimit.NewPacer(ratelimit.RealClock(),
		ratelimit.NewUniform(cfg.Crawler.ScrollPause, cfg.Crawler.ScrollJitterMin, cfg.Crawler.ScrollJitterMax, seed))

	validator, err := links.NewValidator(links.DefaultRules())
	if err != nil {
		return nil, err
	}
	crawler := scraper.NewListingCrawler(CrawlerConfig(cfg.Crawler), validator, pacer, logger)

	normalizer := normalize.New()
	normalizer.PriceFloor = cfg.Dataset.PriceFloor

	p := pipeline.New(pipeline.Config{
		DatasetDir:    cfg.Dataset.Dir,
		DetailTimeout: cfg.Dataset.DetailTimeout,
		DetailSettle:  cfg.Dataset.DetailSettle,
		Workers:       cfg.Dataset.Workers,
	}, factory, crawler, pacer, logger).WithNormalizer(normalizer)

	if cfg.Dataset.Workers > 1 {
		p.WithLimiter(ratelimit.NewShared(cfg.Dataset.RatePerSecond, cfg.Dataset.Workers))
	} else {
		p.WithLimiter(ratelimit.NewAdaptiveRateLimiter(cfg.Dataset.DetailMinDelay, cfg.Dataset.DetailMaxDelay, ratelimit.RealClock()))
	}

	h := &Harvester{Pipeline: p, Factory: factory, logger: logger}

	if cfg.Dataset.LedgerPath != "" {
		ledger, err := storage.NewLinkStorage(cfg.Dataset.LedgerPath)
		if err != nil {
			factory.Close()
			return nil, fmt.Errorf("failed to open link ledger: %w", err)
		}
		h.Ledger = ledger
		p.WithLedger(ledger)
	}

	return h, nil
}

// Connect opens Postgres and Redis when enabled and attaches the record
// mirror, run history and dataset events to the pipeline.
func (h *Harvester) Connect(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Enabled {
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    int32(cfg.Database.MaxConns),
			MaxConnLife: time.Hour,
			MaxConnIdle: 30 * time.Minute,
		})
		if err != nil {
			return err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return err
		}
		h.DB = db
		h.Pipeline.
			WithRecordSink(database.NewListingRepository(db)).
			WithRunRecorder(database.NewRunRepository(db)).
			WithNotifier(events.NewPublisher(db, h.logger))
		h.logger.Info("database attached", "host", cfg.Database.Host, "db", cfg.Database.DBName)
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		h.Redis = client
	}
	return nil
}

// Relay returns the outbox relay, or nil unless both stores are connected.
func (h *Harvester) Relay(cfg *config.Config) *database.Relay {
	if h.DB == nil || h.Redis == nil {
		return nil
	}
	return database.NewRelay(h.DB, h.Redis, h.logger, database.RelayConfig{
		PollInterval: cfg.Redis.PollInterval,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
	})
}

func (h *Harvester) Close() {
	if err := h.Factory.Close(); err != nil {
		h.logger.Warn("failed to close browser", "error", err)
	}
	if h.Redis != nil {
		h.Redis.Close()
	}
	if h.DB != nil {
		h.DB.Close()
	}
}
