package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-harvester/internal/browser"
	"github.com/maltedev/listing-harvester/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Dataset.Dir = t.TempDir()
	cfg.Dataset.LedgerPath = filepath.Join(t.TempDir(), "links.json")
	return cfg
}

func TestBrowserOptions(t *testing.T) {
	opts := BrowserOptions(config.BrowserConfig{
		Engine:         browser.EngineChromedp,
		Headless:       false,
		Timeout:        45 * time.Second,
		ViewportWidth:  1280,
		ViewportHeight: 720,
		Locale:         "fa-IR",
		Proxy:          "http://127.0.0.1:8888",
	})

	assert.Equal(t, browser.EngineChromedp, opts.Engine)
	assert.False(t, opts.Headless)
	assert.Equal(t, 45*time.Second, opts.Timeout)
	assert.Equal(t, 720, opts.ViewportHeight)
	assert.Equal(t, "http://127.0.0.1:8888", opts.ProxyServer)
	assert.NotEmpty(t, opts.UserAgent)
}

func TestCrawlerConfigAndQuota(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawler.MaxItems = 80
	cfg.Crawler.LoadMoreEvery = 5

	crawl := CrawlerConfig(cfg.Crawler)
	assert.Equal(t, "https://divar.ir", crawl.BaseURL)
	assert.Equal(t, 5, crawl.LoadMoreEvery)
	assert.Equal(t, 20*time.Second, crawl.LoadTimeout)
	assert.Equal(t, 100, crawl.ScrollJitter)

	q := Quota(cfg.Crawler)
	assert.Equal(t, 80, q.MaxItems)
	assert.Equal(t, 60, q.MaxIterations)
	assert.Equal(t, 3, q.MaxConsecutiveEmpty)
}

func TestBuildWithoutStores(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dataset.Workers = 3
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, err := Build(cfg, logger)
	require.NoError(t, err)
	defer h.Close()

	require.NotNil(t, h.Pipeline)
	require.NotNil(t, h.Ledger)
	require.NoError(t, h.Connect(context.Background(), cfg))
	assert.Nil(t, h.DB)
	assert.Nil(t, h.Redis)
	assert.Nil(t, h.Relay(cfg))
}

func TestBuildRejectsUnknownEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Browser.Engine = "webkit"

	_, err := Build(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
