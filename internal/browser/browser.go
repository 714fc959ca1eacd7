package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrSessionInit       = errors.New("rendering session failed to start")
	ErrNavigationTimeout = errors.New("page readiness not observed in time")
	ErrClosed            = errors.New("session is closed")
)

const (
	EnginePlaywright = "playwright"
	EngineChromedp   = "chromedp"
)

// Session is one rendering tab. It is not safe for concurrent use; callers
// that fan out open one Session per goroutine.
type Session interface {
	// Load navigates to url and blocks until the document body is present.
	Load(ctx context.Context, url string, timeout time.Duration) error
	ScrollBy(ctx context.Context, dy int) error
	ScrollTo(ctx context.Context, y int) error
	RunScript(ctx context.Context, script string) (any, error)
	ViewportHeight(ctx context.Context) (int, error)
	// Document returns a parsed snapshot of the rendered DOM.
	Document(ctx context.Context) (*goquery.Document, error)
	// Close releases the tab. Safe to call more than once.
	Close() error
}

// Factory opens sessions against a shared browser process.
type Factory interface {
	Open(ctx context.Context) (Session, error)
	Close() error
}

type Options struct {
	Engine         string
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Engine:         EnginePlaywright,
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "fa-IR,fa;q=0.9,en;q=0.8",
		TimezoneID:     "Asia/Tehran",
		Locale:         "fa-IR",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

// NewFactory picks the engine named in opts.
func NewFactory(opts *Options, logger *slog.Logger) (Factory, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	switch opts.Engine {
	case "", EnginePlaywright:
		return NewPlaywright(opts, logger), nil
	case EngineChromedp:
		return NewChromedp(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", opts.Engine)
	}
}

// hideAutomationScript runs before any page script.
const hideAutomationScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['fa-IR', 'fa', 'en-US', 'en'] });
`

var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-gpu",
}

const viewportHeightScript = `(() => window.screen.height || window.innerHeight)()`

// Scroll helpers return the new offset so no engine sees an undefined result.
func scrollByScript(dy int) string {
	return fmt.Sprintf("(() => { window.scrollBy(0, %d); return window.scrollY; })()", dy)
}

func scrollToScript(y int) string {
	return fmt.Sprintf("(() => { window.scrollTo(0, %d); return window.scrollY; })()", y)
}

func parseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// ScriptInt converts a numeric script result to int.
func ScriptInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}

// ScriptStrings converts an array script result to strings, dropping non-strings.
func ScriptStrings(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
