package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Chromedp drives Chrome over the DevTools protocol. Each session is its own tab.
type Chromedp struct {
	opts        *Options
	logger      *slog.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewChromedp(opts *Options, logger *slog.Logger) *Chromedp {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execAllocatorOptions(opts)...)
	return &Chromedp{
		opts:        opts,
		logger:      logger.With("component", "browser", "engine", EngineChromedp),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

// launchFlags are the Chrome command-line switches for a session.
func launchFlags(opts *Options) map[string]interface{} {
	flags := map[string]interface{}{
		"disable-blink-features": "AutomationControlled",
		"enable-automation":      false,
		"no-sandbox":             true,
		"disable-dev-shm-usage":  true,
		"disable-gpu":            true,
	}
	if opts.Headless {
		flags["headless"] = "new"
	}
	return flags
}

func execAllocatorOptions(opts *Options) []chromedp.ExecAllocatorOption {
	allocOpts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
		chromedp.UserAgent(opts.UserAgent),
	}
	for name, value := range launchFlags(opts) {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}
	return allocOpts
}

func (c *Chromedp) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionInit, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx)
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideAutomationScript).Do(ctx)
		return err
	}))
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("%w: %v", ErrSessionInit, err)
	}

	return &chromedpSession{tabCtx: tabCtx, tabCancel: tabCancel, logger: c.logger}, nil
}

func (c *Chromedp) Close() error {
	c.allocCancel()
	return nil
}

type chromedpSession struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
	logger    *slog.Logger

	closeOnce sync.Once
}

// bind derives a context from the tab that also ends when the caller's ctx does.
func (s *chromedpSession) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.tabCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.tabCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *chromedpSession) Load(ctx context.Context, url string, timeout time.Duration) error {
	if err := s.tabCtx.Err(); err != nil {
		return ErrClosed
	}
	runCtx, cancel := s.bind(ctx, timeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (s *chromedpSession) ScrollBy(ctx context.Context, dy int) error {
	_, err := s.RunScript(ctx, scrollByScript(dy))
	return err
}

func (s *chromedpSession) ScrollTo(ctx context.Context, y int) error {
	_, err := s.RunScript(ctx, scrollToScript(y))
	return err
}

func (s *chromedpSession) RunScript(ctx context.Context, script string) (any, error) {
	if err := s.tabCtx.Err(); err != nil {
		return nil, ErrClosed
	}
	runCtx, cancel := s.bind(ctx, 0)
	defer cancel()

	var res any
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &res)); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}
	return res, nil
}

func (s *chromedpSession) ViewportHeight(ctx context.Context) (int, error) {
	res, err := s.RunScript(ctx, viewportHeightScript)
	if err != nil {
		return 0, err
	}
	h, ok := ScriptInt(res)
	if !ok {
		return 0, fmt.Errorf("unexpected viewport height %v", res)
	}
	return h, nil
}

func (s *chromedpSession) Document(ctx context.Context) (*goquery.Document, error) {
	if err := s.tabCtx.Err(); err != nil {
		return nil, ErrClosed
	}
	runCtx, cancel := s.bind(ctx, 0)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}
	return parseDocument(html)
}

func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		s.tabCancel()
	})
	return nil
}
