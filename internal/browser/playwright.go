package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"
)

// Playwright launches Chromium on the first Open and hands out one browser
// context per session.
type Playwright struct {
	opts   *Options
	logger *slog.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewPlaywright(opts *Options, logger *slog.Logger) *Playwright {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Playwright{
		opts:   opts,
		logger: logger.With("component", "browser", "engine", EnginePlaywright),
	}
}

func (p *Playwright) launch() error {
	if p.browser != nil {
		return nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("%w: failed to start playwright: %v", ErrSessionInit, err)
	}

	args := append([]string{}, launchArgs...)
	args = append(args,
		fmt.Sprintf("--window-size=%d,%d", p.opts.ViewportWidth, p.opts.ViewportHeight),
		"--user-agent="+p.opts.UserAgent,
	)
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &p.opts.Headless,
		Args:     args,
	}
	if p.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: p.opts.ProxyServer}
	}

	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return fmt.Errorf("%w: failed to launch browser: %v", ErrSessionInit, err)
	}

	p.pw = pw
	p.browser = b
	p.logger.Info("browser launched", "headless", p.opts.Headless)
	return nil
}

func (p *Playwright) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionInit, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.launch(); err != nil {
		return nil, err
	}

	bctx, err := p.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         &p.opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &p.opts.Locale,
		TimezoneId:        &p.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  p.opts.ViewportWidth,
			Height: p.opts.ViewportHeight,
		},
		ExtraHttpHeaders: p.opts.ExtraHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create browser context: %v", ErrSessionInit, err)
	}

	script := hideAutomationScript
	if err := bctx.AddInitScript(playwright.Script{Content: &script}); err != nil {
		bctx.Close()
		return nil, fmt.Errorf("%w: failed to install init script: %v", ErrSessionInit, err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("%w: failed to create page: %v", ErrSessionInit, err)
	}
	page.SetDefaultTimeout(float64(p.opts.Timeout.Milliseconds()))

	return &playwrightSession{ctx: bctx, page: page, logger: p.logger}, nil
}

func (p *Playwright) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		p.browser = nil
	}
	if p.pw != nil {
		if err := p.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		p.pw = nil
	}
	return errors.Join(errs...)
}

type playwrightSession struct {
	ctx    playwright.BrowserContext
	page   playwright.Page
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

func (s *playwrightSession) Load(ctx context.Context, url string, timeout time.Duration) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ms := playwright.Float(float64(timeout.Milliseconds()))
	if _, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   ms,
	}); err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	if err := s.page.Locator("body").WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: ms,
	}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNavigationTimeout, url, err)
	}
	return nil
}

func (s *playwrightSession) ScrollBy(ctx context.Context, dy int) error {
	_, err := s.RunScript(ctx, scrollByScript(dy))
	return err
}

func (s *playwrightSession) ScrollTo(ctx context.Context, y int) error {
	_, err := s.RunScript(ctx, scrollToScript(y))
	return err
}

func (s *playwrightSession) RunScript(ctx context.Context, script string) (any, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := s.page.Evaluate(script)
	if err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}
	return res, nil
}

func (s *playwrightSession) ViewportHeight(ctx context.Context) (int, error) {
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

func (s *playwrightSession) Document(ctx context.Context) (*goquery.Document, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	html, err := s.page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}
	return parseDocument(html)
}

func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		var errs []error
		if err := s.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close page: %w", err))
		}
		if err := s.ctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("session close reported errors", "error", s.closeErr)
		}
	})
	return s.closeErr
}
