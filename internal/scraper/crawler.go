package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/maltedev/listing-harvester/internal/browser"
	"github.com/maltedev/listing-harvester/internal/links"
	"github.com/maltedev/listing-harvester/internal/models"
)

// Pacer is the crawler's only source of delay.
type Pacer interface {
	Pause(ctx context.Context) error
	Settle(ctx context.Context, d time.Duration) error
}

type Config struct {
	BaseURL     string
	ListingPath string
	QueryParam  string

	LoadTimeout time.Duration
	SettleDelay time.Duration

	// ScrollJitter bounds the random offset added to each scroll, in pixels.
	ScrollJitter    int
	LoadMoreEvery   int
	LoadMoreSettle  time.Duration
	AltScrollSettle time.Duration
	FallbackHeight  int

	// Seed fixes the scroll jitter sequence; zero seeds from the clock.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://divar.ir",
		ListingPath:     "/s/iran/car",
		QueryParam:      "q",
		LoadTimeout:     20 * time.Second,
		SettleDelay:     3 * time.Second,
		ScrollJitter:    100,
		LoadMoreEvery:   3,
		LoadMoreSettle:  3 * time.Second,
		AltScrollSettle: 2 * time.Second,
		FallbackHeight:  1080,
	}
}

// ListingURL builds the search page address for a free-text query.
func ListingURL(base, path, param, query string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	u.Path = path
	q := url.Values{}
	q.Set(param, query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type ListingCrawler struct {
	cfg       Config
	validator *links.Validator
	sources   []LinkSource
	pacer     Pacer
	logger    *slog.Logger
}

func NewListingCrawler(cfg Config, validator *links.Validator, pacer Pacer, logger *slog.Logger) *ListingCrawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListingCrawler{
		cfg:       cfg,
		validator: validator,
		sources:   DefaultSources(),
		pacer:     pacer,
		logger:    logger.With("component", "listing_crawler"),
	}
}

// WithSources replaces the link extraction strategies.
func (c *ListingCrawler) WithSources(sources ...LinkSource) *ListingCrawler {
	c.sources = sources
	return c
}

type crawlState struct {
	collected        *links.Set
	iteration        int
	consecutiveEmpty int
}

// terminate reports whether the loop must stop, first match wins.
func (s *crawlState) terminate(q models.Quota) (models.TerminationReason, bool) {
	switch {
	case s.collected.Len() >= q.MaxItems:
		return models.ReasonQuotaReached, true
	case s.iteration >= q.MaxIterations:
		return models.ReasonMaxIterations, true
	case s.consecutiveEmpty >= q.MaxConsecutiveEmpty:
		return models.ReasonStalled, true
	}
	return "", false
}

// Crawl scrolls the listing page for query on sess until the quota, the
// iteration cap or the stall threshold stops it. Only a failed initial load
// ends the run with an error.
func (c *ListingCrawler) Crawl(ctx context.Context, sess browser.Session, query string, quota models.Quota) models.CrawlResult {
	target, err := ListingURL(c.cfg.BaseURL, c.cfg.ListingPath, c.cfg.QueryParam, query)
	if err != nil {
		return models.CrawlResult{URLs: []string{}, Reason: models.ReasonError, Err: err}
	}

	c.logger.Info("loading listing page", "url", target, "max_items", quota.MaxItems, "max_iterations", quota.MaxIterations)

	if err := sess.Load(ctx, target, c.cfg.LoadTimeout); err != nil {
		if ctx.Err() != nil {
			return models.CrawlResult{URLs: []string{}, Reason: models.ReasonCanceled, Err: ctx.Err()}
		}
		c.logger.Error("listing page failed to load", "url", target, "error", err)
		return models.CrawlResult{URLs: []string{}, Reason: models.ReasonError, Err: err}
	}
	if err := c.pacer.Settle(ctx, c.cfg.SettleDelay); err != nil {
		return models.CrawlResult{URLs: []string{}, Reason: models.ReasonCanceled, Err: err}
	}

	height, err := sess.ViewportHeight(ctx)
	if err != nil || height <= 0 {
		c.logger.Warn("viewport height unavailable, using fallback", "error", err, "fallback", c.cfg.FallbackHeight)
		height = c.cfg.FallbackHeight
	}

	seed := c.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))

	state := &crawlState{collected: links.NewSet()}
	result := func(reason models.TerminationReason, err error) models.CrawlResult {
		return models.CrawlResult{URLs: state.collected.List(), Reason: reason, Iterations: state.iteration, Err: err}
	}

	for {
		state.iteration++

		offset := height*state.iteration + c.jitter(rnd)
		if err := sess.ScrollTo(ctx, offset); err != nil {
			c.logger.Warn("scroll failed", "iteration", state.iteration, "error", err)
		}
		if err := c.pacer.Pause(ctx); err != nil {
			return result(models.ReasonCanceled, err)
		}

		if c.cfg.LoadMoreEvery > 0 && state.iteration%c.cfg.LoadMoreEvery == 0 {
			if c.loadMore(ctx, sess) {
				if err := c.pacer.Settle(ctx, c.cfg.LoadMoreSettle); err != nil {
					return result(models.ReasonCanceled, err)
				}
			}
		}

		added := 0
		for _, href := range c.collect(ctx, sess, state.iteration) {
			if state.collected.Len() >= quota.MaxItems {
				break
			}
			canonical, ok := c.validator.Accept(href)
			if ok && state.collected.Add(canonical) {
				added++
			}
		}

		if added > 0 {
			state.consecutiveEmpty = 0
		} else {
			state.consecutiveEmpty++
		}

		c.logger.Debug("crawl iteration",
			"iteration", state.iteration,
			"new", added,
			"total", state.collected.Len(),
			"consecutive_empty", state.consecutiveEmpty,
		)

		if reason, done := state.terminate(quota); done {
			c.logger.Info("crawl finished",
				"reason", reason,
				"iterations", state.iteration,
				"urls", state.collected.Len(),
			)
			return result(reason, nil)
		}

		if state.consecutiveEmpty >= 2 {
			alt := rnd.Intn(height*3 + 1)
			c.logger.Debug("no new links, trying alternate scroll", "offset", alt)
			if err := sess.ScrollTo(ctx, alt); err != nil {
				c.logger.Warn("alternate scroll failed", "error", err)
			}
			if err := c.pacer.Settle(ctx, c.cfg.AltScrollSettle); err != nil {
				return result(models.ReasonCanceled, err)
			}
		}
	}
}

func (c *ListingCrawler) jitter(rnd *rand.Rand) int {
	if c.cfg.ScrollJitter <= 0 {
		return 0
	}
	return rnd.Intn(2*c.cfg.ScrollJitter+1) - c.cfg.ScrollJitter
}

func (c *ListingCrawler) collect(ctx context.Context, sess browser.Session, iteration int) []string {
	doc, err := sess.Document(ctx)
	if err != nil {
		c.logger.Warn("document snapshot failed", "iteration", iteration, "error", err)
		doc = nil
	}
	if iteration == 1 && doc != nil && looksEmpty(doc.Text()) {
		c.logger.Info("listing page reports no results")
	}

	var hrefs []string
	for _, src := range c.sources {
		found, err := src.Collect(ctx, sess, doc)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return hrefs
			}
			c.logger.Debug("link source failed", "source", src.Name(), "error", err)
			continue
		}
		hrefs = append(hrefs, found...)
	}
	return hrefs
}

func (c *ListingCrawler) loadMore(ctx context.Context, sess browser.Session) bool {
	res, err := sess.RunScript(ctx, loadMoreScript)
	if err != nil {
		c.logger.Debug("load-more probe failed", "error", err)
		return false
	}
	clicked, _ := res.(bool)
	if clicked {
		c.logger.Debug("clicked load-more button")
	}
	return clicked
}

var noResultPhrases = []string{
	"نتیجه‌ای یافت نشد",
	"موردی یافت نشد",
	"آگهی‌ای یافت نشد",
	"no results",
	"no ads found",
}

func looksEmpty(text string) bool {
	text = strings.ToLower(text)
	for _, p := range noResultPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
