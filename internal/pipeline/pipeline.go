package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/listing-harvester/internal/browser"
	"github.com/maltedev/listing-harvester/internal/links"
	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/maltedev/listing-harvester/internal/normalize"
	"github.com/maltedev/listing-harvester/internal/parser"
	"github.com/maltedev/listing-harvester/internal/ratelimit"
	"github.com/maltedev/listing-harvester/internal/scraper"
	"github.com/maltedev/listing-harvester/internal/storage"
)

// MinTrainingRecords is the smallest dataset worth handing to a trainer.
const MinTrainingRecords = 5

var ErrInsufficientData = errors.New("insufficient data")

type Config struct {
	DatasetDir    string
	DetailTimeout time.Duration
	DetailSettle  time.Duration
	Workers       int
}

func DefaultConfig() Config {
	return Config{
		DatasetDir:    "data/user_data",
		DetailTimeout: 8 * time.Second,
		DetailSettle:  time.Second,
		Workers:       1,
	}
}

// LinkLedger remembers per-item outcomes across runs.
type LinkLedger interface {
	AddPending(dataset string, urls []string) error
	MarkCompleted(url string) error
	MarkFailed(url, reason string) error
}

// RecordSink mirrors written records somewhere besides the dataset file.
type RecordSink interface {
	SaveListings(ctx context.Context, records []models.CleanRecord) error
}

type RunRecorder interface {
	RecordRun(ctx context.Context, summary models.RunSummary) error
}

type DatasetNotifier interface {
	PublishDatasetReady(ctx context.Context, summary models.RunSummary) error
}

// outcomeRecorder is implemented by limiters that adapt to failures.
type outcomeRecorder interface {
	RecordSuccess()
	RecordError()
}

type Pipeline struct {
	cfg        Config
	factory    browser.Factory
	crawler    *scraper.ListingCrawler
	extractor  parser.Extractor
	normalizer *normalize.Normalizer
	writer     *storage.DatasetWriter
	pacer      scraper.Pacer
	limiter    ratelimit.RateLimiter
	logger     *slog.Logger

	ledger   LinkLedger
	sinks    []RecordSink
	recorder RunRecorder
	notifier DatasetNotifier
}

func New(cfg Config, factory browser.Factory, crawler *scraper.ListingCrawler, pacer scraper.Pacer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{
		cfg:        cfg,
		factory:    factory,
		crawler:    crawler,
		extractor:  parser.NewDivarExtractor(),
		normalizer: normalize.New(),
		writer:     storage.NewDatasetWriter(),
		pacer:      pacer,
		logger:     logger.With("component", "pipeline"),
	}
}

func (p *Pipeline) WithExtractor(e parser.Extractor) *Pipeline {
	p.extractor = e
	return p
}

func (p *Pipeline) WithNormalizer(n *normalize.Normalizer) *Pipeline {
	p.normalizer = n
	return p
}

func (p *Pipeline) WithLimiter(l ratelimit.RateLimiter) *Pipeline {
	p.limiter = l
	return p
}

func (p *Pipeline) WithLedger(l LinkLedger) *Pipeline {
	p.ledger = l
	return p
}

func (p *Pipeline) WithRecordSink(s RecordSink) *Pipeline {
	p.sinks = append(p.sinks, s)
	return p
}

func (p *Pipeline) WithRunRecorder(r RunRecorder) *Pipeline {
	p.recorder = r
	return p
}

func (p *Pipeline) WithNotifier(n DatasetNotifier) *Pipeline {
	p.notifier = n
	return p
}

// DatasetPath is the dataset file for params under the configured directory.
func (p *Pipeline) DatasetPath(params models.SearchParams) string {
	return storage.DatasetPath(p.cfg.DatasetDir, params)
}

// Crawl collects candidate item URLs on a session of its own.
func (p *Pipeline) Crawl(ctx context.Context, params models.SearchParams, quota models.Quota) models.CrawlResult {
	sess, err := p.factory.Open(ctx)
	if err != nil {
		p.logger.Error("failed to open listing session", "error", err)
		return models.CrawlResult{URLs: []string{}, Reason: models.ReasonError, Err: err}
	}
	defer closeSession(sess, p.logger)

	return p.crawler.Crawl(ctx, sess, params.BrandModel, quota)
}

// Extract visits every url, writing accepted records to datasetPath. Only a
// session that cannot be opened or a failed write is returned as an error.
func (p *Pipeline) Extract(ctx context.Context, urls []string, datasetPath string) (models.ExtractResult, error) {
	urls = dedupe(urls)
	if len(urls) == 0 {
		return models.ExtractResult{DatasetPath: datasetPath}, nil
	}
	if p.cfg.Workers > 1 && len(urls) > 1 {
		return p.extractParallel(ctx, urls, datasetPath)
	}

	sess, err := p.factory.Open(ctx)
	if err != nil {
		return models.ExtractResult{Found: len(urls), DatasetPath: datasetPath}, err
	}
	defer closeSession(sess, p.logger)

	return p.extractSequential(ctx, sess, urls, datasetPath)
}

// Observer hears about stage boundaries inside a run.
type Observer interface {
	Crawled(res models.CrawlResult)
	Extracted(res models.ExtractResult)
}

// Run crawls and extracts on one session, the way a single-browser run does.
// With more than one worker only the crawl uses that session.
func (p *Pipeline) Run(ctx context.Context, id string, params models.SearchParams, quota models.Quota) (models.RunSummary, error) {
	return p.RunObserved(ctx, id, params, quota, nil)
}

// RunObserved is Run with obs notified after the crawl and after extraction.
// obs may be nil.
func (p *Pipeline) RunObserved(ctx context.Context, id string, params models.SearchParams, quota models.Quota, obs Observer) (models.RunSummary, error) {
	summary := models.RunSummary{
		ID:          id,
		Params:      params,
		DatasetPath: p.DatasetPath(params),
		StartedAt:   time.Now(),
	}
	finish := func(err error) (models.RunSummary, error) {
		summary.FinishedAt = time.Now()
		p.record(ctx, summary)
		return summary, err
	}

	sess, err := p.factory.Open(ctx)
	if err != nil {
		summary.Reason = models.ReasonError
		return finish(err)
	}
	defer closeSession(sess, p.logger)

	crawl := p.crawler.Crawl(ctx, sess, params.BrandModel, quota)
	summary.Reason = crawl.Reason
	summary.URLsFound = len(crawl.URLs)
	if obs != nil {
		obs.Crawled(crawl)
	}

	if crawl.Reason == models.ReasonError || crawl.Reason == models.ReasonCanceled {
		return finish(crawl.Err)
	}

	var res models.ExtractResult
	if p.cfg.Workers > 1 {
		// free the crawl tab before the worker sessions open
		closeSession(sess, p.logger)
		res, err = p.Extract(ctx, crawl.URLs, summary.DatasetPath)
	} else {
		res, err = p.extractSequential(ctx, sess, dedupe(crawl.URLs), summary.DatasetPath)
	}
	summary.Written = res.Written
	summary.Failed = len(res.Failed)
	if obs != nil {
		obs.Extracted(res)
	}
	if err != nil {
		return finish(err)
	}

	p.publish(ctx, summary)
	return finish(nil)
}

func (p *Pipeline) extractSequential(ctx context.Context, sess browser.Session, urls []string, datasetPath string) (models.ExtractResult, error) {
	res := models.ExtractResult{Found: len(urls), DatasetPath: datasetPath}
	p.markPending(datasetPath, urls)

	var written []models.CleanRecord
	for i, u := range urls {
		if err := ctx.Err(); err != nil {
			p.sink(ctx, written)
			return res, err
		}
		if err := p.wait(ctx); err != nil {
			p.sink(ctx, written)
			return res, err
		}

		rec, err := p.processItem(ctx, sess, u)
		if err != nil {
			res.Failed = append(res.Failed, p.fail(u, err))
			p.logger.Warn("item rejected", "index", i+1, "url", u, "reason", err)
			continue
		}
		if err := p.writer.Write(datasetPath, rec); err != nil {
			p.sink(ctx, written)
			return res, err
		}
		written = append(written, rec)
		res.Written++
		p.complete(u)
		p.logger.Info("item written", "index", i+1, "url", u, "price", rec.Price)
	}

	p.sink(ctx, written)
	p.logger.Info("extraction finished", "found", res.Found, "written", res.Written, "failed", len(res.Failed))
	return res, nil
}

func (p *Pipeline) extractParallel(ctx context.Context, urls []string, datasetPath string) (models.ExtractResult, error) {
	res := models.ExtractResult{Found: len(urls), DatasetPath: datasetPath}

	workers := p.cfg.Workers
	if workers > len(urls) {
		workers = len(urls)
	}

	pool := make(chan browser.Session, workers)
	defer func() {
		close(pool)
		for sess := range pool {
			closeSession(sess, p.logger)
		}
	}()
	for i := 0; i < workers; i++ {
		sess, err := p.factory.Open(ctx)
		if err != nil {
			return res, err
		}
		pool <- sess
	}

	p.markPending(datasetPath, urls)

	var mu sync.Mutex
	var written []models.CleanRecord

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			if err := p.wait(gctx); err != nil {
				return err
			}

			sess := <-pool
			defer func() { pool <- sess }()

			rec, err := p.processItem(gctx, sess, u)
			if err != nil {
				failed := p.fail(u, err)
				mu.Lock()
				res.Failed = append(res.Failed, failed)
				mu.Unlock()
				p.logger.Warn("item rejected", "url", u, "reason", err)
				return nil
			}

			if err := p.writer.Write(datasetPath, rec); err != nil {
				return err
			}
			mu.Lock()
			written = append(written, rec)
			res.Written++
			mu.Unlock()
			p.complete(u)
			p.logger.Info("item written", "url", u, "price", rec.Price)
			return nil
		})
	}
	err := g.Wait()

	p.sink(ctx, written)
	p.logger.Info("extraction finished", "found", res.Found, "written", res.Written, "failed", len(res.Failed), "workers", workers)
	return res, err
}

// processItem loads, extracts and normalizes one detail page.
func (p *Pipeline) processItem(ctx context.Context, sess browser.Session, url string) (models.CleanRecord, error) {
	if err := sess.Load(ctx, url, p.cfg.DetailTimeout); err != nil {
		p.observe(false)
		return models.CleanRecord{}, err
	}
	p.observe(true)

	if p.pacer != nil {
		if err := p.pacer.Settle(ctx, p.cfg.DetailSettle); err != nil {
			return models.CleanRecord{}, err
		}
	}

	doc, err := sess.Document(ctx)
	if err != nil {
		return models.CleanRecord{}, fmt.Errorf("failed to read detail page: %w", err)
	}

	raw := p.extractor.Extract(doc, url)
	return p.normalizer.Normalize(raw)
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func (p *Pipeline) observe(ok bool) {
	r, isRecorder := p.limiter.(outcomeRecorder)
	if !isRecorder {
		return
	}
	if ok {
		r.RecordSuccess()
	} else {
		r.RecordError()
	}
}

func (p *Pipeline) fail(url string, err error) models.FailedLink {
	if p.ledger != nil {
		if lerr := p.ledger.MarkFailed(url, err.Error()); lerr != nil {
			p.logger.Warn("failed to update link ledger", "url", url, "error", lerr)
		}
	}
	return models.FailedLink{URL: url, Reason: err.Error()}
}

func (p *Pipeline) complete(url string) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.MarkCompleted(url); err != nil {
		p.logger.Warn("failed to update link ledger", "url", url, "error", err)
	}
}

func (p *Pipeline) markPending(datasetPath string, urls []string) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.AddPending(datasetPath, urls); err != nil {
		p.logger.Warn("failed to update link ledger", "error", err)
	}
}

func (p *Pipeline) sink(ctx context.Context, records []models.CleanRecord) {
	if len(records) == 0 {
		return
	}
	for _, s := range p.sinks {
		if err := s.SaveListings(context.WithoutCancel(ctx), records); err != nil {
			p.logger.Error("record sink failed", "records", len(records), "error", err)
		}
	}
}

func (p *Pipeline) record(ctx context.Context, summary models.RunSummary) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordRun(context.WithoutCancel(ctx), summary); err != nil {
		p.logger.Error("failed to record run", "run_id", summary.ID, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, summary models.RunSummary) {
	if p.notifier == nil || summary.Written == 0 {
		return
	}
	if err := p.notifier.PublishDatasetReady(ctx, summary); err != nil {
		p.logger.Error("failed to publish dataset event", "run_id", summary.ID, "error", err)
	}
}

func dedupe(urls []string) []string {
	set := links.NewSet()
	for _, u := range urls {
		if u != "" {
			set.Add(u)
		}
	}
	return set.List()
}

func closeSession(sess browser.Session, logger *slog.Logger) {
	if err := sess.Close(); err != nil {
		logger.Warn("failed to close session", "error", err)
	}
}
