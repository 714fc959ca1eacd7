package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/maltedev/listing-harvester/internal/app"
	"github.com/maltedev/listing-harvester/internal/config"
	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/maltedev/listing-harvester/internal/pipeline"
	"github.com/maltedev/listing-harvester/internal/storage"
	"github.com/maltedev/listing-harvester/pkg/logger"
)

func main() {
	var (
		query         = flag.String("q", "", "Brand and model to search for (required)")
		year          = flag.Int("year", 0, "Model year of the car being priced")
		mileage       = flag.Int("mileage", 0, "Mileage of the car being priced")
		gearbox       = flag.String("gearbox", "", "Gearbox of the car being priced")
		fuel          = flag.String("fuel", "", "Fuel type of the car being priced")
		out           = flag.String("out", "", "Dataset directory (default DATASET_DIR)")
		maxItems      = flag.Int("max-items", 0, "Stop after this many listings (default CRAWLER_MAX_ITEMS)")
		maxIterations = flag.Int("max-iterations", 0, "Scroll iteration cap (default CRAWLER_MAX_ITERATIONS)")
		workers       = flag.Int("workers", 0, "Concurrent detail sessions (default DATASET_WORKERS)")
		headless      = flag.Bool("headless", true, "Run browser in headless mode (default BROWSER_HEADLESS)")
		engine        = flag.String("engine", "", "Browser engine: playwright or chromedp")
		retryFailed   = flag.Bool("retry-failed", false, "Re-extract links the ledger marks as failed instead of crawling")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	var headlessOverride *bool
	if explicitlySet(flag.CommandLine)["headless"] {
		headlessOverride = headless
	}
	applyFlags(cfg, *out, *maxItems, *maxIterations, *workers, *engine, headlessOverride)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *query == "" {
		fmt.Println("Please provide a brand and model with -q")
		flag.Usage()
		os.Exit(1)
	}

	params := models.SearchParams{
		BrandModel: *query,
		YearModel:  *year,
		Mileage:    *mileage,
		Gearbox:    *gearbox,
		FuelType:   *fuel,
	}
	os.Exit(run(cfg, params, *retryFailed))
}

func run(cfg *config.Config, params models.SearchParams, retryFailed bool) int {
	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build harvester", "error", err)
		return 1
	}
	defer h.Close()

	if err := h.Connect(ctx, cfg); err != nil {
		logger.Error("failed to connect stores", "error", err)
		return 1
	}

	if retryFailed {
		return retry(ctx, h, params)
	}

	logger.Info("starting harvest", "query", params.BrandModel, "engine", cfg.Browser.Engine, "workers", cfg.Dataset.Workers)
	summary, err := h.Pipeline.Run(ctx, uuid.New().String(), params, app.Quota(cfg.Crawler))

	fmt.Printf("\nTermination: %s\n", summary.Reason)
	fmt.Printf("Found:       %d\n", summary.URLsFound)
	fmt.Printf("Written:     %d\n", summary.Written)
	fmt.Printf("Failed:      %d\n", summary.Failed)
	fmt.Printf("Dataset:     %s\n", summary.DatasetPath)
	if h.Ledger != nil {
		fmt.Printf("Ledger:      %v\n", h.Ledger.GetStats())
	}

	if err != nil {
		logger.Error("harvest failed", "error", err)
		return 1
	}
	if summary.Written < pipeline.MinTrainingRecords {
		logger.Warn("dataset too small for training",
			"error", pipeline.ErrInsufficientData,
			"written", summary.Written,
			"required", pipeline.MinTrainingRecords)
	}
	return 0
}

// explicitlySet names the flags given on the command line.
func explicitlySet(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyFlags overrides cfg with the flags that carry a value; a nil headless
// leaves BROWSER_HEADLESS in charge.
func applyFlags(cfg *config.Config, out string, maxItems, maxIterations, workers int, engine string, headless *bool) {
	if out != "" {
		cfg.Dataset.Dir = out
	}
	if maxItems > 0 {
		cfg.Crawler.MaxItems = maxItems
	}
	if maxIterations > 0 {
		cfg.Crawler.MaxIterations = maxIterations
	}
	if workers > 0 {
		cfg.Dataset.Workers = workers
	}
	if engine != "" {
		cfg.Browser.Engine = engine
	}
	if headless != nil {
		cfg.Browser.Headless = *headless
	}
}

func retry(ctx context.Context, h *app.Harvester, params models.SearchParams) int {
	if h.Ledger == nil {
		fmt.Println("No link ledger configured (DATASET_LEDGER_PATH)")
		return 1
	}
	datasetPath := h.Pipeline.DatasetPath(params)
	failed := h.Ledger.GetByDataset(datasetPath, storage.StatusFailed)
	if len(failed) == 0 {
		fmt.Printf("No failed links to retry for %s\n", datasetPath)
		return 0
	}

	res, err := h.Pipeline.Extract(ctx, failed, datasetPath)
	fmt.Printf("\nRetried:     %d\n", res.Found)
	fmt.Printf("Written:     %d\n", res.Written)
	fmt.Printf("Failed:      %d\n", len(res.Failed))
	fmt.Printf("Dataset:     %s\n", res.DatasetPath)
	if err != nil {
		fmt.Printf("Error:       %v\n", err)
		return 1
	}
	return 0
}
