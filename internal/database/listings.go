package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/maltedev/listing-harvester/internal/models"
)

// Schema creates every table the harvester writes to
const Schema = `
CREATE TABLE IF NOT EXISTS listings (
	url          TEXT PRIMARY KEY,
	brand_model  TEXT NOT NULL DEFAULT '',
	year_model   INTEGER,
	mileage      INTEGER,
	color        TEXT NOT NULL DEFAULT '',
	gearbox      TEXT NOT NULL DEFAULT '',
	fuel_type    TEXT NOT NULL DEFAULT '',
	price        BIGINT NOT NULL,
	city         TEXT NOT NULL DEFAULT '',
	first_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS crawl_runs (
	id                 TEXT PRIMARY KEY,
	brand_model        TEXT NOT NULL,
	year_model         INTEGER,
	mileage            INTEGER,
	gearbox            TEXT,
	fuel_type          TEXT,
	termination_reason TEXT NOT NULL,
	urls_found         INTEGER NOT NULL,
	written            INTEGER NOT NULL,
	failed             INTEGER NOT NULL,
	dataset_path       TEXT NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	finished_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_event (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	target_stream  TEXT NOT NULL,
	status         TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	processed_at   TIMESTAMPTZ,
	next_retry_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS outbox_event_pending_idx ON outbox_event (status, next_retry_at);
`

// EnsureSchema applies Schema; every statement is idempotent
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const upsertListingSQL = `
	INSERT INTO listings (
		url, brand_model, year_model, mileage, color,
		gearbox, fuel_type, price, city, last_seen
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (url) DO UPDATE SET
		brand_model = EXCLUDED.brand_model,
		year_model  = EXCLUDED.year_model,
		mileage     = EXCLUDED.mileage,
		color       = EXCLUDED.color,
		gearbox     = EXCLUDED.gearbox,
		fuel_type   = EXCLUDED.fuel_type,
		price       = EXCLUDED.price,
		city        = EXCLUDED.city,
		last_seen   = EXCLUDED.last_seen`

// ListingRepository mirrors clean records into Postgres, one row per url
type ListingRepository struct {
	db  batchSender
	now func() time.Time
}

func NewListingRepository(db *DB) *ListingRepository {
	return &ListingRepository{db: db, now: time.Now}
}

func (r *ListingRepository) SaveListings(ctx context.Context, records []models.CleanRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := buildUpsertBatch(records, r.now())
	br := r.db.SendBatch(ctx, batch)

	var errs []error
	for _, rec := range records {
		if _, err := br.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("failed to upsert %s: %w", rec.URL, err))
		}
	}
	if err := br.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close batch: %w", err))
	}
	return errors.Join(errs...)
}

func buildUpsertBatch(records []models.CleanRecord, seen time.Time) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(upsertListingSQL,
			rec.URL, rec.BrandModel, rec.Year, rec.Mileage, rec.Color,
			rec.Gearbox, rec.FuelType, rec.Price, rec.City, seen,
		)
	}
	return batch
}

const insertRunSQL = `
	INSERT INTO crawl_runs (
		id, brand_model, year_model, mileage, gearbox, fuel_type,
		termination_reason, urls_found, written, failed, dataset_path,
		started_at, finished_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO NOTHING`

// RunRepository keeps the history of finished runs
type RunRepository struct {
	db execer
}

func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) RecordRun(ctx context.Context, s models.RunSummary) error {
	_, err := r.db.Exec(ctx, insertRunSQL,
		s.ID, s.Params.BrandModel, s.Params.YearModel, s.Params.Mileage, s.Params.Gearbox, s.Params.FuelType,
		string(s.Reason), s.URLsFound, s.Written, s.Failed, s.DatasetPath,
		s.StartedAt, s.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", s.ID, err)
	}
	return nil
}
