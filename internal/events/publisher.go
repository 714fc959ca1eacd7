package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/listing-harvester/internal/database"
	"github.com/maltedev/listing-harvester/internal/models"
)

type EventType string

const (
	// EventTypeDatasetReady is published when a run appended records to a dataset file
	EventTypeDatasetReady EventType = "DATASET_READY"

	aggregateCrawlRun = "crawl_run"
	defaultSource     = "divar"
)

// DatasetReadyPayload tells downstream trainers which file grew and by how much
type DatasetReadyPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id"`
	BrandModel  string    `json:"brand_model"`
	YearModel   int       `json:"year_model,omitempty"`
	Mileage     int       `json:"mileage,omitempty"`
	Gearbox     string    `json:"gearbox,omitempty"`
	FuelType    string    `json:"fuel_type,omitempty"`
	DatasetPath string    `json:"dataset_path"`
	Written     int       `json:"written"`
	URLsFound   int       `json:"urls_found"`
	Failed      int       `json:"failed"`
	Reason      string    `json:"termination_reason"`
	Source      string    `json:"source"`
}

// NewDatasetReadyPayload fills the payload from a finished run
func NewDatasetReadyPayload(s models.RunSummary) *DatasetReadyPayload {
	return &DatasetReadyPayload{
		RunID:       s.ID,
		BrandModel:  s.Params.BrandModel,
		YearModel:   s.Params.YearModel,
		Mileage:     s.Params.Mileage,
		Gearbox:     s.Params.Gearbox,
		FuelType:    s.Params.FuelType,
		DatasetPath: s.DatasetPath,
		Written:     s.Written,
		URLsFound:   s.URLsFound,
		Failed:      s.Failed,
		Reason:      string(s.Reason),
	}
}

type txRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type outboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher stages events in the transactional outbox; the relay ships them
type Publisher struct {
	db     txRunner
	outbox outboxWriter
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:     db,
		outbox: database.NewOutboxRepository(db),
		logger: logger.With("component", "event_publisher"),
		now:    time.Now,
	}
}

// PublishDatasetReady satisfies pipeline.DatasetNotifier
func (p *Publisher) PublishDatasetReady(ctx context.Context, summary models.RunSummary) error {
	return p.publish(ctx, NewDatasetReadyPayload(summary))
}

func (p *Publisher) publish(ctx context.Context, payload *DatasetReadyPayload) error {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypeDatasetReady)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = p.now()
	}
	if payload.Source == "" {
		payload.Source = defaultSource
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateCrawlRun,
		AggregateID:   payload.RunID,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  database.DatasetReadyStream,
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		return p.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"run_id", payload.RunID,
		"written", payload.Written,
		"outbox_id", event.ID,
	)
	return nil
}
