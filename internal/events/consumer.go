package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler reacts to one dataset-ready event.
type Handler interface {
	HandleDatasetReady(ctx context.Context, payload DatasetReadyPayload) error
}

type HandlerFunc func(ctx context.Context, payload DatasetReadyPayload) error

func (f HandlerFunc) HandleDatasetReady(ctx context.Context, payload DatasetReadyPayload) error {
	return f(ctx, payload)
}

type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type ConsumerConfig struct {
	Stream  string
	Group   string
	Name    string
	Block   time.Duration
	Backoff time.Duration
	Handler Handler
	Logger  *slog.Logger
}

// Consumer reads dataset-ready events from a Redis stream through a consumer
// group and acknowledges each one its handler accepted.
type Consumer struct {
	redis   streamClient
	stream  string
	group   string
	name    string
	block   time.Duration
	backoff time.Duration
	handler Handler
	logger  *slog.Logger
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	return newConsumer(client, cfg)
}

func newConsumer(client streamClient, cfg ConsumerConfig) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = "stream:dataset_ready"
	}
	if cfg.Group == "" {
		cfg.Group = "dataset-consumer-group"
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-1"
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		redis:   client,
		stream:  cfg.Stream,
		group:   cfg.Group,
		name:    cfg.Name,
		block:   cfg.Block,
		backoff: cfg.Backoff,
		handler: cfg.Handler,
		logger:  cfg.Logger.With("component", "dataset_consumer"),
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.redis.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "stream", c.stream, "group", c.group)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    10,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := c.process(ctx, msg); err != nil {
					c.logger.Error("failed to process message", "id", msg.ID, "error", err)
					continue
				}
				if err := c.redis.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
					c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
				}
			}
		}
	}
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// process returns nil for events of other types so they are acknowledged.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != string(EventTypeDatasetReady) {
		return nil
	}

	data, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("missing data in event")
	}
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}
	var payload DatasetReadyPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	c.logger.Info("dataset ready",
		"message_id", msg.ID,
		"run_id", payload.RunID,
		"brand_model", payload.BrandModel,
		"written", payload.Written,
		"dataset", payload.DatasetPath)

	return c.handler.HandleDatasetReady(ctx, payload)
}

// Webhook forwards each payload as JSON to a URL, retrying transient failures.
type Webhook struct {
	URL      string
	Client   *http.Client
	Attempts int
	Backoff  time.Duration
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:      url,
		Client:   &http.Client{Timeout: 30 * time.Second},
		Attempts: 3,
		Backoff:  time.Second,
	}
}

func (w *Webhook) HandleDatasetReady(ctx context.Context, payload DatasetReadyPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * w.Backoff):
			}
		}

		lastErr = w.post(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", w.Attempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
