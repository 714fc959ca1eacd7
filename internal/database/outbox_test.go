package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTx implements only Exec; any other pgx.Tx method panics.
type recordingTx struct {
	pgx.Tx
	sql  string
	args []any
	err  error
}

func (r *recordingTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func datasetEvent() *OutboxEvent {
	return &OutboxEvent{
		AggregateType: "crawl_run",
		AggregateID:   "run-001",
		EventType:     "DATASET_READY",
		Payload:       json.RawMessage(`{"run_id":"run-001","written":12}`),
	}
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	repo := &OutboxRepository{}

	t.Run("successful insert with transaction", func(t *testing.T) {
		tx := &recordingTx{}
		event := datasetEvent()

		require.NoError(t, repo.InsertWithTx(ctx, tx, event))

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, 0, event.RetryCount)
		assert.Equal(t, DatasetReadyStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())

		assert.Contains(t, tx.sql, "INSERT INTO outbox_event")
		require.Len(t, tx.args, 10)
		assert.Equal(t, event.ID, tx.args[0])
		assert.Equal(t, "run-001", tx.args[2])
		assert.Equal(t, DatasetReadyStream, tx.args[5])
	})

	t.Run("exec failure is wrapped", func(t *testing.T) {
		boom := errors.New("tx is closed")
		err := repo.InsertWithTx(ctx, &recordingTx{err: boom}, datasetEvent())

		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "failed to insert outbox event")
	})

	t.Run("validate required fields", func(t *testing.T) {
		testCases := []struct {
			name   string
			mutate func(*OutboxEvent)
		}{
			{"missing aggregate type", func(e *OutboxEvent) { e.AggregateType = "" }},
			{"missing event type", func(e *OutboxEvent) { e.EventType = "" }},
			{"missing payload", func(e *OutboxEvent) { e.Payload = nil }},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				tx := &recordingTx{}
				event := datasetEvent()
				tc.mutate(event)

				err := repo.InsertWithTx(ctx, tx, event)
				assert.ErrorIs(t, err, ErrInvalidEvent)
				assert.Empty(t, tx.sql)
				assert.Equal(t, uuid.Nil, event.ID)
			})
		}
	})
}
