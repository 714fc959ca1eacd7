package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/maltedev/listing-harvester/internal/pipeline"
	"github.com/maltedev/listing-harvester/internal/queue"
	"github.com/maltedev/listing-harvester/internal/session"
)

// Runner executes one harvest run; *pipeline.Pipeline satisfies it.
type Runner interface {
	RunObserved(ctx context.Context, id string, params models.SearchParams, quota models.Quota, obs pipeline.Observer) (models.RunSummary, error)
}

// Trainer fits a price model on a dataset file and prices the user's car.
type Trainer interface {
	Train(ctx context.Context, datasetPath string, params models.SearchParams) (map[string]float64, error)
	Predict(ctx context.Context, params models.SearchParams) (int64, error)
}

// Worker drains the run queue one task at a time so a single browser serves
// every session.
type Worker struct {
	queue   queue.Queue
	store   *session.Store
	runner  Runner
	trainer Trainer
	logger  *slog.Logger
}

func NewWorker(q queue.Queue, store *session.Store, runner Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:  q,
		store:  store,
		runner: runner,
		logger: logger.With("component", "worker"),
	}
}

// WithTrainer enables the training and predicting stages.
func (w *Worker) WithTrainer(t Trainer) *Worker {
	w.trainer = t
	return w
}

// Start processes tasks until ctx is done or the queue is closed and drained.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		task, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				w.logger.Info("worker stopping: queue closed")
				return nil
			}
			w.logger.Info("worker stopping", "reason", err)
			return err
		}
		w.Process(ctx, task)
	}
}

// Process runs a single task and leaves its session in a terminal stage.
func (w *Worker) Process(ctx context.Context, task *queue.Task) {
	log := w.logger.With("session_id", task.SessionID, "task_id", task.ID)

	if _, err := w.store.Get(task.SessionID); err != nil {
		log.Info("skipping task for removed session")
		return
	}

	log.Info("run started", "brand_model", task.Params.BrandModel)
	summary, err := w.runner.RunObserved(ctx, task.ID, task.Params, task.Quota, &sessionObserver{store: w.store, id: task.SessionID})
	if err != nil {
		log.Error("run failed", "reason", summary.Reason, "error", err)
		w.fail(task.SessionID, err)
		return
	}

	if summary.Written < pipeline.MinTrainingRecords {
		log.Warn("not enough records to train", "written", summary.Written, "urls_found", summary.URLsFound)
		w.fail(task.SessionID, fmt.Errorf("%w: only %d valid listings", pipeline.ErrInsufficientData, summary.Written))
		return
	}

	if w.trainer == nil {
		w.update(task.SessionID, func(st *session.State) { st.Stage = session.StageCompleted })
		log.Info("run completed", "written", summary.Written, "dataset", summary.DatasetPath)
		return
	}

	w.update(task.SessionID, func(st *session.State) { st.Stage = session.StageTraining })
	metrics, err := w.trainer.Train(ctx, summary.DatasetPath, task.Params)
	if err != nil {
		log.Error("training failed", "error", err)
		w.fail(task.SessionID, fmt.Errorf("training failed: %w", err))
		return
	}

	w.update(task.SessionID, func(st *session.State) {
		st.Metrics = metrics
		st.Stage = session.StagePredicting
	})
	price, err := w.trainer.Predict(ctx, task.Params)
	if err != nil {
		log.Error("prediction failed", "error", err)
		w.fail(task.SessionID, fmt.Errorf("prediction failed: %w", err))
		return
	}

	w.update(task.SessionID, func(st *session.State) {
		st.Prediction = &price
		st.Stage = session.StageCompleted
	})
	log.Info("run completed", "written", summary.Written, "predicted_price", price)
}

func (w *Worker) update(id string, fn func(*session.State)) {
	if _, err := w.store.Update(id, fn); err != nil {
		w.logger.Debug("session gone before update", "session_id", id, "error", err)
	}
}

func (w *Worker) fail(id string, err error) {
	if _, ferr := w.store.Fail(id, err); ferr != nil {
		w.logger.Debug("session gone before failure was recorded", "session_id", id, "error", ferr)
	}
}

type sessionObserver struct {
	store *session.Store
	id    string
}

func (o *sessionObserver) Crawled(res models.CrawlResult) {
	o.store.Update(o.id, func(st *session.State) {
		st.URLsFound = len(res.URLs)
		st.Reason = string(res.Reason)
		st.Stage = session.StageScraping
	})
}

func (o *sessionObserver) Extracted(res models.ExtractResult) {
	o.store.Update(o.id, func(st *session.State) {
		st.Extract = &res
		st.DatasetPath = res.DatasetPath
	})
}
