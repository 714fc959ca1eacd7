package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/maltedev/listing-harvester/internal/queue"
	"github.com/maltedev/listing-harvester/internal/session"
)

// OutboxStats reports relay backlog for the health endpoint.
type OutboxStats interface {
	GetPendingCount(ctx context.Context) (int64, error)
	GetDeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	store  *session.Store
	queue  queue.Queue
	quota  models.Quota
	outbox OutboxStats
	logger *slog.Logger
}

func NewHandlers(store *session.Store, q queue.Queue, quota models.Quota, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:  store,
		queue:  q,
		quota:  quota,
		logger: logger.With("component", "api"),
	}
}

// WithOutbox adds relay backlog to /health.
func (h *Handlers) WithOutbox(o OutboxStats) *Handlers {
	h.outbox = o
	return h
}

type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/{sessionID}", h.GetSession)
		r.Delete("/{sessionID}", h.DeleteSession)
		r.Post("/{sessionID}/restart", h.RestartSession)
	})
	return r
}

// CreateSessionRequest is the car description a user wants priced.
type CreateSessionRequest struct {
	models.SearchParams
	MaxItems int `json:"max_items,omitempty"`
}

func (req *CreateSessionRequest) validate() error {
	req.BrandModel = strings.TrimSpace(req.BrandModel)
	if req.BrandModel == "" {
		return errors.New("brand_model is required")
	}
	if req.MaxItems < 0 {
		return errors.New("max_items cannot be negative")
	}
	return nil
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	st := h.store.Create(req.SearchParams)
	if err := h.enqueue(st.ID, req); err != nil {
		h.logger.Error("failed to enqueue run", "session_id", st.ID, "error", err)
		h.store.Fail(st.ID, err)
		h.respondEnqueueError(w, err)
		return
	}

	h.logger.Info("session created", "session_id", st.ID, "brand_model", req.BrandModel)
	h.respondJSON(w, http.StatusAccepted, st)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.store.Delete(chi.URLParam(r, "sessionID")) {
		h.respondStoreError(w, session.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestartSession runs a finished session again with new parameters.
func (h *Handlers) RestartSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := h.store.Restart(id, req.SearchParams)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if err := h.enqueue(id, req); err != nil {
		h.logger.Error("failed to enqueue run", "session_id", id, "error", err)
		h.store.Fail(id, err)
		h.respondEnqueueError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, st)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"sessions": h.store.Len(),
		"queued":   h.queue.Size(),
	}
	status := http.StatusOK

	if h.outbox != nil {
		pending, pendErr := h.outbox.GetPendingCount(r.Context())
		dead, deadErr := h.outbox.GetDeadLetterCount(r.Context())
		health["outbox"] = map[string]int64{"pending": pending, "dead_letter": dead}

		switch {
		case pendErr != nil || deadErr != nil:
			health["status"] = "degraded"
			health["message"] = "outbox unavailable"
		case dead > 100:
			health["status"] = "error"
			health["message"] = "high number of dead letter events"
			status = http.StatusServiceUnavailable
		case pending > 1000:
			health["status"] = "warning"
			health["message"] = "high number of pending outbox events"
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) enqueue(sessionID string, req CreateSessionRequest) error {
	quota := h.quota
	if req.MaxItems > 0 {
		quota.MaxItems = req.MaxItems
	}
	return h.queue.Push(&queue.Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Params:    req.SearchParams,
		Quota:     quota,
	})
}

func (h *Handlers) respondEnqueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrQueueFull) {
		w.Header().Set("Retry-After", "60")
		h.respondError(w, http.StatusServiceUnavailable, "run queue is full, try again later")
		return
	}
	h.respondError(w, http.StatusServiceUnavailable, "harvester is not accepting runs")
}

func (h *Handlers) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrBusy):
		h.respondError(w, http.StatusConflict, "session already has an active run")
	default:
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
