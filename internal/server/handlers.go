package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/queue"
	"github.com/ashita-ai/kansoku/internal/service/labels"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Publisher hands a span to the ingestion channel. *queue.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, span model.Span) error
}

// LabelService is the label write and read path. *labels.Service implements it.
type LabelService interface {
	InsertOrUpdateLabel(ctx context.Context, in labels.Input) (model.Label, error)
	ListLabels(ctx context.Context, spanID uuid.UUID) ([]model.Label, error)
	LabelHistory(ctx context.Context, projectID, labelID uuid.UUID) ([]model.LabelEvent, error)
}

// SpanReader looks up stored spans. *storage.DB implements it.
type SpanReader interface {
	GetSpan(ctx context.Context, id uuid.UUID) (model.Span, error)
}

// BufferStats exposes the ingest buffer fill level. *ingest.Buffer implements it.
type BufferStats interface {
	Len() int
	Capacity() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	publisher           Publisher
	labels              LabelService
	spans               SpanReader
	buffer              BufferStats
	health              *healthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Buffer, Postgres, ClickHouse, Broker.
type HandlersDeps struct {
	Publisher           Publisher
	Labels              LabelService
	Spans               SpanReader
	Buffer              BufferStats
	Postgres            Pinger
	ClickHouse          Pinger
	Broker              BrokerStatus
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		publisher: d.Publisher,
		labels:    d.Labels,
		spans:     d.Spans,
		buffer:    d.Buffer,
		health: &healthChecker{
			postgres:   d.Postgres,
			clickhouse: d.ClickHouse,
			broker:     d.Broker,
		},
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// pathUUID parses a UUID path wildcard, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil || id == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) limitBody(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
}

// HandlePublishSpan handles POST /v1/projects/{project_id}/spans.
// The span is accepted once the broker confirms it; processing and storage
// happen asynchronously.
func (h *Handlers) HandlePublishSpan(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "project_id")
	if !ok {
		return
	}
	h.limitBody(w, r)

	var span model.Span
	if err := decodeJSON(r, &span); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	switch {
	case span.ProjectID == uuid.Nil:
		span.ProjectID = projectID
	case span.ProjectID != projectID:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project_id does not match path")
		return
	}
	if span.ID == uuid.Nil || span.TraceID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "span_id and trace_id are required")
		return
	}

	if err := h.publisher.Publish(r.Context(), span); err != nil {
		if errors.Is(err, queue.ErrChannelUnavailable) {
			h.logger.Warn("http: publish failed", "span_id", span.ID, "error", err)
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeChannelUnavailable, "ingestion channel unavailable")
			return
		}
		h.logger.Error("http: publish failed", "span_id", span.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to publish span")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.PublishSpanResponse{
		SpanID:  span.ID,
		TraceID: span.TraceID,
		Status:  "queued",
	})
}

// spanInProject loads a span and confirms it belongs to projectID. Spans of
// other projects are reported as not found.
func (h *Handlers) spanInProject(w http.ResponseWriter, r *http.Request, projectID, spanID uuid.UUID) bool {
	span, err := h.spans.GetSpan(r.Context(), spanID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && span.ProjectID != projectID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "span not found")
		return false
	}
	if err != nil {
		h.logger.Error("http: get span failed", "span_id", spanID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load span")
		return false
	}
	return true
}

// HandlePutLabel handles PUT /v1/projects/{project_id}/labels/{label_id}.
// It answers 200 when both stores were written and 207 when only the
// authoritative row was.
func (h *Handlers) HandlePutLabel(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "project_id")
	if !ok {
		return
	}
	labelID, ok := pathUUID(w, r, "label_id")
	if !ok {
		return
	}
	h.limitBody(w, r)

	var req model.PutLabelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !h.spanInProject(w, r, projectID, req.SpanID) {
		return
	}

	row, err := h.labels.InsertOrUpdateLabel(r.Context(), labels.Input{
		ProjectID: projectID,
		LabelID:   labelID,
		SpanID:    req.SpanID,
		ClassID:   req.ClassID,
		LabelName: req.LabelName,
		ValueKey:  req.ValueKey,
		Value:     req.Value,
		Source:    req.Source(),
		Reasoning: req.Reasoning,
	})

	var partial *labels.PartialWriteError
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, model.PutLabelResponse{Label: row.View()})
	case errors.As(err, &partial):
		writeID := partial.Event.WriteID
		writeJSON(w, r, http.StatusMultiStatus, model.PutLabelResponse{
			Label:            row.View(),
			AnalyticsPending: true,
			WriteID:          &writeID,
		})
	case errors.Is(err, labels.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrUnknownReference):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "span_id or class_id does not exist")
	case errors.Is(err, storage.ErrSpanMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "label already belongs to another span")
	default:
		h.logger.Error("http: label write failed", "label_id", labelID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to write label")
	}
}

// HandleListSpanLabels handles GET /v1/projects/{project_id}/spans/{span_id}/labels.
func (h *Handlers) HandleListSpanLabels(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "project_id")
	if !ok {
		return
	}
	spanID, ok := pathUUID(w, r, "span_id")
	if !ok {
		return
	}
	if !h.spanInProject(w, r, projectID, spanID) {
		return
	}

	rows, err := h.labels.ListLabels(r.Context(), spanID)
	if err != nil {
		h.logger.Error("http: list labels failed", "span_id", spanID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list labels")
		return
	}
	views := make([]model.LabelView, len(rows))
	for i, row := range rows {
		views[i] = row.View()
	}
	writeJSON(w, r, http.StatusOK, views)
}

// HandleLabelHistory handles GET /v1/projects/{project_id}/labels/{label_id}/history.
func (h *Handlers) HandleLabelHistory(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "project_id")
	if !ok {
		return
	}
	labelID, ok := pathUUID(w, r, "label_id")
	if !ok {
		return
	}

	events, err := h.labels.LabelHistory(r.Context(), projectID, labelID)
	if err != nil {
		h.logger.Error("http: label history failed", "label_id", labelID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read label history")
		return
	}
	if events == nil {
		events = []model.LabelEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

func statusOf(err error) string {
	if err != nil {
		return "disconnected"
	}
	return "connected"
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.health.check()

	status := "healthy"
	httpStatus := http.StatusOK
	if st.postgres != nil || st.broker != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if st.clickhouse != nil {
		// Labels still reach the authoritative store; only history lags.
		status = "degraded"
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		capacity := h.buffer.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     statusOf(st.postgres),
		ClickHouse:   statusOf(st.clickhouse),
		Broker:       statusOf(st.broker),
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	})
}
