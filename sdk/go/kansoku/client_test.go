package kansoku

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the kansoku API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func newTestClient(t *testing.T, serverURL string, projectID uuid.UUID) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL + "/", ProjectID: projectID, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresFields(t *testing.T) {
	_, err := NewClient(Config{ProjectID: uuid.New()})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestPublishSpanFillsProject(t *testing.T) {
	projectID := uuid.New()
	span := Span{
		ID:        uuid.New(),
		TraceID:   uuid.New(),
		Name:      "llm.call",
		StartTime: time.Now().UTC(),
		EndTime:   time.Now().UTC(),
	}

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/projects/{project_id}/spans": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, projectID.String(), r.PathValue("project_id"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var got Span
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			assert.Equal(t, projectID, got.ProjectID)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": PublishResponse{SpanID: got.ID, TraceID: got.TraceID, Status: "queued"},
			})
		},
	})

	resp, err := newTestClient(t, srv.URL, projectID).PublishSpan(context.Background(), span)
	require.NoError(t, err)
	assert.Equal(t, span.ID, resp.SpanID)
	assert.Equal(t, "queued", resp.Status)
}

func TestPublishSpanUnavailable(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/projects/{project_id}/spans": func(w http.ResponseWriter, _ *http.Request) {
			writeAPIError(w, http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "ingestion channel unavailable")
		},
	})

	_, err := newTestClient(t, srv.URL, uuid.New()).PublishSpan(context.Background(), Span{ID: uuid.New(), TraceID: uuid.New()})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "CHANNEL_UNAVAILABLE", apiErr.Code)
}

func TestPutLabelPartialWrite(t *testing.T) {
	labelID := uuid.New()
	writeID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/projects/{project_id}/labels/{label_id}": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, labelID.String(), r.PathValue("label_id"))
			var req PutLabelRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, SourceManual, req.LabelSource)
			writeJSON(w, http.StatusMultiStatus, map[string]any{
				"data": PutLabelResponse{
					Label:            Label{ID: labelID, Value: req.Value, LabelSource: req.LabelSource},
					AnalyticsPending: true,
					WriteID:          &writeID,
				},
			})
		},
	})

	resp, err := newTestClient(t, srv.URL, uuid.New()).PutLabel(context.Background(), labelID, PutLabelRequest{
		SpanID:      uuid.New(),
		ClassID:     uuid.New(),
		LabelName:   "correct",
		Value:       1,
		LabelSource: SourceManual,
	})
	require.NoError(t, err)
	assert.True(t, resp.AnalyticsPending)
	require.NotNil(t, resp.WriteID)
	assert.Equal(t, writeID, *resp.WriteID)
	assert.Equal(t, labelID, resp.Label.ID)
}

func TestPutLabelConflict(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/projects/{project_id}/labels/{label_id}": func(w http.ResponseWriter, _ *http.Request) {
			writeAPIError(w, http.StatusConflict, "CONFLICT", "label already belongs to another span")
		},
	})

	_, err := newTestClient(t, srv.URL, uuid.New()).PutLabel(context.Background(), uuid.New(), PutLabelRequest{
		SpanID: uuid.New(), ClassID: uuid.New(), LabelName: "correct", Value: 1, LabelSource: SourceProgrammatic,
	})
	assert.True(t, IsConflict(err))
	assert.False(t, IsInvalidInput(err))
}

func TestListSpanLabelsNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/spans/{span_id}/labels": func(w http.ResponseWriter, _ *http.Request) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "span not found")
		},
	})

	_, err := newTestClient(t, srv.URL, uuid.New()).ListSpanLabels(context.Background(), uuid.New())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRateLimited(err))
}

func TestLabelHistory(t *testing.T) {
	labelID := uuid.New()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/labels/{label_id}/history": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []LabelEvent{
					{WriteID: uuid.New(), LabelID: labelID, Value: 0, RecordedAt: t0},
					{WriteID: uuid.New(), LabelID: labelID, Value: 1, RecordedAt: t0.Add(time.Second)},
				},
			})
		},
	})

	events, err := newTestClient(t, srv.URL, uuid.New()).LabelHistory(context.Background(), labelID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].RecordedAt.Before(events[1].RecordedAt))
}

func TestHealthReturnsReportWhenUnhealthy(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"data": HealthResponse{Status: "unhealthy", Postgres: "disconnected"},
			})
		},
	})

	h, err := newTestClient(t, srv.URL, uuid.New()).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "disconnected", h.Postgres)
}

func TestErrorWithoutEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/labels/{label_id}/history": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gateway down", http.StatusBadGateway)
		},
	})

	_, err := newTestClient(t, srv.URL, uuid.New()).LabelHistory(context.Background(), uuid.New())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
	assert.Contains(t, apiErr.Message, "gateway down")
}
