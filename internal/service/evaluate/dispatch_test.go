package evaluate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/evaluate"
	"github.com/ashita-ai/kansoku/internal/service/labels"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

type recordingWriter struct {
	mu     sync.Mutex
	inputs []labels.Input
	err    func(labels.Input) error
}

func (w *recordingWriter) InsertOrUpdateLabel(_ context.Context, in labels.Input) (model.Label, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inputs = append(w.inputs, in)
	row := model.Label{ID: in.LabelID, SpanID: in.SpanID, ClassID: in.ClassID, Value: in.Value, Source: in.Source}
	if w.err != nil {
		if err := w.err(in); err != nil {
			var partial *labels.PartialWriteError
			if errors.As(err, &partial) {
				return row, err
			}
			return model.Label{}, err
		}
	}
	return row, nil
}

type funcEvaluator struct {
	name string
	fn   func(ctx context.Context, span model.Span) ([]evaluate.Proposal, error)
}

func (f funcEvaluator) Name() string { return f.name }
func (f funcEvaluator) Evaluate(ctx context.Context, span model.Span) ([]evaluate.Proposal, error) {
	return f.fn(ctx, span)
}

func constant(name string, class uuid.UUID, value float64) evaluate.Evaluator {
	return funcEvaluator{name: name, fn: func(context.Context, model.Span) ([]evaluate.Proposal, error) {
		return []evaluate.Proposal{{ClassID: class, LabelName: name, ValueKey: "v", Value: value}}, nil
	}}
}

func testSpan() model.Span {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return model.Span{
		ID:        uuid.New(),
		TraceID:   uuid.New(),
		ProjectID: uuid.New(),
		Name:      "call",
		SpanType:  model.SpanTypeLLM,
		StartTime: start,
		EndTime:   start.Add(time.Second),
	}
}

func newDispatcher(w evaluate.LabelWriter, evs ...evaluate.Evaluator) *evaluate.Dispatcher {
	return evaluate.NewDispatcher(w, evaluate.Config{Concurrency: 2, Timeout: 200 * time.Millisecond}, testutil.TestLogger(), evs...)
}

func TestDispatchWritesEveryProposal(t *testing.T) {
	w := &recordingWriter{}
	a, b := uuid.New(), uuid.New()
	d := newDispatcher(w, constant("a", a, 1), constant("b", b, 0))
	span := testSpan()

	res := d.Run(context.Background(), span)
	assert.Empty(t, res.Failures)
	assert.False(t, res.Retry)
	require.Len(t, res.Written, 2)
	require.Len(t, w.inputs, 2)
	for _, in := range w.inputs {
		assert.Equal(t, span.ProjectID, in.ProjectID)
		assert.Equal(t, span.ID, in.SpanID)
		assert.Equal(t, model.SourceKindEvaluator, in.Source.Kind())
		assert.Equal(t, evaluate.LabelID(span.ID, in.ClassID, "v"), in.LabelID)
	}
	assert.Equal(t, 2, d.Len())
}

func TestDispatchIsolatesFailures(t *testing.T) {
	w := &recordingWriter{}
	good := uuid.New()
	d := newDispatcher(w,
		funcEvaluator{name: "broken", fn: func(context.Context, model.Span) ([]evaluate.Proposal, error) {
			return nil, errors.New("model unavailable")
		}},
		funcEvaluator{name: "panicky", fn: func(context.Context, model.Span) ([]evaluate.Proposal, error) {
			panic("boom")
		}},
		funcEvaluator{name: "slow", fn: func(ctx context.Context, _ model.Span) ([]evaluate.Proposal, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		funcEvaluator{name: "bogus", fn: func(context.Context, model.Span) ([]evaluate.Proposal, error) {
			return []evaluate.Proposal{{LabelName: "no class"}}, nil
		}},
		constant("good", good, 1),
	)

	res := d.Run(context.Background(), testSpan())
	require.Len(t, res.Written, 1)
	assert.Equal(t, good, res.Written[0].ClassID)
	assert.False(t, res.Retry, "evaluator failures alone do not ask for redelivery")

	failed := map[string]bool{}
	for _, f := range res.Failures {
		failed[f.Evaluator] = true
		assert.Error(t, f.Err)
	}
	assert.Equal(t, map[string]bool{"broken": true, "panicky": true, "slow": true, "bogus": true}, failed)
}

func TestDispatchTimeoutReportsDeadline(t *testing.T) {
	d := newDispatcher(&recordingWriter{}, funcEvaluator{name: "stuck", fn: func(context.Context, model.Span) ([]evaluate.Proposal, error) {
		time.Sleep(time.Second)
		return nil, nil
	}})

	start := time.Now()
	res := d.Run(context.Background(), testSpan())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, context.DeadlineExceeded)
}

func TestDispatchRedeliveryUpdatesSameLabel(t *testing.T) {
	w := &recordingWriter{}
	class := uuid.New()
	d := newDispatcher(w, constant("a", class, 1))
	span := testSpan()

	d.Run(context.Background(), span)
	d.Run(context.Background(), span)
	require.Len(t, w.inputs, 2)
	assert.Equal(t, w.inputs[0].LabelID, w.inputs[1].LabelID)
}

func TestDispatchPartialWriteCountsAsWritten(t *testing.T) {
	w := &recordingWriter{err: func(in labels.Input) error {
		return &labels.PartialWriteError{Err: errors.New("clickhouse down")}
	}}
	d := newDispatcher(w, constant("a", uuid.New(), 1))

	res := d.Run(context.Background(), testSpan())
	assert.Len(t, res.Written, 1)
	assert.Equal(t, 1, res.AnalyticsPending)
	assert.Empty(t, res.Failures)
	assert.False(t, res.Retry)
}

func TestDispatchRetryOnTransientWriteFailure(t *testing.T) {
	w := &recordingWriter{err: func(labels.Input) error {
		return errors.Join(labels.ErrRelationalWriteFailed, errors.New("connection reset"))
	}}
	d := newDispatcher(w, constant("a", uuid.New(), 1))

	res := d.Run(context.Background(), testSpan())
	assert.Empty(t, res.Written)
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Retry)
}

func TestDispatchNoRetryOnPermanentWriteFailure(t *testing.T) {
	w := &recordingWriter{err: func(labels.Input) error {
		return errors.Join(labels.ErrRelationalWriteFailed, storage.ErrUnknownReference)
	}}
	d := newDispatcher(w, constant("a", uuid.New(), 1))

	res := d.Run(context.Background(), testSpan())
	require.Len(t, res.Failures, 1)
	assert.False(t, res.Retry)
}

func TestDispatchNoRetryWhenLabelBelongsToOtherSpan(t *testing.T) {
	w := &recordingWriter{err: func(labels.Input) error {
		return errors.Join(labels.ErrRelationalWriteFailed, storage.ErrSpanMismatch)
	}}
	d := newDispatcher(w, constant("a", uuid.New(), 1))

	res := d.Run(context.Background(), testSpan())
	require.Len(t, res.Failures, 1)
	assert.False(t, res.Retry)
}

func TestLabelIDIsStable(t *testing.T) {
	span, class := uuid.New(), uuid.New()
	assert.Equal(t, evaluate.LabelID(span, class, "slow"), evaluate.LabelID(span, class, "slow"))
	assert.NotEqual(t, evaluate.LabelID(span, class, "slow"), evaluate.LabelID(span, class, "error"))
	assert.NotEqual(t, evaluate.LabelID(span, class, "slow"), evaluate.LabelID(uuid.New(), class, "slow"))
}
