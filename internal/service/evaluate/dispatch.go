package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/labels"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// LabelWriter persists a proposed label. *labels.Service implements it.
type LabelWriter interface {
	InsertOrUpdateLabel(ctx context.Context, in labels.Input) (model.Label, error)
}

// Config bounds evaluator execution.
type Config struct {
	Concurrency int           // Evaluators running at once per span.
	Timeout     time.Duration // Deadline for one Evaluate call.
}

// Failure records an evaluator that errored, panicked, timed out or
// proposed something that could not be written.
type Failure struct {
	Evaluator string
	Err       error
}

// Result summarizes one dispatch.
type Result struct {
	Written          []model.Label
	AnalyticsPending int
	Failures         []Failure
	// Retry is set when a label write failed in a way that may succeed on
	// redelivery of the span.
	Retry bool
}

// Dispatcher fans a span out to every registered evaluator and writes the
// proposals through a LabelWriter. One evaluator failing never prevents the
// others from running or their labels from being written.
type Dispatcher struct {
	evaluators []Evaluator
	writer     LabelWriter
	cfg        Config
	logger     *slog.Logger

	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewDispatcher creates a dispatcher over evaluators.
func NewDispatcher(writer LabelWriter, cfg Config, logger *slog.Logger, evaluators ...Evaluator) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	meter := telemetry.Meter()
	failures, _ := meter.Int64Counter("kansoku.evaluate.failures_total",
		metric.WithDescription("Evaluator runs that produced no usable labels"))
	duration, _ := meter.Float64Histogram("kansoku.evaluate.duration",
		metric.WithDescription("Evaluator run time"),
		metric.WithUnit("s"))

	return &Dispatcher{
		evaluators: evaluators,
		writer:     writer,
		cfg:        cfg,
		logger:     logger,
		failures:   failures,
		duration:   duration,
	}
}

// Len returns the number of registered evaluators.
func (d *Dispatcher) Len() int { return len(d.evaluators) }

// Run evaluates span with every evaluator and writes the resulting labels.
func (d *Dispatcher) Run(ctx context.Context, span model.Span) Result {
	var (
		mu  sync.Mutex
		res Result
	)
	g := errgroup.Group{}
	g.SetLimit(d.cfg.Concurrency)

	for _, ev := range d.evaluators {
		g.Go(func() error {
			written, pending, retry, err := d.runOne(ctx, ev, span)
			mu.Lock()
			defer mu.Unlock()
			res.Written = append(res.Written, written...)
			res.AnalyticsPending += pending
			res.Retry = res.Retry || retry
			if err != nil {
				res.Failures = append(res.Failures, Failure{Evaluator: ev.Name(), Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (d *Dispatcher) runOne(ctx context.Context, ev Evaluator, span model.Span) (written []model.Label, pending int, retry bool, err error) {
	name := ev.Name()
	attrs := metric.WithAttributes(attribute.String("evaluator", name))

	start := time.Now()
	proposals, err := d.evaluate(ctx, ev, span)
	d.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		d.failures.Add(ctx, 1, attrs)
		d.logger.Warn("evaluate: evaluator failed", "evaluator", name, "span_id", span.ID, "error", err)
		return nil, 0, false, err
	}

	var errs []error
	for _, p := range proposals {
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("proposal %q: %w", p.LabelName, err))
			continue
		}
		row, err := d.writer.InsertOrUpdateLabel(ctx, labels.Input{
			ProjectID: span.ProjectID,
			LabelID:   LabelID(span.ID, p.ClassID, p.ValueKey),
			SpanID:    span.ID,
			ClassID:   p.ClassID,
			LabelName: p.LabelName,
			ValueKey:  p.ValueKey,
			Value:     p.Value,
			Source:    model.EvaluatorSource{},
			Reasoning: p.Reasoning,
		})
		var partial *labels.PartialWriteError
		switch {
		case err == nil:
			written = append(written, row)
		case errors.As(err, &partial):
			// The authoritative row exists; the history gap is logged and
			// counted by the label service.
			written = append(written, row)
			pending++
		default:
			errs = append(errs, fmt.Errorf("write %q: %w", p.LabelName, err))
			if !errors.Is(err, storage.ErrUnknownReference) && !errors.Is(err, storage.ErrSpanMismatch) &&
				!errors.Is(err, labels.ErrInvalidInput) {
				retry = true
			}
		}
	}
	if len(errs) > 0 {
		d.failures.Add(ctx, 1, attrs)
		err = errors.Join(errs...)
		d.logger.Warn("evaluate: label write failed", "evaluator", name, "span_id", span.ID, "error", err)
	}
	return written, pending, retry, err
}

// evaluate calls ev under a deadline and converts a panic into an error.
func (d *Dispatcher) evaluate(ctx context.Context, ev Evaluator, span model.Span) (proposals []Proposal, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	type outcome struct {
		proposals []Proposal
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("evaluate: evaluator panicked", "evaluator", ev.Name(), "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("evaluator %s panicked: %v", ev.Name(), r)}
			}
		}()
		p, err := ev.Evaluate(ctx, span)
		done <- outcome{proposals: p, err: err}
	}()

	select {
	case o := <-done:
		return o.proposals, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("evaluator %s: %w", ev.Name(), ctx.Err())
	}
}
