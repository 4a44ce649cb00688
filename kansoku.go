// Package kansoku is the public API for embedding the kansoku span ingestion
// and labeling server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithEvaluator(myEvaluator{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph is one-way: kansoku (root) imports internal/*, but
// internal/* never imports kansoku (root). Public types (Span, LabelProposal)
// are standalone structs; the converters live here because this is the only
// file that sees both sides of the boundary.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/analytics"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/queue"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/evaluate"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
	"github.com/ashita-ai/kansoku/internal/service/labels"
	"github.com/ashita-ai/kansoku/internal/service/processor"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/migrations"
)

// App is the kansoku server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	events       *analytics.Store
	producer     *queue.Producer
	consumers    []*queue.Consumer
	pipeline     *ingest.Pipeline
	buf          *ingest.Buffer
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string

	consumerCancel context.CancelFunc
	consumerWG     sync.WaitGroup
	shutdownOnce   sync.Once
	shutdownErr    error
}

// New initialises the kansoku server. It connects to Postgres, ClickHouse and
// the broker, runs migrations, wires all subsystems, and returns a
// ready-to-run App. It does NOT start consuming or accept HTTP connections;
// call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.clickHouseDSN != "" {
		cfg.ClickHouseDSN = o.clickHouseDSN
	}
	if o.amqpURL != "" {
		cfg.AMQPURL = o.amqpURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansoku starting", "version", version, "port", cfg.Port)

	// Each step registers its own cleanup so a failure later in New releases
	// everything acquired before it.
	var closers []func()
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}
	startup := context.Background()

	otelShutdown, err := telemetry.Init(startup, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	closers = append(closers, func() { _ = otelShutdown(context.Background()) })

	db, err := storage.New(startup, cfg.DatabaseURL, logger)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	closers = append(closers, db.Close)
	db.RegisterPoolMetrics()

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(startup, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(startup, extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	events, err := analytics.New(startup, cfg.ClickHouseDSN, logger)
	if err != nil {
		return fail(fmt.Errorf("analytics: %w", err))
	}
	closers = append(closers, func() { _ = events.Close() })

	topo, err := queue.NewTopology(cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPRoutingKey)
	if err != nil {
		return fail(fmt.Errorf("queue topology: %w", err))
	}
	producer, err := queue.NewProducer(cfg.AMQPURL, topo, cfg.PublishTimeout, logger)
	if err != nil {
		return fail(fmt.Errorf("queue producer: %w", err))
	}
	closers = append(closers, func() { _ = producer.Close() })
	logger.Info("queue: producer connected", "topology", topo.String())

	labelSvc := labels.New(db, events, labelConfig(cfg), logger)

	policy, err := newLimitPolicy(cfg, o.projectLimits)
	if err != nil {
		return fail(err)
	}
	proc := processor.New(policy, logger)

	evaluators, err := builtinEvaluators(startup, cfg, db, logger)
	if err != nil {
		return fail(err)
	}
	for _, ev := range o.evaluators {
		evaluators = append(evaluators, &evaluatorAdapter{ev: ev})
	}
	dispatcher := evaluate.NewDispatcher(labelSvc, evaluate.Config{
		Concurrency: cfg.EvaluatorConcurrency,
		Timeout:     cfg.EvaluatorTimeout,
	}, logger, evaluators...)
	logger.Info("evaluators registered", "count", dispatcher.Len())

	buf := ingest.NewBuffer(db, dispatcher, logger, cfg.SpanBufferSize, cfg.SpanFlushTimeout)
	pipeline := ingest.NewPipeline(proc, buf, logger)

	consumers := make([]*queue.Consumer, cfg.ConsumerCount)
	for i := range consumers {
		consumers[i] = queue.NewConsumer(queue.ConsumerConfig{
			URL:       cfg.AMQPURL,
			Topology:  topo,
			Prefetch:  cfg.ConsumerPrefetch,
			BaseDelay: cfg.ReconnectBaseDelay,
			MaxDelay:  cfg.ReconnectMaxDelay,
		}, logger)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			Publisher:           producer,
			Labels:              labelSvc,
			Spans:               db,
			Buffer:              buf,
			Postgres:            db,
			ClickHouse:          events,
			Broker:              brokerStatus{producer: producer, consumers: consumers},
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		Limiter:      limiter,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		events:       events,
		producer:     producer,
		consumers:    consumers,
		pipeline:     pipeline,
		buf:          buf,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the span buffer, the consumers and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// has been called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	// The buffer outlives ctx: Shutdown stops it with Drain once the
	// consumers have stopped feeding it.
	a.buf.Start(context.WithoutCancel(ctx))

	consumerCtx, cancel := context.WithCancel(ctx)
	a.consumerCancel = cancel
	handler := a.pipeline.Handler()
	for _, c := range a.consumers {
		a.consumerWG.Add(1)
		go func() {
			defer a.consumerWG.Done()
			if err := c.Run(consumerCtx, handler); err != nil {
				a.logger.Error("queue: consumer stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop consuming new deliveries,
// (3) flush the span buffer, settling every delivery it holds,
// (4) close broker connections.
// It then closes the stores and the OTEL provider. Later calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() { a.shutdownErr = a.shutdown(ctx) })
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("kansoku shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: stop consumers. Their connections stay open so the buffer can
	// still ack or nack what it holds.
	if a.consumerCancel != nil {
		a.consumerCancel()
	}
	a.consumerWG.Wait()

	// Phase 3: buffer drain.
	var drainErr error
	bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownBufferDrainTimeout)
	a.buf.Drain(bufCtx)
	if n := a.buf.Len(); n > 0 {
		a.logger.Error("span buffer drain incomplete; unsettled spans return to the broker",
			"remaining_spans", n,
			"configured_timeout", a.cfg.ShutdownBufferDrainTimeout,
		)
		drainErr = fmt.Errorf("buffer drain incomplete: %d spans", n)
	}
	bufCancel()

	// Phase 4: broker connections.
	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Warn("queue: consumer close failed", "error", err)
		}
	}
	if err := a.producer.Close(); err != nil {
		a.logger.Warn("queue: producer close failed", "error", err)
	}

	// Cleanup.
	_ = a.limiter.Close()
	if err := a.events.Close(); err != nil {
		a.logger.Warn("analytics: close failed", "error", err)
	}
	a.db.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kansoku stopped")
	return drainErr
}

// ── Wiring helpers ─────────────────────────────────────────────────────────────

// newLimitPolicy builds the processor policy from config defaults plus any
// per-project overrides.
func labelConfig(cfg config.Config) labels.Config {
	return labels.Config{
		RelationalTimeout: cfg.RelationalWrite,
		AnalyticsTimeout:  cfg.AnalyticsWrite,
		MaxRetries:        cfg.LabelMaxRetries,
		RetryBaseDelay:    cfg.LabelRetryDelay,
	}
}

func newLimitPolicy(cfg config.Config, overrides map[uuid.UUID]SpanLimits) (*processor.StaticPolicy, error) {
	mode, err := processor.ParseMode(cfg.LimitMode)
	if err != nil {
		return nil, err
	}
	defaults := processor.Limits{
		MaxAttributes:          cfg.MaxAttributes,
		MaxAttributeValueBytes: cfg.MaxAttributeValueBytes,
		MaxEvents:              cfg.MaxEvents,
		MaxPayloadBytes:        cfg.MaxPayloadBytes,
		MaxNameLen:             cfg.MaxSpanNameLen,
		Mode:                   mode,
	}
	policy, err := processor.NewStaticPolicy(defaults)
	if err != nil {
		return nil, fmt.Errorf("processor limits: %w", err)
	}
	for projectID, l := range overrides {
		if err := policy.SetOverride(projectID, toInternalLimits(l, defaults)); err != nil {
			return nil, fmt.Errorf("processor limits for project %s: %w", projectID, err)
		}
	}
	return policy, nil
}

// builtinEvaluators returns the built-in evaluators whose class ids are
// configured, registering each class so label writes satisfy the foreign key.
func builtinEvaluators(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) ([]evaluate.Evaluator, error) {
	var out []evaluate.Evaluator
	if cfg.LatencyClassID != "" {
		id := uuid.MustParse(cfg.LatencyClassID) // validated by config.Validate
		if err := db.EnsureLabelClass(ctx, id, uuid.Nil, "latency"); err != nil {
			return nil, err
		}
		out = append(out, evaluate.LatencyEvaluator{ClassID: id, Threshold: cfg.LatencyThreshold})
		logger.Info("evaluator: latency enabled", "class_id", id, "threshold", cfg.LatencyThreshold)
	}
	if cfg.ErrorStatusClassID != "" {
		id := uuid.MustParse(cfg.ErrorStatusClassID)
		if err := db.EnsureLabelClass(ctx, id, uuid.Nil, "error_status"); err != nil {
			return nil, err
		}
		out = append(out, evaluate.ErrorStatusEvaluator{ClassID: id, Attribute: cfg.ErrorStatusAttribute})
		logger.Info("evaluator: error_status enabled", "class_id", id, "attribute", cfg.ErrorStatusAttribute)
	}
	return out, nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// evaluatorAdapter wraps a kansoku.Evaluator to satisfy evaluate.Evaluator.
// It converts internal model types to public kansoku types at the boundary.
type evaluatorAdapter struct {
	ev Evaluator
}

func (a *evaluatorAdapter) Name() string { return a.ev.Name() }

func (a *evaluatorAdapter) Evaluate(ctx context.Context, span model.Span) ([]evaluate.Proposal, error) {
	proposals, err := a.ev.Evaluate(ctx, toPublicSpan(span))
	if err != nil {
		return nil, err
	}
	out := make([]evaluate.Proposal, len(proposals))
	for i, p := range proposals {
		out[i] = evaluate.Proposal{
			ClassID:   p.ClassID,
			LabelName: p.LabelName,
			ValueKey:  p.ValueKey,
			Value:     p.Value,
			Reasoning: p.Reasoning,
		}
	}
	return out, nil
}

// brokerStatus reports the ingestion channel as reachable when the producer
// is connected and at least one consumer is.
type brokerStatus struct {
	producer  *queue.Producer
	consumers []*queue.Consumer
}

func (b brokerStatus) Healthy() bool {
	if !b.producer.Healthy() {
		return false
	}
	for _, c := range b.consumers {
		if c.Healthy() {
			return true
		}
	}
	return false
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicSpan converts an internal model.Span to the public kansoku.Span.
// Maps and payloads are shared, not copied; evaluators must not mutate them.
func toPublicSpan(s model.Span) Span {
	events := make([]SpanEvent, len(s.Events))
	for i, e := range s.Events {
		events[i] = SpanEvent{Name: e.Name, Timestamp: e.Timestamp, Attributes: e.Attributes}
	}
	return Span{
		ID:           s.ID,
		TraceID:      s.TraceID,
		ProjectID:    s.ProjectID,
		ParentSpanID: s.ParentSpanID,
		Name:         s.Name,
		SpanType:     string(s.SpanType),
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		Attributes:   s.Attributes,
		Input:        s.Input,
		Output:       s.Output,
		Events:       events,
	}
}

// toInternalLimits fills zero fields of l from defaults.
func toInternalLimits(l SpanLimits, defaults processor.Limits) processor.Limits {
	out := defaults
	if l.MaxAttributes > 0 {
		out.MaxAttributes = l.MaxAttributes
	}
	if l.MaxAttributeValueBytes > 0 {
		out.MaxAttributeValueBytes = l.MaxAttributeValueBytes
	}
	if l.MaxEvents > 0 {
		out.MaxEvents = l.MaxEvents
	}
	if l.MaxPayloadBytes > 0 {
		out.MaxPayloadBytes = l.MaxPayloadBytes
	}
	if l.MaxNameLen > 0 {
		out.MaxNameLen = l.MaxNameLen
	}
	if l.Reject {
		out.Mode = processor.ModeReject
	}
	return out
}
