package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"routerd/internal/pipeline"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`    // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`    // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("routerd"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "routerd"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("routerd"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("routerd"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Request span attributes. Most mirror pipeline.CapturedSpan fields
// one-for-one; the gen_ai.* names follow the semantic convention the rest
// of the ecosystem uses for LLM spans.
const (
	AttrRequestID       = "routerd.request.id"
	AttrEnvironment     = "routerd.environment"
	AttrRepo            = "routerd.repo"
	AttrRepoRoot        = "routerd.repo.root"
	AttrRouter          = "routerd.router"
	AttrPromptLength    = "routerd.prompt.length"
	AttrComplexity      = "routerd.complexity"
	AttrOverrideActive  = "routerd.override.active"
	AttrOverrideSeconds = "routerd.override.remaining_seconds"
	AttrPolicyEnforced  = "routerd.policy.enforced"
	AttrPolicyHash      = "routerd.policy.hash"
	AttrLedgerAlert     = "routerd.ledger.alert"
	AttrLedgerReminder  = "routerd.ledger.reminder_active"
	AttrDurationMs      = "routerd.duration.ms"
	AttrRequestMethod   = "http.request.method"
	AttrRequestPath     = "url.path"
	AttrResponseCode    = "http.response.status_code"
	AttrGenAISystem     = "gen_ai.system"
	AttrGenAIOperation  = "gen_ai.operation.name"
	AttrGenAIReqModel   = "gen_ai.request.model"
	AttrGenAIRespModel  = "gen_ai.response.model"
	AttrGenAIInputTok   = "gen_ai.usage.input_tokens"
	AttrGenAIOutputTok  = "gen_ai.usage.output_tokens"
	AttrGenAITotalTok   = "gen_ai.usage.total_tokens"
	AttrGenAIPromptRole = "gen_ai.prompt.role"
	AttrGenAIPrompt     = "gen_ai.prompt.content"
	AttrGenAICompletion = "gen_ai.completion.content"
)

// EmitRequestSpan starts and immediately ends a single "litellm.request"
// span summarizing a completed request/response cycle, per the
// single-span-per-request post-call pattern. Zero-valued fields of span
// are omitted rather than recorded as empty attributes.
func (p *Provider) EmitRequestSpan(ctx context.Context, span pipeline.CapturedSpan) {
	if !p.Enabled() {
		return
	}

	var attrs []attribute.KeyValue
	add := func(kv attribute.KeyValue) { attrs = append(attrs, kv) }

	addString := func(key, value string) {
		if value != "" {
			add(attribute.String(key, value))
		}
	}
	addInt64 := func(key string, value int64) {
		if value != 0 {
			add(attribute.Int64(key, value))
		}
	}
	addInt := func(key string, value int) {
		if value != 0 {
			add(attribute.Int(key, value))
		}
	}

	addString(AttrRequestID, span.RequestID)
	addString(AttrEnvironment, span.Environment)
	addString(AttrRepo, span.Repo)
	addString(AttrRepoRoot, span.RepoRoot)
	addString(AttrRouter, span.Router)
	addInt(AttrPromptLength, span.PromptLength)
	addString(AttrComplexity, string(span.ComplexityClassification))
	if span.ComplexityOverrideActive {
		add(attribute.Bool(AttrOverrideActive, true))
		addInt(AttrOverrideSeconds, span.ComplexityOverrideRemainingSeconds)
	}
	if span.PolicyEnforced {
		add(attribute.Bool(AttrPolicyEnforced, true))
	}
	addString(AttrPolicyHash, span.ContractHash)
	addString(AttrLedgerAlert, span.LedgerAlert)
	if span.LedgerReminderActive {
		add(attribute.Bool(AttrLedgerReminder, true))
	}
	addInt64(AttrDurationMs, span.LatencyMillis)
	addString(AttrGenAISystem, span.GenAISystem)
	addString(AttrGenAIOperation, span.GenAIOperation)
	addString(AttrGenAIReqModel, span.OriginalModelRequested)
	addString(AttrGenAIRespModel, span.RoutedToModel)
	addInt64(AttrGenAIInputTok, span.InputTokens)
	addInt64(AttrGenAIOutputTok, span.OutputTokens)
	addInt64(AttrGenAITotalTok, span.TotalTokens)
	addString(AttrGenAIPromptRole, span.PromptRole)
	addString(AttrGenAIPrompt, span.PromptContent)
	addString(AttrGenAICompletion, span.CompletionText)

	_, s := p.tracer.Start(ctx, "litellm.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	s.End()
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "routerd",
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("ROUTERD_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("ROUTERD_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("ROUTERD_TELEMETRY_EXPORTER")
	}
	if os.Getenv("ROUTERD_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("ROUTERD_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("routerd-noop"),
	}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
