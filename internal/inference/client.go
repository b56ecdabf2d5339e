package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/maestro/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/maestro/internal/inference"

// client is the langchaingo-backed Client implementation.
type client struct {
	llm     llms.Model
	models  *config.ModelAssignments
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger

	completions metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewClient builds a completion client from config. The returned client
// rate-limits outbound calls and bounds each call with the configured
// request timeout.
func NewClient(cfg config.InferenceConfig, models *config.ModelAssignments, logger *zap.Logger) (Client, error) {
	if models == nil {
		return nil, errors.New("model assignments are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	llm, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	c := &client{
		llm:     llm,
		models:  models,
		timeout: cfg.RequestTimeout.Duration(),
		logger:  logger,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	meter := otel.Meter(instrumentationName)
	c.completions, err = meter.Int64Counter(
		"maestro.inference.completions_total",
		metric.WithDescription("Total completion calls by model and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create completion counter", zap.Error(err))
	}
	c.latency, err = meter.Float64Histogram(
		"maestro.inference.completion_duration_seconds",
		metric.WithDescription("Completion call latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}

	return c, nil
}

func newBackend(cfg config.InferenceConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "ollama":
		llm, err := ollama.New(ollama.WithServerURL(cfg.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("create ollama backend: %w", err)
		}
		return llm, nil
	case "openai":
		opts := []openai.Option{openai.WithToken(cfg.APIKey.Value())}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai backend: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

// Complete implements Client.
func (c *client) Complete(ctx context.Context, req Request) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("prompt cannot be empty")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	model := req.Model
	if model == "" {
		model = c.models.ModelFor(req.Role)
	}

	opts := []llms.CallOption{llms.WithModel(model)}
	if req.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	completion, err := llms.GenerateFromSinglePrompt(ctx, c.llm, req.Prompt, opts...)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if IsTransient(err) {
			outcome = "transient"
		}
	}
	if c.completions != nil {
		c.completions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		))
	}
	if c.latency != nil {
		c.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("model", model),
		))
	}

	if err != nil {
		c.logger.Warn("completion failed",
			zap.String("model", model),
			zap.String("role", req.Role),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return "", fmt.Errorf("completion with %s: %w", model, err)
	}

	c.logger.Debug("completion",
		zap.String("model", model),
		zap.String("role", req.Role),
		zap.Duration("elapsed", elapsed),
		zap.Int("chars", len(completion)))
	return completion, nil
}
