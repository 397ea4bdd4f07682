package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/sprintbot/sprintbot/internal/telemetry"
)

const (
	claudeMaxRetries     = 2
	claudeInitialBackoff = 1 * time.Second
)

// claudeBackend classifies intents with the Anthropic API. It is only
// constructed when an API key is present, so Available is a constant.
type claudeBackend struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

func newAnthropicBackend(apiKey, model string) *claudeBackend {
	aiMetricsOnce.Do(initAIMetrics)
	return &claudeBackend{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     claudeMaxRetries,
		initialBackoff: claudeInitialBackoff,
	}
}

func (b *claudeBackend) Name() string { return "anthropic" }

func (b *claudeBackend) Available(ctx context.Context) bool { return true }

func (b *claudeBackend) Classify(ctx context.Context, query string) (IntentClassification, error) {
	prompt, err := renderClassifyPrompt(query)
	if err != nil {
		return IntentClassification{}, err
	}

	text, err := b.callWithRetry(ctx, prompt)
	if err != nil {
		return IntentClassification{}, err
	}

	var mc modelClassification
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &mc); err != nil {
		return IntentClassification{}, fmt.Errorf("model returned non-JSON classification: %w", err)
	}
	return IntentClassification{
		Intent:           mc.Intent,
		Confidence:       mc.Confidence,
		SourcesSuggested: mc.Sources,
	}, nil
}

// aiMetrics holds lazily-initialized OTel instruments for Anthropic API calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/sprintbot/sprintbot/internal/memory")
	aiMetrics.inputTokens, _ = m.Int64Counter("sbd.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("sbd.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("sbd.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (b *claudeBackend) callWithRetry(ctx context.Context, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/sprintbot/sprintbot/internal/memory")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("sbd.ai.model", string(b.model)),
		attribute.String("sbd.ai.operation", "classify"),
	)

	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := b.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("sbd.ai.model", string(b.model))
			if aiMetrics.inputTokens != nil {
				aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(attribute.Int("sbd.ai.attempts", attempt+1))

			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !isRetryableAPIError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("failed after %d retries: %w", b.maxRetries+1, lastErr)
}

func isRetryableAPIError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}
