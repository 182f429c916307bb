// Package arbiter decides whether two complaint texts describe the same
// real-world incident, using Claude with a strict YES/NO contract.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/telemetry"
)

const (
	maxRetries     = 2
	initialBackoff = 500 * time.Millisecond
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Band is the confidence band of the similarity score that triggered the
// call. Both bands use the same prompt today; the band only feeds telemetry
// attributes so per-band prompts can be introduced later.
type Band string

const (
	BandHigh      Band = "high"
	BandAmbiguous Band = "ambiguous"
)

// Arbiter answers the same-incident question for two complaint texts.
type Arbiter interface {
	SameIncident(ctx context.Context, a, b string, band Band) (bool, error)
}

// Client wraps the Anthropic API for incident verification.
type Client struct {
	client      anthropic.Client
	model       anthropic.Model
	callTimeout time.Duration
	logger      *zap.Logger
}

var _ Arbiter = (*Client)(nil)

// NewClient creates an arbiter client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey.
func NewClient(apiKey, model string, callTimeout time.Duration, logger *zap.Logger) (*Client, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or anthropic.api_key", errAPIKeyRequired)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	arbiterMetricsOnce.Do(initArbiterMetrics)

	return &Client{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       anthropic.Model(model),
		callTimeout: callTimeout,
		logger:      logger,
	}, nil
}

// systemPrompt enforces a conservative two-factor (subject + exact location)
// match. The model must answer with exactly YES or NO.
const systemPrompt = `You are a strict complaint deduplication validator for an urban complaint
response platform serving Philippine barangays.

Your job is to determine whether two complaint descriptions refer to the SAME
specific real-world incident. You must be conservative. When unsure, answer NO.

PROCESS:

STEP 1 - Identify the MAIN SUBJECT of each complaint (what is the actual problem?).
STEP 2 - Identify the EXACT LOCATION of each complaint (street, purok, barangay, landmark).
STEP 3 - Compare both subject and location carefully.
STEP 4 - Decide if they refer to the same physical incident.

DECISION RULES:

1. Same subject + same exact location = YES
2. Different subject = NO (even if same location)
3. Same subject but different location = NO
4. Nearby locations (e.g., Purok 3 vs Purok 4) = NO
5. Follow-up requests (pakitanggal, kailan aayusin, please fix) count as SAME incident
6. If one complaint lacks a location the other specifies, answer NO unless clearly implied
7. If meaning is ambiguous or uncertain, answer NO
8. Language differences (Filipino, Tagalog, Bisaya, Ilocano, slang, misspellings) do NOT matter - focus on meaning

EXAMPLES:

Q: "May patay na aso sa Martez street" vs "Ang baho ng patay na aso dito sa Martez"
A: YES

Q: "May patay na aso sa Martez street" vs "May patay na pusa sa Martez street"
A: NO

Q: "Baha sa Purok 3" vs "Baha sa Purok 4"
A: NO

Q: "Basura hindi nakuha sa Elmor street" vs "Di pa nangungulekta ng basura dito sa Elmor"
A: YES

IMPORTANT: Reply with ONLY one word: YES or NO. Do not explain your reasoning.`

// SameIncident asks the model whether a and b describe the same incident.
// Only an exact trimmed case-insensitive "YES" merges; every other answer is
// NO. Errors are returned so the caller can degrade to NO.
func (c *Client) SameIncident(ctx context.Context, a, b string, band Band) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	prompt := fmt.Sprintf("Complaint A: %s\n\nComplaint B: %s\n\nAre these referring to the SAME specific incident? Reply YES or NO only.", a, b)

	answer, err := c.callWithRetry(ctx, prompt, band)
	if err != nil {
		return false, err
	}

	verdict := strings.EqualFold(strings.TrimSpace(answer), "YES")
	if arbiterMetrics.verdicts != nil {
		arbiterMetrics.verdicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("ucrs.arbiter.band", string(band)),
			attribute.Bool("ucrs.arbiter.merge", verdict),
		))
	}
	c.logger.Debug("arbiter verdict",
		zap.String("band", string(band)),
		zap.String("answer", strings.TrimSpace(answer)),
		zap.Bool("merge", verdict),
	)
	return verdict, nil
}

// arbiterMetrics holds lazily-initialized OTel instruments for arbiter calls.
var arbiterMetrics struct {
	verdicts metric.Int64Counter
	duration metric.Float64Histogram
}

var arbiterMetricsOnce sync.Once

func initArbiterMetrics() {
	m := telemetry.Meter("github.com/ucrsph/incident-engine/arbiter")
	arbiterMetrics.verdicts, _ = m.Int64Counter("ucrs.arbiter.verdicts",
		metric.WithDescription("Arbiter verdicts by confidence band and outcome"),
		metric.WithUnit("{verdict}"),
	)
	arbiterMetrics.duration, _ = m.Float64Histogram("ucrs.arbiter.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (c *Client) callWithRetry(ctx context.Context, prompt string, band Band) (string, error) {
	tracer := telemetry.Tracer("github.com/ucrsph/incident-engine/arbiter")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("ucrs.arbiter.model", string(c.model)),
		attribute.String("ucrs.arbiter.band", string(band)),
	)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 8,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())
		if arbiterMetrics.duration != nil {
			arbiterMetrics.duration.Record(ctx, ms, metric.WithAttributes(
				attribute.String("ucrs.arbiter.model", string(c.model)),
			))
		}

		if err == nil {
			if len(message.Content) == 0 {
				return "", nil
			}
			return message.Content[0].Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("arbiter call failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("arbiter call failed after %d attempts: %w", maxRetries+1, lastErr)
}
