// Package embed maps complaint text to fixed-dimension unit vectors by
// calling an embedding sidecar over HTTP (OpenAI-compatible /v1/embeddings).
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/fault"
)

// Embedder converts text to a unit vector of fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Client calls an OpenAI-compatible embeddings endpoint. Stateless and safe
// for concurrent use; callers schedule it off the request-handling path.
type Client struct {
	endpoint    string
	model       string
	dim         int
	queryPrefix string
	httpClient  *http.Client
	logger      *zap.Logger
}

var _ Embedder = (*Client)(nil)

// NewClient builds an embedding client. timeout bounds each call; the
// queryPrefix is prepended to every input (e5-family models expect one).
func NewClient(endpoint, model string, dim int, queryPrefix string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:    endpoint,
		model:       model,
		dim:         dim,
		queryPrefix: queryPrefix,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}, nil
}

// Dim returns the configured vector dimension.
func (c *Client) Dim() int { return c.dim }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the unit vector for text. Empty text (after trimming) is an
// InvalidInput fault; transport and server errors are Transient unless the
// server rejects the request as unauthorized or malformed.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fault.Invalid(fmt.Errorf("cannot embed empty text"))
	}

	body, err := json.Marshal(embeddingRequest{
		Model: c.model,
		Input: []string{c.queryPrefix + trimmed},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("embedding call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		switch {
		case resp.StatusCode == http.StatusUnauthorized,
			resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusUnprocessableEntity,
			resp.StatusCode == http.StatusBadRequest:
			return nil, fault.Permanent(err)
		default:
			return nil, fault.Transient(err)
		}
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fault.Transient(fmt.Errorf("decode embedding response: %w", err))
	}
	if len(parsed.Data) == 0 {
		return nil, fault.Transient(fmt.Errorf("embedding response contained no vectors"))
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != c.dim {
		return nil, fault.Permanent(fmt.Errorf("embedding dimension mismatch: want %d, got %d", c.dim, len(vec)))
	}

	normalize(vec)
	return vec, nil
}

// normalize rescales vec to unit Euclidean norm in place. Servers usually
// return normalized embeddings already; this guards against the ones that
// don't so cosine stays a plain dot product downstream.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.Abs(norm-1) < 1e-6 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
