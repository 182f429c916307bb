package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ucrsph/incident-engine/internal/fault"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, dim int) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "test-model", dim, "query: ", 2*time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func embeddingJSON(vecs ...[]float32) []byte {
	type datum struct {
		Embedding []float32 `json:"embedding"`
	}
	var data []datum
	for _, v := range vecs {
		data = append(data, datum{Embedding: v})
	}
	out, _ := json.Marshal(map[string]interface{}{"data": data})
	return out
}

func TestEmbedAppliesQueryPrefix(t *testing.T) {
	var gotInput string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) == 1 {
			gotInput = req.Input[0]
		}
		w.Write(embeddingJSON([]float32{1, 0, 0}))
	}, 3)

	vec, err := c.Embed(context.Background(), "baha sa Purok 3")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if gotInput != "query: baha sa Purok 3" {
		t.Errorf("server saw input %q", gotInput)
	}
	if len(vec) != 3 {
		t.Errorf("vector length = %d, want 3", len(vec))
	}
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called for empty text")
	}, 3)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := c.Embed(context.Background(), text)
		if !errors.Is(err, fault.ErrInvalidInput) {
			t.Errorf("Embed(%q) error = %v, want InvalidInput", text, err)
		}
	}
}

func TestEmbedNormalizesNonUnitVectors(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(embeddingJSON([]float32{3, 4, 0}))
	}, 3)

	vec, err := c.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-6 {
		t.Errorf("norm = %v, want 1", math.Sqrt(norm))
	}
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("vec = %v, want [0.6 0.8 0]", vec)
	}
}

func TestEmbedDimensionMismatchIsPermanent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(embeddingJSON([]float32{1, 0}))
	}, 3)

	_, err := c.Embed(context.Background(), "x")
	if !errors.Is(err, fault.ErrPermanent) {
		t.Errorf("error = %v, want Permanent", err)
	}
}

func TestEmbedStatusCodeTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, fault.ErrPermanent},
		{http.StatusForbidden, fault.ErrPermanent},
		{http.StatusBadRequest, fault.ErrPermanent},
		{http.StatusUnprocessableEntity, fault.ErrPermanent},
		{http.StatusInternalServerError, fault.ErrTransient},
		{http.StatusServiceUnavailable, fault.ErrTransient},
		{http.StatusTooManyRequests, fault.ErrTransient},
	}
	for _, tt := range tests {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}, 3)
		_, err := c.Embed(context.Background(), "x")
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: error = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestEmbedTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on
	c, err := NewClient(srv.URL, "m", 3, "", time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Embed(context.Background(), "x")
	if !errors.Is(err, fault.ErrTransient) {
		t.Errorf("error = %v, want Transient", err)
	}
}

func TestEmbedEmptyResponseIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}, 3)
	_, err := c.Embed(context.Background(), "x")
	if !errors.Is(err, fault.ErrTransient) {
		t.Errorf("error = %v, want Transient", err)
	}
}

func TestNewClientRejectsBadDimension(t *testing.T) {
	if _, err := NewClient("http://localhost", "m", 0, "", time.Second, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
}
