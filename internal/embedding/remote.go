package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/darwin-ai/darwin/pkg/fn"
	"github.com/darwin-ai/darwin/pkg/resilience"
)

// Remote is an HTTP-backed Embedder speaking the Ollama-style
// /api/embeddings request/response shape. Calls are throttled and
// circuit-broken so a wedged or unreachable embedding provider fails
// fast instead of piling up goroutines behind a dead dependency.
type Remote struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// NewRemote creates a Remote embedder against an Ollama-compatible
// /api/embeddings endpoint.
func NewRemote(baseURL, model string, dim int) *Remote {
	return &Remote{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: 20, Burst: 20}),
	}
}

// Dim returns the configured embedding width.
func (r *Remote) Dim() int { return r.dim }

type remoteEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type remoteEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed waits for rate-limiter capacity, then calls the remote provider
// through a circuit breaker and unit-normalizes the result. Once the
// breaker trips, Embed returns resilience.ErrCircuitOpen immediately
// rather than queuing another request behind a dependency that is
// already down.
func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result := resilience.CallResult(r.breaker, ctx, func(ctx context.Context) fn.Result[[]float32] {
		v, err := r.doEmbed(ctx, text)
		if err != nil {
			return fn.Err[[]float32](err)
		}
		return fn.Ok(v)
	})
	return result.Unwrap()
}

func (r *Remote) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(remoteEmbedReq{Model: r.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: remote embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: remote embed: status %d", resp.StatusCode)
	}

	var result remoteEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: remote embed decode: %w", err)
	}

	vals := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vals[i] = float32(v)
	}
	return Normalize(vals), nil
}
