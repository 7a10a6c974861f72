// Package embedding wraps the external embedding capability behind a
// small gateway client with caching, rate limiting, and bounded retries.
package embedding

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/dakb-ai/dakb/internal/domain"
)

const (
	// DefaultModel is the OpenAI model used for generating embeddings
	DefaultModel = openai.SmallEmbedding3
	// DefaultDimensions is the fixed system-wide embedding dimension
	DefaultDimensions = 1536

	// MaxTextLen bounds the text sent to the embedding capability
	MaxTextLen = 8192

	maxAttempts    = 3
	retryInitial   = 200 * time.Millisecond
	retryMax       = 2 * time.Second
	defaultRateRPS = 10
	cacheMaxItems  = 4096
)

var (
	// ErrEmptyText is returned when text is empty
	ErrEmptyText = domain.NewDomainError(domain.ErrCodeValidation, "text to embed cannot be empty")
	// ErrWrongDimensions is returned when the capability responds with a
	// vector of the wrong size; this is never silently accepted.
	ErrWrongDimensions = domain.NewDomainError(domain.ErrCodeInternal, "embedding has wrong dimensions")
)

// API is the raw embedding capability
type API interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// OpenAIAdapter adapts the OpenAI client to the API interface
type OpenAIAdapter struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIAdapter creates an adapter for the given API key and model
func NewOpenAIAdapter(apiKey string, model openai.EmbeddingModel) *OpenAIAdapter {
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIAdapter{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// CreateEmbedding calls the OpenAI API to embed a single text
func (a *OpenAIAdapter) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: a.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data returned")
	}
	return resp.Data[0].Embedding, nil
}

// Config configures the gateway client
type Config struct {
	APIKey     string
	Model      openai.EmbeddingModel
	Dimensions int
	RatePerSec float64
}

// Client is the embedding gateway. It caches vectors by content hash so
// repeated embeds of identical text (re-saves, common queries) skip the
// external call, and rate-limits outbound requests.
type Client struct {
	api        API
	dimensions int
	limiter    *rate.Limiter

	mu    sync.Mutex
	cache map[[32]byte][]float32
}

// NewClient creates a gateway client with defaults
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(Config{APIKey: apiKey})
}

// NewClientWithConfig creates a gateway client with explicit configuration
func NewClientWithConfig(cfg Config) *Client {
	return newClient(NewOpenAIAdapter(cfg.APIKey, cfg.Model), cfg)
}

// NewClientWithAPI creates a gateway client over a custom API (for testing)
func NewClientWithAPI(api API, cfg Config) *Client {
	return newClient(api, cfg)
}

func newClient(api API, cfg Config) *Client {
	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRateRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		api:        api,
		dimensions: dimensions,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		cache:      make(map[[32]byte][]float32),
	}
}

// Dimensions returns the fixed embedding dimension this client enforces
func (c *Client) Dimensions() int {
	return c.dimensions
}

// GenerateEmbedding embeds text, retrying transient failures a bounded
// number of times before surfacing Unavailable. It never fabricates a
// zero vector for an unreachable capability. Text beyond MaxTextLen is
// truncated on a rune boundary, so long entries are embedded from their
// leading prefix.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	text = truncateRunes(text, MaxTextLen)

	key := sha256.Sum256([]byte(text))
	c.mu.Lock()
	if vec, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), maxAttempts-1), ctx)
	var vec []float32
	err := backoff.Retry(func() error {
		var callErr error
		vec, callErr = c.api.CreateEmbedding(ctx, text)
		return callErr
	}, policy)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable, "embedding capability unreachable", err)
	}

	if len(vec) != c.dimensions {
		return nil, ErrWrongDimensions
	}

	c.mu.Lock()
	if len(c.cache) >= cacheMaxItems {
		// Crude reset; content-hash cache is a best-effort optimization
		c.cache = make(map[[32]byte][]float32)
	}
	c.cache[key] = vec
	c.mu.Unlock()

	return vec, nil
}

// truncateRunes cuts s to at most max bytes without splitting a UTF-8
// sequence mid-rune
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.MaxInterval = retryMax
	return b
}
