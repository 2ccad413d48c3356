package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianhealth/procedure-advisor/internal/domain/providers"
	"github.com/meridianhealth/procedure-advisor/pkg/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client talks to the OpenAI embeddings and responses endpoints. It
// implements both providers.EmbeddingProvider and
// providers.GenerationProvider.
type Client struct {
	apiKey           string
	baseURL          string
	embeddingModel   string
	completionModel  string
	embeddingClient  *http.Client
	completionClient *http.Client
	limiter          *tokenBucket
}

// NewClient creates a new OpenAI client.
func NewClient(cfg *config.OpenAIConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	embeddingTimeout := cfg.EmbeddingTimeout
	if embeddingTimeout <= 0 {
		embeddingTimeout = 10 * time.Second
	}
	completionTimeout := cfg.CompletionTimeout
	if completionTimeout <= 0 {
		completionTimeout = 30 * time.Second
	}

	return &Client{
		apiKey:           cfg.APIKey,
		baseURL:          baseURL,
		embeddingModel:   cfg.EmbeddingModel,
		completionModel:  cfg.CompletionModel,
		embeddingClient:  &http.Client{Timeout: embeddingTimeout},
		completionClient: &http.Client{Timeout: completionTimeout},
		limiter:          newTokenBucket(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}, nil
}

// Close releases the rate limiter's refill goroutine.
func (c *Client) Close() {
	if c.limiter != nil {
		c.limiter.Close()
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text. Transport and
// authorization failures are wrapped in providers.ErrEmbeddingUnavailable;
// a placeholder vector is never returned.
func (c *Client) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("embedding input is empty")
	}
	if model == "" {
		model = c.embeddingModel
	}

	body, err := json.Marshal(embeddingRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.embeddingClient.Do(req)
	if err != nil {
		recordRequestMetric(ctx, model, "embedding", 0, time.Since(start), err)
		return nil, fmt.Errorf("%w: %v", providers.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("status %d", resp.StatusCode)
		recordRequestMetric(ctx, model, "embedding", resp.StatusCode, time.Since(start), statusErr)
		return nil, fmt.Errorf("%w: embedding request failed with status %d", providers.ErrEmbeddingUnavailable, resp.StatusCode)
	}

	var envelope embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		recordRequestMetric(ctx, model, "embedding", resp.StatusCode, time.Since(start), err)
		return nil, fmt.Errorf("%w: malformed embedding response: %v", providers.ErrEmbeddingUnavailable, err)
	}

	if len(envelope.Data) == 0 || len(envelope.Data[0].Embedding) == 0 {
		err := errors.New("embedding response missing vector")
		recordRequestMetric(ctx, model, "embedding", resp.StatusCode, time.Since(start), err)
		return nil, fmt.Errorf("%w: %v", providers.ErrEmbeddingUnavailable, err)
	}

	recordRequestMetric(ctx, model, "embedding", resp.StatusCode, time.Since(start), nil)
	return envelope.Data[0].Embedding, nil
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutput struct {
	Content []responseContent `json:"content"`
}

type responseEnvelope struct {
	Output []responseOutput `json:"output"`
}

// Complete invokes the responses endpoint and returns the raw output text.
// Transport and authorization failures are wrapped in
// providers.ErrGenerationUnavailable.
func (c *Client) Complete(ctx context.Context, genReq providers.GenerationRequest) (string, error) {
	model := genReq.Model
	if model == "" {
		model = c.completionModel
	}

	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			recordRequestMetric(ctx, model, "completion", 0, 0, err)
			return "", err
		}
		recordRateLimitWait(ctx, model, time.Since(waitStart))
	}

	payload := map[string]interface{}{
		"model":             model,
		"input":             genReq.Prompt,
		"temperature":       genReq.Temperature,
		"max_output_tokens": genReq.MaxOutputTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.completionClient.Do(req)
	if err != nil {
		recordRequestMetric(ctx, model, "completion", 0, time.Since(start), err)
		return "", fmt.Errorf("%w: %v", providers.ErrGenerationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("status %d", resp.StatusCode)
		recordRequestMetric(ctx, model, "completion", resp.StatusCode, time.Since(start), statusErr)
		return "", fmt.Errorf("%w: completion request failed with status %d", providers.ErrGenerationUnavailable, resp.StatusCode)
	}

	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		recordRequestMetric(ctx, model, "completion", resp.StatusCode, time.Since(start), err)
		return "", fmt.Errorf("%w: malformed completion response: %v", providers.ErrGenerationUnavailable, err)
	}

	var text string
	for _, out := range envelope.Output {
		for _, content := range out.Content {
			if content.Type == "output_text" && content.Text != "" {
				text = content.Text
				break
			}
		}
		if text != "" {
			break
		}
	}

	if text == "" {
		err := errors.New("completion response missing output text")
		recordRequestMetric(ctx, model, "completion", resp.StatusCode, time.Since(start), err)
		return "", fmt.Errorf("%w: %v", providers.ErrGenerationUnavailable, err)
	}

	recordRequestMetric(ctx, model, "completion", resp.StatusCode, time.Since(start), nil)
	return text, nil
}

func newTokenBucket(rpm int, burst int) *tokenBucket {
	if rpm == 0 {
		rpm = 60
	}
	if rpm < 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}

	bucket := &tokenBucket{
		tokens: make(chan struct{}, burst),
		done:   make(chan struct{}),
	}

	for i := 0; i < burst; i++ {
		bucket.tokens <- struct{}{}
	}

	interval := time.Minute / time.Duration(rpm)
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case bucket.tokens <- struct{}{}:
				default:
				}
			case <-bucket.done:
				return
			}
		}
	}()

	return bucket
}

type tokenBucket struct {
	tokens chan struct{}
	done   chan struct{}
}

func (b *tokenBucket) Close() {
	close(b.done)
}

func (b *tokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.tokens:
		return nil
	}
}
