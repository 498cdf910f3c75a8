// Package llm adapts an OpenAI-compatible chat API to the completion and
// image-generation contracts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/models"
)

const defaultTimeout = 120 * time.Second

var retryDelay = 1 * time.Second

// Config configures the client
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SummaryModel string
	ImageModel   string
	ImageSize    string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 disables pacing
	MaxRetries   int
}

// Client wraps the go-openai client
type Client struct {
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a client for an OpenAI-compatible endpoint
func NewClient(cfg Config, log zerolog.Logger) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	config.HTTPClient = &http.Client{Timeout: timeout}

	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.Model
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &Client{
		client:  openai.NewClientWithConfig(config),
		cfg:     cfg,
		limiter: limiter,
		log:     log,
	}
}

// Available reports whether the client has credentials or a custom endpoint
func (c *Client) Available() bool {
	return c != nil && c.cfg.Model != "" && (c.cfg.APIKey != "" || c.cfg.BaseURL != "")
}

// StreamComplete opens a streaming chat completion. Opening is retried; once
// the first byte has arrived a failure ends the stream with a Failed event.
func (c *Client) StreamComplete(ctx context.Context, messages []models.PromptMessage) (<-chan interfaces.StreamEvent, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toChatMessages(messages),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      true,
	}

	var stream *openai.ChatCompletionStream
	err := c.withRetry(ctx, "stream", func() error {
		var err error
		stream, err = c.client.CreateChatCompletionStream(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(chan interfaces.StreamEvent, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(ev interfaces.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(interfaces.Done())
				return
			}
			if err != nil {
				c.log.Warn().Err(err).Str("model", req.Model).Msg("narration stream interrupted")
				send(interfaces.Failed(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if text := resp.Choices[0].Delta.Content; text != "" {
				if !send(interfaces.Fragment(text)) {
					return
				}
			}
		}
	}()
	return out, nil
}

// CompleteWithSchema requests a JSON response constrained by the schema
func (c *Client) CompleteWithSchema(ctx context.Context, messages []models.PromptMessage, schema interfaces.Schema) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.SummaryModel,
		Messages:    toChatMessages(messages),
		MaxTokens:   c.cfg.MaxTokens * 2,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schema.Name,
				Schema: schema.Definition,
			},
		},
	}
	if c.cfg.MaxTokens <= 0 {
		req.MaxTokens = 0
	}

	var resp openai.ChatCompletionResponse
	err := c.withRetry(ctx, "schema", func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model %s returned no choices", req.Model)
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateImage renders one prompt and returns the hosted image URL
func (c *Client) GenerateImage(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	size := req.Size
	if size == "" {
		size = c.cfg.ImageSize
	}
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	start := time.Now()
	var resp openai.ImageResponse
	err := c.withRetry(ctx, "image", func() error {
		var err error
		resp, err = c.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:         req.Prompt,
			Model:          c.cfg.ImageModel,
			N:              1,
			Size:           size,
			ResponseFormat: openai.CreateImageResponseFormatURL,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, fmt.Errorf("image model returned no url")
	}
	return &interfaces.ImageResponse{
		ImageURL:       resp.Data[0].URL,
		GenerationTime: time.Since(start).Milliseconds(),
	}, nil
}

// withRetry paces and retries a request on transient failures
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		c.log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("retrying llm request")
	}
	return fmt.Errorf("%s request failed: %w", op, lastErr)
}

// isRetryableError checks if an error is transient
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "rate limit")
}

func toChatMessages(messages []models.PromptMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
