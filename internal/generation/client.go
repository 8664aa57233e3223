package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client calls an OpenAI-compatible chat endpoint. It owns the per-provider
// request budget: the rate limiter is the one piece of state that would
// need synchronization if callers ever ran in parallel.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		transport := c.httpClient.Transport
		c.httpClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
}

func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With("component", "generation_client", "provider", c.name)
	}
}

func NewClient(name, baseURL, apiKey string, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c := &Client{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   "gpt-4o-mini",
		httpClient: &http.Client{
			Timeout:   15 * time.Minute,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(0.5), 1), // 30 req/min default
		logger:  slog.Default().With("component", "generation_client", "provider", name),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Name() string {
	return c.name
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) Generate(ctx context.Context, spec Spec, maxOutputSize int) (string, error) {
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	c.logger.Debug("generation request",
		"role", spec.Role,
		"task_length", len(spec.Task),
		"context_parts", len(spec.Context),
		"target_length", spec.TargetLength,
		"wait_ms", time.Since(start).Milliseconds())

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: spec.Role},
			{Role: "user", Content: buildUserPrompt(spec)},
		},
	}
	if maxOutputSize > 0 {
		// Rough chars-to-tokens conversion; providers clamp to their own max.
		req.MaxTokens = maxOutputSize / 3
	}
	if spec.WantJSON {
		req.ResponseFormat = &respFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		c.logger.Warn("generation request failed",
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: unparseable body: %v", ErrInvalidOutput, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrTransient, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty response", ErrInvalidOutput)
	}

	content := parsed.Choices[0].Message.Content

	c.logger.Info("generation request succeeded",
		"duration_ms", time.Since(start).Milliseconds(),
		"response_length", len(content))

	return content, nil
}

func buildUserPrompt(spec Spec) string {
	var b strings.Builder
	for _, part := range spec.Context {
		b.WriteString(part)
		b.WriteString("\n\n")
	}
	b.WriteString(spec.Task)
	if spec.TargetLength > 0 {
		fmt.Fprintf(&b, "\n\nTarget length: at least %d characters.", spec.TargetLength)
	}
	return b.String()
}

func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, status)
	case status == http.StatusPaymentRequired || strings.Contains(strings.ToLower(detail), "insufficient quota"):
		return fmt.Errorf("%w: %s", ErrQuotaExhausted, detail)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidOutput, status, detail)
	}
}
