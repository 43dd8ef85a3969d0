package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider identifies an OpenAI-compatible chat completion backend.
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderQwen     Provider = "qwen"
	ProviderGroq     Provider = "groq"
	ProviderCustom   Provider = "custom"
)

// ErrNoAPIKey is returned when a call is made before a key is configured.
var ErrNoAPIKey = errors.New("AI API key not set")

// Client calls a chat completion endpoint.
type Client struct {
	Provider    Provider
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	UseFullURL  bool // BaseURL already points at the completion endpoint
	MaxRetries  int
	RetryDelay  time.Duration
	Temperature float64
	MaxTokens   int

	httpClient *http.Client
}

// New returns a client with Groq defaults.
func New() *Client {
	return &Client{
		Provider:    ProviderGroq,
		BaseURL:     "https://api.groq.com/openai/v1",
		Model:       "llama-3.1-70b-versatile",
		Timeout:     120 * time.Second,
		MaxRetries:  3,
		RetryDelay:  2 * time.Second,
		Temperature: 0.5,
		MaxTokens:   4000,
	}
}

// SetDeepSeekAPIKey configures DeepSeek.
func (c *Client) SetDeepSeekAPIKey(apiKey, model string) {
	c.Provider = ProviderDeepSeek
	c.APIKey = apiKey
	c.BaseURL = "https://api.deepseek.com/v1"
	c.Model = firstNonEmpty(model, "deepseek-chat")
}

// SetQwenAPIKey configures Qwen through the DashScope compatible endpoint.
func (c *Client) SetQwenAPIKey(apiKey, model string) {
	c.Provider = ProviderQwen
	c.APIKey = apiKey
	c.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	c.Model = firstNonEmpty(model, "qwen-plus")
}

// SetGroqAPIKey configures Groq.
func (c *Client) SetGroqAPIKey(apiKey, model string) {
	c.Provider = ProviderGroq
	c.APIKey = apiKey
	c.BaseURL = "https://api.groq.com/openai/v1"
	c.Model = firstNonEmpty(model, "llama-3.1-70b-versatile")
}

// SetCustomAPI configures any OpenAI-compatible endpoint.
// A trailing '#' on apiURL means the URL is used as-is.
func (c *Client) SetCustomAPI(apiURL, apiKey, model string) {
	c.Provider = ProviderCustom
	c.APIKey = apiKey
	c.Model = model
	if strings.HasSuffix(apiURL, "#") {
		c.BaseURL = strings.TrimSuffix(apiURL, "#")
		c.UseFullURL = true
	} else {
		c.BaseURL = strings.TrimRight(apiURL, "/")
		c.UseFullURL = false
	}
}

// CallWithMessages sends a system and user prompt and returns the reply text.
// Transport failures are retried up to MaxRetries times while ctx allows.
func (c *Client) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.APIKey == "" {
		return "", ErrNoAPIKey
	}

	attempts := max(c.MaxRetries, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			log.Warn().Str("provider", string(c.Provider)).Int("attempt", attempt).Int("max", attempts).
				Err(lastErr).Msg("⚠️  AI API call failed, retrying")
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("AI API call cancelled: %w", ctx.Err())
			case <-time.After(c.RetryDelay * time.Duration(attempt-1)):
			}
		}

		result, err := c.callOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryableError(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("AI API still failing after %d attempts: %w", attempts, lastErr)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) callOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	payload, err := json.Marshal(chatRequest{
		Model:       c.Model,
		Messages:    messages,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.BaseURL
	if !c.UseFullURL {
		url = fmt.Sprintf("%s/chat/completions", c.BaseURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 500)}
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("AI API returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

func (c *Client) client() *http.Client {
	if c.httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: c.Timeout,
			ExpectContinueTimeout: 1 * time.Second,
		}
		c.httpClient = &http.Client{Timeout: c.Timeout, Transport: transport}
	}
	return c.httpClient
}

// StatusError is a non-200 reply from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("AI API returned status %d: %s", e.Code, e.Body)
}

func isRetryableError(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == http.StatusTooManyRequests || status.Code >= 500
	}
	errStr := err.Error()
	retryable := []string{
		"EOF",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"no such host",
		"broken pipe",
		"network is unreachable",
	}
	for _, r := range retryable {
		if strings.Contains(errStr, r) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
