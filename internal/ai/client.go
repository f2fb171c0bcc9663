// Package ai talks to the Qwen chat-completions endpoint (DashScope
// compatible mode). The credential and enable flag are read from the shared
// store on every call, so a credential written by the settings surface takes
// effect without a restart.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/store"
)

var (
	ErrDisabled      = errors.New("ai backend disabled or not configured")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Completer is the capability the translator and resolver depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one chat completion. Zero MaxTokens/Temperature use client defaults.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Stats is the persisted qwenStats record.
type Stats struct {
	TotalCalls   int    `json:"totalCalls"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
	TotalTokens  int    `json:"totalTokens"`
	LastCallAt   int64  `json:"lastCallAt,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}

// KV is the slice of the store the client needs.
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Client is safe for concurrent use.
type Client struct {
	kv          KV
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client

	statsMu sync.Mutex
}

func NewClient(kv KV, cfg config.AIConfig) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = config.DefaultConfig().AI.Endpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "qwen-plus"
	}
	return &Client{
		kv:          kv,
		endpoint:    endpoint,
		model:       model,
		maxTokens:   cfg.TokenBudget(),
		temperature: cfg.Temperature,
		timeout:     cfg.RequestTimeout(),
		httpClient:  &http.Client{},
	}
}

// WithHTTPClient swaps the HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// credential returns the stored key when the backend is enabled.
func (c *Client) credential(ctx context.Context) (string, error) {
	var enabled bool
	if _, err := c.kv.Get(ctx, store.KeyQwenEnabled, &enabled); err != nil {
		return "", err
	}
	if !enabled {
		return "", ErrDisabled
	}
	var key string
	if _, err := c.kv.Get(ctx, store.KeyQwenAPIKey, &key); err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", ErrDisabled
	}
	return strings.TrimSpace(key), nil
}

// Enabled reports whether a call would be attempted right now.
func (c *Client) Enabled(ctx context.Context) bool {
	_, err := c.credential(ctx)
	return err == nil
}

// Complete sends one chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	key, err := c.credential(ctx)
	if err != nil {
		if errors.Is(err, ErrDisabled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrDisabled, err)
	}

	text, tokens, err := c.call(ctx, key, req)
	c.record(ctx, tokens, err)
	return text, err
}

func (c *Client) call(ctx context.Context, key string, req Request) (string, int, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	payload := chatRequest{
		Model:       c.model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if s := strings.TrimSpace(req.System); s != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: s})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("encode qwen request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", 0, fmt.Errorf("build qwen request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("call qwen: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read qwen response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("qwen status=%d body=%s", resp.StatusCode, trimSnippet(string(body), 300))
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", 0, fmt.Errorf("decode qwen response: %w", err)
	}
	if decoded.Error != nil {
		return "", 0, fmt.Errorf("qwen error %s: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", decoded.Usage.TotalTokens, errors.New("qwen returned no choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", decoded.Usage.TotalTokens, errors.New("qwen returned empty content")
	}
	return content, decoded.Usage.TotalTokens, nil
}

// Stats reads the persisted usage counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	_, err := c.kv.Get(ctx, store.KeyQwenStats, &s)
	return s, err
}

func (c *Client) record(ctx context.Context, tokens int, callErr error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	var s Stats
	if _, err := c.kv.Get(ctx, store.KeyQwenStats, &s); err != nil {
		log.Printf("[ai] read stats: %v", err)
	}
	s.TotalCalls++
	s.TotalTokens += tokens
	s.LastCallAt = time.Now().UnixMilli()
	if callErr != nil {
		s.FailureCount++
		s.LastError = trimSnippet(callErr.Error(), 200)
	} else {
		s.SuccessCount++
		s.LastError = ""
	}
	if err := c.kv.Set(ctx, store.KeyQwenStats, s); err != nil {
		log.Printf("[ai] persist stats: %v", err)
	}
}

// ValidateAPIKey checks the shape of a DashScope key without calling out.
func ValidateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidAPIKey)
	case !strings.HasPrefix(key, "sk-"):
		return fmt.Errorf("%w: key must start with \"sk-\"", ErrInvalidAPIKey)
	case len(key) < 20:
		return fmt.Errorf("%w: key is too short", ErrInvalidAPIKey)
	case len(key) > 200:
		return fmt.Errorf("%w: key is too long", ErrInvalidAPIKey)
	}
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidAPIKey, r)
		}
	}
	return nil
}

// SetCredential validates key and stores it with the enable flag. Disabling
// with an empty key only clears the flag.
func SetCredential(ctx context.Context, kv KV, key string, enabled bool) error {
	key = strings.TrimSpace(key)
	if key == "" && !enabled {
		return kv.Set(ctx, store.KeyQwenEnabled, false)
	}
	if err := ValidateAPIKey(key); err != nil {
		return err
	}
	if err := kv.Set(ctx, store.KeyQwenAPIKey, key); err != nil {
		return err
	}
	return kv.Set(ctx, store.KeyQwenEnabled, enabled)
}

func trimSnippet(value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
