package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/store"
)

const testKey = "sk-0123456789abcdef0123"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	kv := store.NewMemory()
	cfg := config.DefaultConfig().AI
	cfg.Endpoint = srv.URL
	cfg.Timeout = "2s"
	return NewClient(kv, cfg), kv
}

func enable(t *testing.T, kv *store.Store) {
	t.Helper()
	if err := SetCredential(context.Background(), kv, testKey, true); err != nil {
		t.Fatalf("set credential: %v", err)
	}
}

func TestCompleteSendsBoundedRequest(t *testing.T) {
	var got chatRequest
	client, kv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer "+testKey {
			t.Errorf("unexpected auth header %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  {\"ok\":true}  "}}],"usage":{"total_tokens":42}}`))
	})
	enable(t, kv)

	text, err := client.Complete(context.Background(), Request{System: "sys", Prompt: "hello"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != `{"ok":true}` {
		t.Fatalf("unexpected text %q", text)
	}
	if got.MaxTokens != 800 || got.Temperature != 0.1 || got.Model != "qwen-plus" {
		t.Fatalf("unexpected request bounds %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}

	stats, err := client.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalCalls != 1 || stats.SuccessCount != 1 || stats.TotalTokens != 42 || stats.LastCallAt == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCompleteDisabled(t *testing.T) {
	called := false
	client, kv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	ctx := context.Background()

	if _, err := client.Complete(ctx, Request{Prompt: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled with nothing stored, got %v", err)
	}

	// Key present but flag off.
	if err := SetCredential(ctx, kv, testKey, false); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if client.Enabled(ctx) {
		t.Fatal("expected disabled")
	}
	if _, err := client.Complete(ctx, Request{Prompt: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled with flag off, got %v", err)
	}
	if called {
		t.Fatal("disabled client must not call out")
	}
	stats, _ := client.Stats(ctx)
	if stats.TotalCalls != 0 {
		t.Fatalf("disabled calls should not count, got %+v", stats)
	}
}

func TestCompleteFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"non-2xx", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
		}, "status=401"},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}, "no choices"},
		{"empty content", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
		}, "empty content"},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}, "decode"},
		{"error body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":{"code":"Throttling","message":"slow down"}}`))
		}, "Throttling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, kv := newTestClient(t, tt.handler)
			enable(t, kv)
			_, err := client.Complete(context.Background(), Request{Prompt: "x"})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			stats, _ := client.Stats(context.Background())
			if stats.FailureCount != 1 || stats.LastError == "" {
				t.Fatalf("expected failure recorded, got %+v", stats)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	release := make(chan struct{})
	client, kv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	client.timeout = 50 * time.Millisecond
	enable(t, kv)

	start := time.Now()
	if _, err := client.Complete(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{testKey, true},
		{"  " + testKey + "  ", true},
		{"sk-abc_DEF-0123456789xyz", true},
		{"", false},
		{"pk-0123456789abcdef0123", false},
		{"sk-short", false},
		{"sk-0123456789 abcdef0123", false},
		{"sk-" + strings.Repeat("a", 250), false},
	}
	for _, tt := range tests {
		err := ValidateAPIKey(tt.key)
		if tt.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tt.key, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("%q: expected ErrInvalidAPIKey, got %v", tt.key, err)
		}
	}
}

func TestSetCredentialRejectsMalformed(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	if err := SetCredential(ctx, kv, "nope", true); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
	var key string
	if ok, _ := kv.Get(ctx, store.KeyQwenAPIKey, &key); ok {
		t.Fatal("rejected key must not be stored")
	}

	if err := SetCredential(ctx, kv, "", false); err != nil {
		t.Fatalf("disable without key: %v", err)
	}
	var enabled bool
	if ok, _ := kv.Get(ctx, store.KeyQwenEnabled, &enabled); !ok || enabled {
		t.Fatal("expected enabled=false stored")
	}
}
