package illustration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/storyforge/server/internal/domain"
	"github.com/storyforge/server/internal/providers/genai"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func imageResponseBody(data []byte) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{
				{"inlineData": map[string]any{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString(data)}},
			}}},
		},
	})
	return string(body)
}

func tinyBackoff() func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 4)
	}
}

func TestRenderWritesSyntheticImage(t *testing.T) {
	client, err := genai.NewClient(genai.Options{})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	renderer := NewGeminiRenderer(client)
	dir := t.TempDir()

	path, err := renderer.Render(context.Background(), Request{
		Prompt:      "the rabbit at sunrise",
		AspectRatio: "3:4",
		OutputDir:   dir,
		RequestID:   "job-1",
	})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("rendered into %q, want %q", filepath.Dir(path), dir)
	}
	if filepath.Ext(path) != ".png" {
		t.Fatalf("extension = %q, want .png", filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat rendered file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("rendered file is empty")
	}
}

func TestRenderRetriesTransientFailures(t *testing.T) {
	raw := []byte("png bytes")
	var calls atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		n := calls.Add(1)
		if n <= 2 {
			return &http.Response{
				StatusCode: http.StatusServiceUnavailable,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"try again"}}`)),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(imageResponseBody(raw))),
		}, nil
	})
	client, _ := genai.NewClient(genai.Options{APIKey: "test-key", HTTPClient: &http.Client{Transport: transport}})
	renderer := NewGeminiRenderer(client, WithBackoff(tinyBackoff()))

	path, err := renderer.Render(context.Background(), Request{Prompt: "x", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("upstream calls = %d, want 3", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rendered file: %v", err)
	}
	if string(data) != string(raw) {
		t.Fatalf("rendered bytes = %q, want %q", data, raw)
	}
}

func TestRenderGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"still down"}}`)),
		}, nil
	})
	client, _ := genai.NewClient(genai.Options{APIKey: "test-key", HTTPClient: &http.Client{Transport: transport}})
	renderer := NewGeminiRenderer(client, WithBackoff(tinyBackoff()))

	_, err := renderer.Render(context.Background(), Request{Prompt: "x", OutputDir: t.TempDir()})
	if !errors.Is(err, domain.ErrIllustration) {
		t.Fatalf("err = %v, want ErrIllustration", err)
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("upstream calls = %d, want initial try plus 4 retries", got)
	}
}
