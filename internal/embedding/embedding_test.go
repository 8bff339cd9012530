package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newEmbedServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
		})
	})
	defer srv.Close()

	c := NewHTTPClient("key", srv.URL, "test-model", 3, 0)
	vec, err := c.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3 dimensions, got %d", len(vec))
	}
}

func TestEmbedEmptyTextIsPermanent(t *testing.T) {
	c := NewHTTPClient("key", "http://unused", "test-model", 3, 0)
	if _, err := c.Embed(context.Background(), "   "); err != ErrEmptyInput {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestEmbedRateLimitIsTransient(t *testing.T) {
	srv := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	defer srv.Close()

	c := NewHTTPClient("key", srv.URL, "test-model", 3, 0)
	_, err := c.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestEmbedBadRequestIsPermanent(t *testing.T) {
	srv := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "input too long", http.StatusBadRequest)
	})
	defer srv.Close()

	c := NewHTTPClient("key", srv.URL, "test-model", 3, 0)
	_, err := c.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestEmbedBatchIsolatesFailures(t *testing.T) {
	// The batch call fails; per-item retries succeed except for "bad".
	var calls int
	srv := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) > 1 {
			http.Error(w, "batch too large", http.StatusBadRequest)
			return
		}
		if req.Input[0] == "bad" {
			http.Error(w, "unprocessable input", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{1, 0, 0}, "index": 0},
			},
		})
	})
	defer srv.Close()

	c := NewHTTPClient("key", srv.URL, "test-model", 3, 0)
	results := c.EmbedBatch(context.Background(), []string{"good one", "bad", "good two"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("expected good items to succeed: %v / %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil {
		t.Fatalf("expected bad item to fail")
	}
}

func TestEmbedBatchRejectsEmptyItemsLocally(t *testing.T) {
	srv := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		data := make([]map[string]interface{}, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]interface{}{"embedding": []float32{0, 1, 0}, "index": i}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	})
	defer srv.Close()

	c := NewHTTPClient("key", srv.URL, "test-model", 3, 0)
	results := c.EmbedBatch(context.Background(), []string{"ok", ""})
	if results[0].Err != nil {
		t.Fatalf("expected first item to succeed, got %v", results[0].Err)
	}
	if results[1].Err != ErrEmptyInput {
		t.Fatalf("expected ErrEmptyInput for empty item, got %v", results[1].Err)
	}
}
