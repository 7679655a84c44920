package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbedAppliesTaskPrefixAndNormalizes(t *testing.T) {
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotPrompt = req.Prompt
		json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float64{3, 4}})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "nomic-embed-text")
	vec, err := p.Embed(context.Background(), "hepatitis B transmission", TaskQuery)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if gotPrompt != "search_query: hepatitis B transmission" {
		t.Errorf("prompt = %q, want task-prefixed text", gotPrompt)
	}

	var magnitude float64
	for _, v := range vec {
		magnitude += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(magnitude)-1.0) > 1e-6 {
		t.Errorf("vector magnitude = %v, want 1 (normalized)", math.Sqrt(magnitude))
	}
}

func TestEmbedHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Embed(ctx, "text", TaskDocument); err == nil {
		t.Error("want error for cancelled context")
	}
}

func TestEmbedServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "missing-model")
	if _, err := p.Embed(context.Background(), "text", TaskQuery); err == nil {
		t.Error("want error on non-200 response")
	}
}
