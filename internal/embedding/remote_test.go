package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/darwin-ai/darwin/pkg/resilience"
)

func TestRemoteEmbedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding":[1,2,3]}`))
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, "test-model", 3)
	v, err := r.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(v))
	}
}

func TestRemoteEmbedTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, "test-model", 3)
	r.breaker = resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: 0})

	for i := 0; i < 2; i++ {
		if _, err := r.Embed(context.Background(), "hello"); err == nil {
			t.Fatalf("expected error on failing call %d", i)
		}
	}

	_, err := r.Embed(context.Background(), "hello")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once breaker trips, got %v", err)
	}
}
