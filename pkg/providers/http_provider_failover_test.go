package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// The failover layer schedules its switchback from the reset headers a 429
// carries, so the provider must surface them instead of flattening the
// response into a plain error string.
func TestRateLimitErrorCarriesResetHeaders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.Header().Set("X-RateLimit-Requests-Reset", "1759276800")
		w.Header().Set("X-RateLimit-Tokens-Reset", "1759276860")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exhausted"}}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider("test-key", ts.URL, "")
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, nil, "test-model", map[string]interface{}{})
	if err == nil {
		t.Fatal("429 response must produce an error")
	}

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("want *RateLimitError, got %T: %v", err, err)
	}
	if rl.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rl.StatusCode)
	}
	if rl.RetryAfter != "1" {
		t.Fatalf("RetryAfter = %q", rl.RetryAfter)
	}
	if rl.RateLimitRequestsReset != "1759276800" || rl.RateLimitTokensReset != "1759276860" {
		t.Fatalf("reset hints lost: requests=%q tokens=%q", rl.RateLimitRequestsReset, rl.RateLimitTokensReset)
	}
	if rl.Headers["Retry-After"] != "1" {
		t.Fatalf("raw header map missing Retry-After: %v", rl.Headers)
	}
}

func TestServerErrorIsNotARateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream fell over"}}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider("test-key", ts.URL, "")
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, nil, "test-model", map[string]interface{}{})
	if err == nil {
		t.Fatal("500 response must produce an error")
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		t.Fatalf("500 misclassified as rate limit: %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("500 should still be retryable: %v", err)
	}
}
