// Package middleware provides HTTP middleware components for the aggregator's API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testClient = "10.0.0.1:54321"

// TestRateLimiter_GlobalLimitEnforced verifies that the global rate limit
// is enforced across all requests regardless of client key.
func TestRateLimiter_GlobalLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Global is more restrictive than the per-client tier.
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10,
		ClientRPS:   50,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 11; i++ {
		if rl.Allow(testClient) {
			successCount++
		}
	}

	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_ClientLimitEnforced verifies that per-client rate limits
// are enforced independently from the global limit.
func TestRateLimiter_ClientLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   5,
		ClientBurst: 5,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 6; i++ {
		if rl.Allow(testClient) {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("expected 5 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_EmptyClientKeyBypassesClientTier verifies that an empty
// client key only goes through the global tier.
func TestRateLimiter_EmptyClientKeyBypassesClientTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		GlobalBurst: 100,
		ClientRPS:   1,
		ClientBurst: 1,
	})
	defer rl.Close()

	for i := 0; i < 10; i++ {
		if !rl.Allow("") {
			t.Errorf("request %d with empty client key should succeed (global-only tier)", i+1)
		}
	}
}

// TestRateLimiter_BurstCapacityWorks verifies that burst capacity allows
// temporary bursts above the sustained rate, then throttles subsequent
// requests.
func TestRateLimiter_BurstCapacityWorks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10,
		ClientRPS:   5,
		ClientBurst: 5,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 10; i++ {
		if rl.Allow(testClient) {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("expected 5 successful burst requests, got %d", successCount)
	}

	if rl.Allow(testClient) {
		t.Error("expected request to be rate limited after burst exhausted")
	}
}

// TestRateLimiter_ClientIsolation verifies that rate limits for different
// clients are tracked independently.
func TestRateLimiter_ClientIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   5,
		ClientBurst: 5,
	})
	defer rl.Close()

	client1 := "10.0.0.1"
	client2 := "10.0.0.2"

	for i := 0; i < 5; i++ {
		if !rl.Allow(client1) {
			t.Errorf("client1 request %d should succeed", i+1)
		}
	}

	if rl.Allow(client1) {
		t.Error("client1 should be rate limited")
	}

	for i := 0; i < 5; i++ {
		if !rl.Allow(client2) {
			t.Errorf("client2 request %d should succeed", i+1)
		}
	}
}

// TestRateLimiter_ConcurrentAccess verifies that the rate limiter is safe
// for concurrent use by multiple goroutines.
func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 100,
		ClientRPS: 50,
	})
	defer rl.Close()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(clientKey string) {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				_ = rl.Allow(clientKey)
			}
		}(fmt.Sprintf("10.0.0.%d", i))
	}

	wg.Wait()
}

// TestRateLimiter_MemoryCleanup verifies that stale client limiters are
// removed after the idle timeout period.
func TestRateLimiter_MemoryCleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   50,
		IdleTimeout: 100 * time.Millisecond,
	})
	defer rl.Close()

	staleClient := "10.0.0.9"
	if !rl.Allow(staleClient) {
		t.Fatal("first request should succeed")
	}

	rl.mu.RLock()
	_, exists := rl.perClient[staleClient]
	rl.mu.RUnlock()

	if !exists {
		t.Fatal("client limiter should exist after first request")
	}

	time.Sleep(150 * time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, exists = rl.perClient[staleClient]
	rl.mu.RUnlock()

	if exists {
		t.Error("stale client limiter should have been removed after cleanup")
	}
}

// TestRateLimiter_CleanupPreservesActiveClients verifies that cleanup only
// removes idle clients and preserves recently active ones.
func TestRateLimiter_CleanupPreservesActiveClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   50,
		IdleTimeout: 100 * time.Millisecond,
	})
	defer rl.Close()

	staleClient := "10.0.0.10"
	activeClient := "10.0.0.11"

	if !rl.Allow(staleClient) {
		t.Fatal("stale client first request should succeed")
	}

	if !rl.Allow(activeClient) {
		t.Fatal("active client first request should succeed")
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.Allow(activeClient) {
		t.Fatal("active client should still be allowed")
	}

	rl.cleanup()

	rl.mu.RLock()
	_, staleExists := rl.perClient[staleClient]
	_, activeExists := rl.perClient[activeClient]
	rl.mu.RUnlock()

	if staleExists {
		t.Error("stale client should have been removed")
	}

	if !activeExists {
		t.Error("active client should have been preserved")
	}
}

// TestRateLimitMiddleware_RequestAllowed verifies that requests under the
// rate limit are allowed to proceed to the next handler.
func TestRateLimitMiddleware_RequestAllowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 100,
		ClientRPS: 50,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Error("expected next handler to be called when rate limit not exceeded")
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

// TestRateLimitMiddleware_RequestBlocked verifies that requests exceeding
// the rate limit are rejected with 429 status.
func TestRateLimitMiddleware_RequestBlocked(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		ClientRPS:   1,
		ClientBurst: 1,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Errorf("first request should succeed, got status %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req2.RemoteAddr = "10.0.0.1:1234"
	rec2 := httptest.NewRecorder()
	nextCalled = false

	handler.ServeHTTP(rec2, req2)

	if nextCalled {
		t.Error("expected next handler NOT to be called when rate limit exceeded")
	}

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rec2.Code)
	}
}

// TestRateLimitMiddleware_RFC7807ErrorFormat verifies that rate limit
// errors return RFC 7807 compliant responses.
func TestRateLimitMiddleware_RFC7807ErrorFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		ClientRPS:   1,
		ClientBurst: 1,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/events", nil)
	req2.RemoteAddr = "10.0.0.1:1234"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	contentType := rec2.Header().Get("Content-Type")
	if contentType != contentTypeProblemJSON {
		t.Errorf("expected Content-Type %s, got %s", contentTypeProblemJSON, contentType)
	}

	var problem map[string]interface{}
	if err := json.Unmarshal(rec2.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}

	if problem["type"] != "https://aggregator.io/problems/429" {
		t.Errorf("expected type https://aggregator.io/problems/429, got %v", problem["type"])
	}

	if problem["title"] != "Too Many Requests" {
		t.Errorf("expected title 'Too Many Requests', got %v", problem["title"])
	}

	if problem["status"] != float64(429) {
		t.Errorf("expected status 429, got %v", problem["status"])
	}

	if problem["instance"] != "/events" {
		t.Errorf("expected instance /events, got %v", problem["instance"])
	}
}

// TestRateLimitMiddleware_PerClientIsolation verifies that two distinct
// remote addresses are throttled independently by the middleware.
func TestRateLimitMiddleware_PerClientIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   2,
		ClientBurst: 2,
	})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "10.0.0.1:1111"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("client1 request %d should succeed, got status %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.2:2222"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("client2's first request should succeed despite client1 being near its limit, got status %d", rec.Code)
	}
}

// TestClientKeyFromRequest verifies IP:port splitting and the fallback
// behavior for addresses that don't include a port.
func TestClientKeyFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{name: "ipv4 with port", remoteAddr: "192.168.1.1:54321", want: "192.168.1.1"},
		{name: "ipv6 with port", remoteAddr: "[::1]:54321", want: "::1"},
		{name: "no port falls back to raw value", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
		{name: "empty falls back to raw value", remoteAddr: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = tt.remoteAddr

			if got := clientKeyFromRequest(req); got != tt.want {
				t.Errorf("clientKeyFromRequest(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
			}
		})
	}
}
