package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"

	"github.com/aggregator-io/aggregator/internal/config"
	"github.com/aggregator-io/aggregator/internal/dedup"
	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/query"
	"github.com/aggregator-io/aggregator/internal/storage"
)

const testChannel = "events"

func newTestServer(t *testing.T) (*Server, *storage.Connection, *redis.Client) {
	t.Helper()

	ctx := context.Background()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.NewConnectionForDB(testDB.Connection, "SERIALIZABLE")
	store := storage.NewStore(conn)
	surface := query.New(store, time.Now().Add(-time.Minute))

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	cfg := ServerConfig{
		Port:            DefaultPort,
		Host:            DefaultHost,
		ReadTimeout:     DefaultTimeout,
		WriteTimeout:    DefaultTimeout,
		ShutdownTimeout: DefaultTimeout,
		LogLevel:        DefaultLogLevel,
	}

	server := NewServer(&cfg, surface, conn, client, testChannel, nil)

	// seed one processed event directly so list/stats/topics have data
	processor := dedup.NewProcessor(store, conn, nil)

	event := &ingestion.Event{
		Topic:     "order.created",
		EventID:   "seed-1",
		Timestamp: time.Now().UTC(),
		Source:    "seed",
		Payload:   json.RawMessage(`{}`),
	}

	tx, err := conn.BeginEventTx(ctx)
	if err != nil {
		t.Fatalf("BeginEventTx() error = %v", err)
	}

	ok, outcome, err := processor.Process(ctx, tx, event)
	if !ok || err != nil {
		t.Fatalf("Process() ok=%v outcome=%v err=%v", ok, outcome, err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("tx.Commit() error = %v", err)
	}

	return server, conn, client
}

func TestHandleInfo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var info Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if info.Service != "aggregator" {
		t.Errorf("expected service aggregator, got %q", info.Service)
	}
}

func TestHandleHealth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if health.Status != "healthy" {
		t.Errorf("expected status healthy, got %q", health.Status)
	}
}

func TestHandlePublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, client := newTestServer(t)

	sub := client.Subscribe(context.Background(), testChannel)
	t.Cleanup(func() {
		_ = sub.Close()
	})

	body := []byte(`{"topic":"payment.processed","event_id":"evt-42","timestamp":"2026-01-01T00:00:00Z","source":"svc","payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp PublishResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.EventID != "evt-42" {
		t.Errorf("expected event_id evt-42, got %q", resp.EventID)
	}

	msg, err := sub.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}

	if msg.Payload != string(body) {
		t.Errorf("published message mismatch: got %q, want %q", msg.Payload, string(body))
	}
}

func TestHandlePublish_InvalidPayloadRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, _ := newTestServer(t)

	body := []byte(`{"event_id":"evt-42","timestamp":"2026-01-01T00:00:00Z"}`) // missing topic
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events?topic=order.created", nil)
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}

	if resp.Events[0].EventID != "seed-1" {
		t.Errorf("expected event_id seed-1, got %q", resp.Events[0].EventID)
	}
}

func TestHandleStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestHandleTopics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/topics", nil)
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp TopicsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	found := false

	for _, topic := range resp.Topics {
		if topic == "order.created" {
			found = true
		}
	}

	if !found {
		t.Errorf("expected topics to include order.created, got %v", resp.Topics)
	}
}

func TestHandlePublish_NoPublisherConfigured(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	server, _, _ := newTestServer(t)
	server.publisher = nil

	body := []byte(`{"topic":"order.created","event_id":"evt-1","timestamp":"2026-01-01T00:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}
