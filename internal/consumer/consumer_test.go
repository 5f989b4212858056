package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/testcontainers/testcontainers-go"

	"github.com/aggregator-io/aggregator/internal/config"
	"github.com/aggregator-io/aggregator/internal/dedup"
	"github.com/aggregator-io/aggregator/internal/storage"
)

func TestConsumerLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	defer mr.Close()

	ctx := context.Background()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.NewConnectionForDB(testDB.Connection, "SERIALIZABLE")
	store := storage.NewStore(conn)
	processor := dedup.NewProcessor(store, conn, nil)

	c, err := New(Config{
		RedisURL:   "redis://" + mr.Addr(),
		Channel:    "events",
		NumWorkers: 2,
	}, processor, conn, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if c.State() != StateInit {
		t.Errorf("initial State() = %v, want %v", c.State(), StateInit)
	}

	runCtx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)

	go func() { done <- c.Start(runCtx) }()

	waitForState(t, c, StateRunning)

	payload, _ := json.Marshal(map[string]any{
		"topic":     "user.login",
		"event_id":  "evt-consumer-1",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"source":    "auth-service",
		"payload":   map[string]string{"user_id": "u1"},
	})

	if _, err := mr.Publish("events", string(payload)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)

	for {
		stats, statsErr := store.Stats(ctx)
		if statsErr == nil && stats.UniqueProcessed == 1 {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for event to be processed, stats=%+v err=%v", stats, statsErr)
		}

		time.Sleep(50 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() returned error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Start() to return after shutdown")
	}

	if c.State() != StateStopped {
		t.Errorf("final State() = %v, want %v", c.State(), StateStopped)
	}
}

func waitForState(t *testing.T, c *Consumer, want State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for {
		if c.State() == want {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %v, currently %v", want, c.State())
		}

		time.Sleep(10 * time.Millisecond)
	}
}
