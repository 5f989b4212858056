// Package main provides a synthetic load generator for the aggregator's
// pub/sub channel. It publishes a mix of unique and duplicate events so the
// consumer's dedup path can be exercised end to end without a live upstream
// producer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aggregator-io/aggregator/internal/config"
)

const (
	version = "1.0.0-dev"
	name    = "publisher"
)

var topics = []string{
	"user.login",
	"user.logout",
	"user.register",
	"order.created",
	"order.completed",
	"order.cancelled",
	"payment.processed",
	"payment.failed",
	"inventory.updated",
	"notification.sent",
}

var paymentMethods = []string{"credit_card", "debit_card", "paypal", "bank_transfer"}

var priorities = []string{"low", "medium", "high"}

type wireEvent struct {
	Topic     string          `json:"topic"`
	EventID   string          `json:"event_id"` //nolint:tagliatelle
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	redisURL := config.GetEnvStr("REDIS_URL", "redis://localhost:6379")
	channel := config.GetEnvStr("REDIS_CHANNEL", "events")
	totalEvents := config.GetEnvInt("TOTAL_EVENTS", 25000)
	duplicationRate := getEnvFloat("DUPLICATION_RATE", 0.35)
	batchSize := config.GetEnvInt("BATCH_SIZE", 100)

	logger.Info("starting publisher",
		slog.String("service", name),
		slog.String("version", version),
		slog.Int("total_events", totalEvents),
		slog.Float64("duplication_rate", duplicationRate),
		slog.Int("batch_size", batchSize),
	)

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Error("failed to parse REDIS_URL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := redis.NewClient(opts)
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to reach redis", slog.String("error", err.Error()))
		os.Exit(1)
	}

	run(ctx, client, channel, totalEvents, duplicationRate, batchSize, logger)
}

// run publishes targetUnique fresh events followed by targetDuplicates
// events that reuse an earlier event_id and topic, mirroring the
// duplication-rate split of the reference load generator this was derived
// from: duplicationRate is the number of re-sends of an already-published
// event_id per unique event, so re-sends make up
// duplicationRate / (1 + duplicationRate) of all published events.
func run(
	ctx context.Context,
	client *redis.Client,
	channel string,
	totalEvents int,
	duplicationRate float64,
	batchSize int,
	logger *slog.Logger,
) {
	start := time.Now()

	targetUnique := int(float64(totalEvents) / (1 + duplicationRate))
	targetDuplicates := totalEvents - targetUnique

	published := make([]wireEvent, 0, targetUnique)

	logger.Info("generating unique events", slog.Int("target", targetUnique))

	for i := 0; i < targetUnique; i++ {
		event := generateEvent("")
		publish(ctx, client, channel, event, logger)
		published = append(published, event)

		if (i+1)%batchSize == 0 {
			logger.Info("unique events progress", slog.Int("done", i+1), slog.Int("target", targetUnique))
			time.Sleep(100 * time.Millisecond)
		}
	}

	logger.Info("generating duplicate events", slog.Int("target", targetDuplicates))

	for i := 0; i < targetDuplicates; i++ {
		original := published[rand.Intn(len(published))] //nolint:gosec
		duplicate := generateEvent(original.EventID)
		duplicate.Topic = original.Topic

		publish(ctx, client, channel, duplicate, logger)

		if (i+1)%batchSize == 0 {
			logger.Info("duplicate events progress", slog.Int("done", i+1), slog.Int("target", targetDuplicates))
			time.Sleep(100 * time.Millisecond)
		}
	}

	elapsed := time.Since(start)
	totalPublished := targetUnique + targetDuplicates

	logger.Info("publishing complete",
		slog.Int("published", totalPublished),
		slog.Int("unique", targetUnique),
		slog.Int("duplicates", targetDuplicates),
		slog.Duration("elapsed", elapsed),
		slog.Float64("events_per_sec", float64(totalPublished)/elapsed.Seconds()),
	)
}

func publish(ctx context.Context, client *redis.Client, channel string, event wireEvent, logger *slog.Logger) {
	body, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event", slog.String("error", err.Error()))

		return
	}

	if err := client.Publish(ctx, channel, body).Err(); err != nil {
		logger.Error("failed to publish event",
			slog.String("topic", event.Topic),
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
	}
}

// generateEvent builds a synthetic event on a random topic. When eventID is
// non-empty it's reused verbatim so the caller can mint a deliberate
// duplicate of an earlier event_id.
func generateEvent(eventID string) wireEvent {
	if eventID == "" {
		eventID = fmt.Sprintf("evt_%s", uuid.New().String()[:16])
	}

	topic := topics[rand.Intn(len(topics))] //nolint:gosec

	return wireEvent{
		Topic:     topic,
		EventID:   eventID,
		Timestamp: time.Now().UTC(),
		Source:    fmt.Sprintf("publisher-%d", rand.Intn(5)+1), //nolint:gosec
		Payload:   generatePayload(topic),
	}
}

func generatePayload(topic string) json.RawMessage {
	var payload map[string]interface{}

	switch {
	case hasPrefix(topic, "user."):
		payload = map[string]interface{}{
			"user_id":    fmt.Sprintf("user_%d", rand.Intn(9000)+1000), //nolint:gosec
			"ip_address": fmt.Sprintf("192.168.%d.%d", rand.Intn(255)+1, rand.Intn(255)+1), //nolint:gosec
			"user_agent": "Mozilla/5.0",
		}
	case hasPrefix(topic, "order."):
		payload = map[string]interface{}{
			"order_id": fmt.Sprintf("ord_%s", uuid.New().String()[:12]),
			"user_id":  fmt.Sprintf("user_%d", rand.Intn(9000)+1000), //nolint:gosec
			"amount":   roundTo2(rand.Float64()*990 + 10),            //nolint:gosec
			"items":    rand.Intn(10) + 1,                            //nolint:gosec
		}
	case hasPrefix(topic, "payment."):
		payload = map[string]interface{}{
			"payment_id": fmt.Sprintf("pay_%s", uuid.New().String()[:12]),
			"order_id":   fmt.Sprintf("ord_%s", uuid.New().String()[:12]),
			"amount":     roundTo2(rand.Float64()*990 + 10), //nolint:gosec
			"method":     paymentMethods[rand.Intn(len(paymentMethods))], //nolint:gosec
		}
	case hasPrefix(topic, "inventory."):
		payload = map[string]interface{}{
			"product_id": fmt.Sprintf("prod_%d", rand.Intn(900)+100), //nolint:gosec
			"quantity":   rand.Intn(150) - 50,                        //nolint:gosec
			"warehouse":  fmt.Sprintf("WH-%d", rand.Intn(5)+1),        //nolint:gosec
		}
	default:
		payload = map[string]interface{}{
			"message":  fmt.Sprintf("Event data for %s", topic),
			"priority": priorities[rand.Intn(len(priorities))], //nolint:gosec
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage("{}")
	}

	return data
}

func hasPrefix(topic, prefix string) bool {
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}

	return defaultValue
}
