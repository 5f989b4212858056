// Package consumer subscribes to the event bus and drives each delivered
// message through validation and the dedup pipeline on a bounded worker
// pool, following the Init -> Subscribed -> Running -> Draining -> Stopped
// lifecycle.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/aggregator-io/aggregator/internal/dedup"
	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/storage"
)

// State is a consumer lifecycle stage.
type State int32

const (
	StateInit State = iota
	StateSubscribed
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const defaultNumWorkers = 3

// ErrShutdownInProgress is logged (and only logged, since the bus is
// fire-and-forget with no re-delivery) when a delivery arrives after the
// consumer has moved to Draining.
var ErrShutdownInProgress = errors.New("consumer: shutdown in progress")

// Config holds the consumer's environment-driven settings: spec.md names
// REDIS_URL, REDIS_CHANNEL, and NUM_WORKERS directly.
type Config struct {
	RedisURL   string
	Channel    string
	NumWorkers int
}

// Consumer subscribes to a Redis pub/sub channel and dispatches each
// message to a bounded pool of workers, each running the full
// validate-then-dedup pipeline inside its own transaction.
type Consumer struct {
	client     *redis.Client
	channel    string
	numWorkers int

	validator *ingestion.Validator
	processor *dedup.Processor
	conn      *storage.Connection

	log *slog.Logger

	state    atomic.Int32
	dispatch chan *redis.Message
	wg       sync.WaitGroup
	pubsub   *redis.PubSub
}

// New builds a Consumer. conn supplies the per-event transactions the
// processor needs; processor must already be wired to the same conn/store.
func New(cfg Config, processor *dedup.Processor, conn *storage.Connection, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		log = slog.Default()
	}

	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = defaultNumWorkers
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("consumer: parse REDIS_URL: %w", err)
	}

	c := &Consumer{
		client:     redis.NewClient(opts),
		channel:    cfg.Channel,
		numWorkers: numWorkers,
		validator:  ingestion.NewValidator(),
		processor:  processor,
		conn:       conn,
		log:        log,
		dispatch:   make(chan *redis.Message),
	}
	c.state.Store(int32(StateInit))

	return c, nil
}

// State returns the consumer's current lifecycle stage.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Start subscribes to the configured channel, spins up the worker pool,
// and blocks consuming deliveries until ctx is cancelled (typically by a
// SIGINT/SIGTERM handler upstream). If the subscription fails it returns
// that error while still in Init, without starting any workers; otherwise
// it returns nil after a clean
// Init -> Subscribed -> Running -> Draining -> Stopped transition.
func (c *Consumer) Start(ctx context.Context) error {
	c.pubsub = c.client.Subscribe(ctx, c.channel)

	if _, err := c.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("consumer: subscribe to %q: %w", c.channel, err)
	}

	c.state.Store(int32(StateSubscribed))
	c.log.InfoContext(ctx, "subscribed to channel", "channel", c.channel)

	for i := 0; i < c.numWorkers; i++ {
		c.wg.Add(1)

		go c.worker(ctx)
	}

	c.state.Store(int32(StateRunning))
	c.log.InfoContext(ctx, "consumer running", "workers", c.numWorkers)

	ch := c.pubsub.Channel()

receiveLoop:
	for {
		select {
		case <-ctx.Done():
			break receiveLoop
		case msg, ok := <-ch:
			if !ok {
				break receiveLoop
			}

			if c.State() != StateRunning {
				c.log.WarnContext(ctx, "dropping delivery", "error", ErrShutdownInProgress)

				continue
			}

			c.dispatch <- msg
		}
	}

	c.drain(ctx)

	return nil
}

// drain moves Running -> Draining -> Stopped: it stops accepting new
// deliveries, closes the dispatch channel so workers exit once they've
// finished any in-flight event, and waits for them.
func (c *Consumer) drain(ctx context.Context) {
	c.state.Store(int32(StateDraining))
	c.log.InfoContext(ctx, "draining consumer")

	close(c.dispatch)
	c.wg.Wait()

	if c.pubsub != nil {
		_ = c.pubsub.Unsubscribe(context.Background(), c.channel)
		_ = c.pubsub.Close()
	}

	_ = c.client.Close()

	c.state.Store(int32(StateStopped))
	c.log.InfoContext(ctx, "consumer stopped")
}

// worker pulls messages off the dispatch channel until it's closed,
// running each through validation and the dedup processor inside its own
// transaction. It never returns early on a single message's failure.
func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()

	for msg := range c.dispatch {
		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg *redis.Message) {
	event, err := ingestion.Parse([]byte(msg.Payload))
	if err != nil {
		c.log.ErrorContext(ctx, "malformed event payload", "error", err)

		return
	}

	if err := c.validator.Validate(event); err != nil {
		var ve *ingestion.ValidationError
		if errors.As(err, &ve) {
			c.log.ErrorContext(ctx, "invalid event schema", "field", ve.Field, "error", err)
		} else {
			c.log.ErrorContext(ctx, "invalid event", "error", err)
		}

		return
	}

	tx, err := c.conn.BeginEventTx(ctx)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to begin transaction", "error", err)

		return
	}

	ok, outcome, err := c.processor.Process(ctx, tx, event)
	if outcome == dedup.OutcomeProcessed {
		if commitErr := tx.Commit(); commitErr != nil {
			c.log.ErrorContext(ctx, "failed to commit processed event", "error", commitErr)
		}
	}

	if !ok {
		c.log.WarnContext(ctx, "failed to process event",
			"topic", event.Topic, "event_id", event.EventID, "outcome", outcome, "error", err)
	}
}
