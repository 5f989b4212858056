// Package main provides the aggregator service: a subscription consumer
// draining a pub/sub channel into a durable, deduplicated store, plus an
// HTTP surface for publishing and querying it.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aggregator-io/aggregator/internal/api"
	"github.com/aggregator-io/aggregator/internal/api/middleware"
	"github.com/aggregator-io/aggregator/internal/consumer"
	"github.com/aggregator-io/aggregator/internal/dedup"
	"github.com/aggregator-io/aggregator/internal/query"
	"github.com/aggregator-io/aggregator/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "aggregator"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting aggregator service",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("failed to connect to durable store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		_ = conn.Close()
	}()

	store := storage.NewStore(conn)
	processor := dedup.NewProcessor(store, conn, logger)

	consumerConfig := consumer.LoadConfig()

	sub, err := consumer.New(consumerConfig, processor, conn, logger)
	if err != nil {
		logger.Error("failed to create subscription consumer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	publisherOpts, err := redis.ParseURL(consumerConfig.RedisURL)
	if err != nil {
		logger.Error("failed to parse REDIS_URL for publisher client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	publisher := redis.NewClient(publisherOpts)
	defer func() {
		_ = publisher.Close()
	}()

	surface := query.New(store, time.Now().UTC())

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())
	defer rateLimiter.Close()

	server := api.NewServer(&serverConfig, surface, conn, publisher, consumerConfig.Channel, rateLimiter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-stop
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := sub.Start(ctx); err != nil {
			logger.Error("subscription consumer stopped with error", slog.String("error", err.Error()))
		}
	}()

	if err := server.Start(ctx); err != nil {
		logger.Error("query API stopped with error", slog.String("error", err.Error()))
		cancel()
	}

	wg.Wait()

	logger.Info("aggregator service stopped")
}
