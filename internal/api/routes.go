// Package api provides the HTTP query-and-publish surface for the aggregator.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aggregator-io/aggregator/internal/api/middleware"
	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/query"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxPublishBody     = 1 << 20 // 1 MiB, matches ingestion.Parse's bound
)

type (
	// Info represents the root API info response structure.
	Info struct {
		Service string `json:"service"`
		Version string `json:"version"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status string `json:"status"`
		Uptime string `json:"uptime,omitempty"`
	}

	// PublishResponse is returned after an event is republished onto the bus.
	PublishResponse struct {
		Topic   string `json:"topic"`
		EventID string `json:"event_id"` //nolint:tagliatelle
		Status  string `json:"status"`
	}

	// EventsResponse wraps a page of processed events.
	EventsResponse struct {
		Topic  string                  `json:"topic,omitempty"`
		Limit  int                     `json:"limit"`
		Offset int                     `json:"offset"`
		Events []*query.ProcessedEvent `json:"events"`
	}

	// TopicsResponse wraps the distinct topic listing.
	TopicsResponse struct {
		Topics []string `json:"topics"`
	}
)

// setupRoutes registers all HTTP routes for the query-and-publish API.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /topics", s.handleTopics)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleInfo responds with basic service identification.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, Info{
		Service: "aggregator",
		Version: "v1.0.0-dev",
	})
}

// handleHealth reports service health, including a dependency probe on the
// durable store. Returns 503 when the dependency check fails so that an
// orchestrator stops routing traffic to this instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	if s.conn != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.conn.HealthCheck(ctx); err != nil {
			s.logger.Error("dependency health check failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)

			s.writeJSON(w, r, http.StatusServiceUnavailable, HealthStatus{
				Status: "unavailable",
				Uptime: uptime,
			})

			return
		}
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status: "healthy",
		Uptime: uptime,
	})
}

// handlePublish accepts a single JSON event and republishes it onto the bus.
// It does not write the durable store directly — ingestion always flows
// through the subscription consumer, so a published event is subject to the
// same validation and dedup path as any other message on the channel.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable, "Service Unavailable", "publishing is not configured",
		))

		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	event, err := ingestion.Parse(body)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.validator.Validate(event); err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	if err := s.publisher.Publish(r.Context(), s.channel, body).Err(); err != nil {
		s.logger.Error("failed to publish event",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("topic", event.Topic),
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to publish event"))

		return
	}

	s.writeJSON(w, r, http.StatusAccepted, PublishResponse{
		Topic:   event.Topic,
		EventID: event.EventID,
		Status:  "published",
	})
}

// handleEvents lists processed events, optionally filtered by topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	limit := parseIntParam(r, "limit", query.DefaultLimit)
	offset := parseIntParam(r, "offset", 0)

	events, err := s.surface.ListEvents(r.Context(), topic, limit, offset)
	if err != nil {
		s.logger.Error("failed to list events",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list events"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, EventsResponse{
		Topic:  topic,
		Limit:  limit,
		Offset: offset,
		Events: events,
	})
}

// handleStats reports aggregate counters, topic count, and uptime.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.surface.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to load stats",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to load stats"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, stats)
}

// handleTopics lists the distinct topics seen so far.
func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.surface.Topics(r.Context())
	if err != nil {
		s.logger.Error("failed to list topics",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list topics"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, TopicsResponse{Topics: topics})
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return value
}
