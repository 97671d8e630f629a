package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/partner-proxy/pkg/client"
	"github.com/Sternrassler/partner-proxy/pkg/config"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
)

// Request and response headers.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderClientID      = "X-Client-ID"
	HeaderCacheCategory = "X-Cache-Category"
	HeaderCacheSource   = "X-Cache-Source"
)

type server struct {
	client         *client.Client
	requestTimeout time.Duration
	logger         zerolog.Logger
}

func newServer(cfg *config.Config, c *client.Client, logger zerolog.Logger) *server {
	return &server{
		client:         c,
		requestTimeout: cfg.Server.RequestTimeout,
		logger:         logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stats", s.statsHandler)
	mux.HandleFunc("GET /api/{operation...}", s.proxyHandler)
	mux.HandleFunc("DELETE /api/{operation...}", s.invalidateHandler)
	return s.requestID(mux)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports ready while at least one cache tier is in use.
func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	tiers := s.client.Cache().Available()
	if len(tiers) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "tiers": tiers})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "tiers": tiers})
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Stats())
}

// proxyHandler maps GET /api/{operation}?params to Client.Call.
func (s *server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	operation := r.PathValue("operation")
	params := queryParams(r)

	categoryName := r.Header.Get(HeaderCacheCategory)
	if categoryName == "" {
		categoryName = operation
	}
	category := s.client.CategoryFor(categoryName)

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	ctx = client.WithClientID(ctx, r.Header.Get(HeaderClientID))

	res, err := s.client.Call(ctx, operation, params, category, client.RetryPolicy{})
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}

	if res.RateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded", r))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(HeaderCacheSource, res.Source)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Value)
}

// invalidateHandler drops one cached response, or every response of the
// operation when no params are given.
func (s *server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	operation := r.PathValue("operation")
	params := queryParams(r)

	if len(params) > 0 {
		s.client.Invalidate(r.Context(), operation, params)
		writeJSON(w, http.StatusOK, map[string]any{"operation": operation, "params": params})
		return
	}
	n := s.client.InvalidateOperation(r.Context(), operation)
	writeJSON(w, http.StatusOK, map[string]any{"operation": operation, "removed": n})
}

// writeCallError maps a failed call to a status code:
// partner 4xx pass through, rate limits become 429, timeouts 504,
// a partner 503 stays 503 and every other failure is 502.
func (s *server) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway

	var ce *client.ClassifiedError
	if errors.As(err, &ce) {
		code := ce.StatusCode()
		switch {
		case ce.Class == client.ErrorClassRateLimited:
			status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(ce.RetryAfter)))
		case code >= 400 && code < 500:
			status = code
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case code == http.StatusServiceUnavailable:
			status = http.StatusServiceUnavailable
		}
	}

	logging.FromContext(r.Context(), "http").Warn().
		Err(err).
		Str("operation", r.PathValue("operation")).
		Int("status", status).
		Msg("Proxy call failed")

	writeJSON(w, status, errorBody(http.StatusText(status), r))
}

// requestID tags every request with an ID, echoed in the response and
// attached to the request's logger.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func queryParams(r *http.Request) map[string]string {
	query := r.URL.Query()
	params := make(map[string]string, len(query))
	for k, v := range query {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func errorBody(msg string, r *http.Request) map[string]string {
	return map[string]string{
		"error":      msg,
		"request_id": r.Header.Get(HeaderRequestID),
	}
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}
