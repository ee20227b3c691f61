// Package web serves the worker's status surface: readiness,
// Prometheus metrics, queue statistics, and a live SSE event feed.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"streamq-worker/internal/broker"
	"streamq-worker/internal/events"
	"streamq-worker/internal/stats"
)

type Server struct {
	rdb      redis.UniversalClient
	addr     string
	workerID string
	queues   []string
	source   broker.Source
	cm       *stats.RedisConsumerManager
	token    string
	limiter  *probeLimiter
	allow    *CIDRAllowlist
	events   *events.Broker
}

type ServerConfig struct {
	Addr      string
	WorkerID  string
	Queues    []string
	Token     string
	Allowlist *CIDRAllowlist
}

func NewServer(rdb redis.UniversalClient, cfg ServerConfig, source broker.Source, cm *stats.RedisConsumerManager, feed *events.Broker) *Server {
	return &Server{
		rdb:      rdb,
		addr:     cfg.Addr,
		workerID: cfg.WorkerID,
		queues:   cfg.Queues,
		source:   source,
		cm:       cm,
		token:    cfg.Token,
		limiter:  newProbeLimiter(DefaultProbeLimit, DefaultProbeWindow, DefaultProbeMaxEntries),
		allow:    cfg.Allowlist,
		events:   feed,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/events", s.handleEvents)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Status server shutdown error", "error", err)
		}
	}()

	return server.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		slog.Warn("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}

type queueStats struct {
	Name      string `json:"name"`
	Depth     int64  `json:"depth"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	out := struct {
		WorkerID string       `json:"worker_id"`
		Queues   []queueStats `json:"queues"`
		TS       time.Time    `json:"ts"`
	}{WorkerID: s.workerID, TS: time.Now()}

	for _, queue := range s.queues {
		qs := queueStats{Name: queue}
		if depth, err := s.source.Depth(r.Context(), queue); err == nil {
			qs.Depth = depth
		}
		if succeeded, failed, err := s.cm.Snapshot(r.Context(), queue); err == nil {
			qs.Succeeded = succeeded
			qs.Failed = failed
		}
		out.Queues = append(out.Queues, qs)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if s.events == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("events not configured"))
		return
	}
	filter := parseEventFilter(r)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("streaming unsupported"))
		return
	}

	ch, cancel, snapshot := s.events.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if !filter.Matches(event) {
			continue
		}
		if err := writeEvent(w, event); err != nil {
			return
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		limited := !s.limiter.allow(host, time.Now())
		slog.Warn("Denied request",
			"path", r.URL.Path,
			"method", r.Method,
			"remote_host", host,
			"reason", "allowlist",
			"rate_limited", limited)
		if limited {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limited"))
		} else {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("forbidden"))
		}
		return false
	}
	if s.token == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if strings.TrimSpace(authHeader[len("bearer "):]) == s.token {
			return true
		}
	}
	limited := !s.limiter.allow(host, time.Now())
	slog.Warn("Unauthorized request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_host", host,
		"rate_limited", limited)
	if limited {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	} else {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized"))
	}
	return false
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
