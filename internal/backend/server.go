// Package backend is a reference support server speaking the ticket, message,
// assistant-stream and push protocol the widget uses. It backs development,
// demos and integration tests.
package backend

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"helpdesk/internal/alert"
	"helpdesk/internal/metrics"

	"github.com/gorilla/mux"
)

// UploadsPrefix is the URL path attachments are served under.
const UploadsPrefix = "/uploads"

type Config struct {
	Addr           string
	APIKey         string
	Store          *Store
	Uploads        *Uploads
	Assistant      *Assistant
	StreamDelay    time.Duration
	RateLimit      bool
	RPS            float64
	Burst          int
	Alerter        alert.Alerter
	Metrics        *metrics.Server
	MetricsHandler http.Handler
	MetricsPath    string
	Logger         *slog.Logger
}

type Server struct {
	addr        string
	apiKey      string
	store       *Store
	uploads     *Uploads
	assistant   *Assistant
	streamDelay time.Duration
	alerter     alert.Alerter
	metrics     *metrics.Server
	limiters    *limiterPool
	hub         *Hub
	logger      *slog.Logger
	router      *mux.Router
	started     time.Time
}

func New(cfg Config) *Server {
	if cfg.Assistant == nil {
		cfg.Assistant = DefaultAssistant()
	}
	if cfg.Alerter == nil {
		cfg.Alerter = alert.Log{Logger: cfg.Logger}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		addr:        cfg.Addr,
		apiKey:      cfg.APIKey,
		store:       cfg.Store,
		uploads:     cfg.Uploads,
		assistant:   cfg.Assistant,
		streamDelay: cfg.StreamDelay,
		alerter:     cfg.Alerter,
		metrics:     cfg.Metrics,
		hub:         NewHub(cfg.Logger, cfg.Metrics),
		logger:      cfg.Logger,
		started:     time.Now(),
	}
	if cfg.RateLimit {
		s.limiters = newLimiterPool(cfg.RPS, cfg.Burst)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tickets", s.handleListTickets).Methods(http.MethodGet)
	api.HandleFunc("/tickets", s.handleCreateTicket).Methods(http.MethodPost)
	api.HandleFunc("/tickets/messages", s.handleAppendMessage).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id}", s.handleGetTicket).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{id}", s.handleUpdateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/tickets/{id}/ws", s.handlePush).Methods(http.MethodGet)
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.Use(s.authMiddleware, s.rateLimitMiddleware)

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler).Methods(http.MethodGet)
	}
	if s.uploads != nil {
		r.PathPrefix(UploadsPrefix + "/").Handler(
			http.StripPrefix(UploadsPrefix+"/", http.FileServer(http.Dir(s.uploads.Dir()))),
		).Methods(http.MethodGet)
	}
	r.Use(s.loggingMiddleware)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("support backend starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- Middleware ---

// statusRecorder captures the response code while keeping the streaming and
// hijacking capabilities of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, rec.status, start)
		s.logger.Debug("http request processed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if len(auth) <= 7 || !strings.EqualFold(auth[:7], "bearer ") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[7:])), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				s.logger.Warn("request unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiters != nil && !s.limiters.Allow(clientIP(r)) {
			s.metrics.Limited()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			s.logger.Warn("rate limited", "path", r.URL.Path, "remote", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) notify(a alert.Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.alerter.Alert(ctx, a); err != nil {
			s.logger.Warn("alert failed", "kind", a.Kind, "ticket", a.TicketID, "err", err)
		}
	}()
}
