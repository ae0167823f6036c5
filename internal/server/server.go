package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/Dancode-188/padsync/internal/config"
	"github.com/Dancode-188/padsync/internal/metrics"
	"github.com/Dancode-188/padsync/internal/security"
	"github.com/Dancode-188/padsync/internal/session"
	"github.com/Dancode-188/padsync/internal/storage"
	"github.com/Dancode-188/padsync/internal/websocket"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// Deps are the components the server exposes over HTTP
type Deps struct {
	Manager  *session.Manager
	Backend  storage.Backend
	Security *security.Manager
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	hub      *websocket.Hub
	manager  *session.Manager
	backend  storage.Backend
	security *security.Manager
	metrics  *metrics.Metrics
	log      zerolog.Logger
	upgrader gorilla.Upgrader
	server   *http.Server
}

// New creates a new server and starts its connection hub
func New(cfg *config.Config, deps Deps) *Server {
	hub := websocket.NewHub(deps.Metrics, deps.Logger)
	go hub.Run()

	s := &Server{
		config:   cfg,
		hub:      hub,
		manager:  deps.Manager,
		backend:  deps.Backend,
		security: deps.Security,
		metrics:  deps.Metrics,
		log:      deps.Logger.With().Str("component", "http").Logger(),
	}
	s.upgrader = gorilla.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("GET /documents/{path...}", s.handleDocument)
	mux.HandleFunc("GET /history/{path...}", s.handleHistory)
	mux.HandleFunc("GET /presence/{path...}", s.handlePresence)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and closes every websocket
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "padsync",
		"version":     version,
		"description": "Collaborative plain-text editing server",
		"endpoints": map[string]string{
			"health":    "/health",
			"ws":        "/ws",
			"metrics":   "/metrics",
			"documents": "/documents/{path}",
			"history":   "/history/{path}?since={revision}",
			"presence":  "/presence/{path}",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	storageStatus := "ok"
	if ok, err := s.backend.HealthCheck(ctx); !ok {
		status, code = "unhealthy", http.StatusServiceUnavailable
		storageStatus = "unavailable"
		if err != nil {
			storageStatus = err.Error()
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"timestamp":   time.Now().Format(time.RFC3339),
		"version":     version,
		"storage":     storageStatus,
		"sessions":    s.manager.Stats(),
		"connections": s.hub.Count(),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	names, err := s.backend.ListDocuments(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list documents failed")
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": names})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	document := "/" + r.PathValue("path")
	text, revision, err := s.manager.Peek(r.Context(), document)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document": document,
		"revision": revision,
		"text":     text,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a revision number")
			return
		}
		since = n
	}

	history, err := s.manager.History(r.Context(), "/"+r.PathValue("path"), since)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	document := "/" + r.PathValue("path")
	peers, err := s.manager.Peers(r.Context(), document)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document": document,
		"peers":    peers,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.security != nil && !s.security.Connections.TryAdd(ip) {
		writeError(w, http.StatusTooManyRequests, "too many connections")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		if s.security != nil {
			s.security.Connections.Remove(ip)
		}
		return
	}

	conn := websocket.NewConnection(uuid.NewString(), ws, s.hub, websocket.Options{
		ClientIP:      ip,
		SendQueueSize: s.config.Session.SendQueueSize,
		Manager:       s.manager,
		Security:      s.security,
		Metrics:       s.metrics,
		Logger:        s.log,
	})
	if !s.hub.Add(conn) {
		if s.security != nil {
			s.security.Connections.Remove(ip)
		}
		ws.Close()
		return
	}

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) originAllowed(origin string) bool {
	origins := s.config.CORSOrigins
	if origin == "" || len(origins) == 0 || slices.Contains(origins, "*") {
		return true
	}
	return slices.Contains(origins, origin)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
