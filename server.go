package main

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oszuidwest/zwfm-sounddose/internal/config"
	"github.com/oszuidwest/zwfm-sounddose/internal/server"
	"github.com/oszuidwest/zwfm-sounddose/internal/sounddose"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

const (
	statusInterval = 3 * time.Second
	ingestMaxFrame = 1 << 20 // Largest accepted PCM message in bytes
)

// Server is an HTTP server exposing the sound dose command protocol, the PCM
// ingest endpoint and the REST API.
type Server struct {
	config   *config.Config
	manager  *sounddose.Manager
	commands *server.CommandHandler
	metrics  http.Handler
}

// NewServer returns a new Server. metrics serves /metrics and may be nil.
func NewServer(cfg *config.Config, manager *sounddose.Manager, metrics http.Handler) *Server {
	return &Server{
		config:   cfg,
		manager:  manager,
		commands: server.NewCommandHandler(manager, cfg),
		metrics:  metrics,
	}
}

// handleWebSocket handles bidirectional WebSocket communication for dose commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := server.NewClient()
	statusUpdate := make(chan struct{}, 1)
	slog.Info("command connection opened", "connection_id", client.ID(), "remote", r.RemoteAddr)

	// Writer goroutine - sole writer to the connection
	go s.runWebSocketWriter(conn, client)

	// Reader goroutine - handles incoming commands
	go s.runWebSocketReader(conn, client, statusUpdate)

	s.runWebSocketEventLoop(client, statusUpdate)
	slog.Info("command connection closed", "connection_id", client.ID())
}

// runWebSocketWriter writes queued messages to the connection until the client is gone.
func (s *Server) runWebSocketWriter(conn *websocket.Conn, client *server.Client) {
	defer func() {
		client.Close()
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for {
		select {
		case <-client.Done():
			return
		case msg := <-client.Send():
			if err := conn.WriteJSON(msg); err != nil {
				slog.Debug("WebSocket write failed", "connection_id", client.ID(), "error", err)
				return
			}
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn *websocket.Conn, client *server.Client, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "connection_id", client.ID(), "panic", r)
		}
		client.Close()
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, client)

		select {
		case statusUpdate <- struct{}{}:
		default:
		}
	}
}

// runWebSocketEventLoop pushes periodic status updates until the client is gone.
func (s *Server) runWebSocketEventLoop(client *server.Client, statusUpdate <-chan struct{}) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	server.SendData(client.Send(), s.buildWSStatus())

	for {
		select {
		case <-client.Done():
			return
		case <-statusUpdate:
			server.SendData(client.Send(), s.buildWSStatus())
		case <-ticker.C:
			server.SendData(client.Send(), s.buildWSStatus())
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:            "status",
		Dose:            s.manager.Status(),
		Version:         Version,
		ProtocolVersion: server.ProtocolVersion,
	}
}

// handleIngest accepts a PCM stream and feeds it to the stream's processor.
// GET /ingest?stream=&device=&rate=&channels=&format=
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	params, err := server.ParseIngestParams(r.URL.Query())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err})
		return
	}

	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("ingest upgrade failed", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("ingest close error", "error", err)
		}
	}()
	conn.SetReadLimit(ingestMaxFrame)

	if err := server.RunIngest(conn, s.manager, params); err != nil {
		slog.Warn("ingest stream failed", "stream", params.Stream, "error", err)
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Public routes (no auth required)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	// API key protected routes
	mux.HandleFunc("/ws", s.apiKeyAuth(s.handleWebSocket))
	mux.HandleFunc("/ingest", s.apiKeyAuth(s.handleIngest))
	mux.HandleFunc("/api/csd", s.apiKeyAuth(s.handleAPICsd))
	mux.HandleFunc("/api/rs2", s.apiKeyAuth(s.handleAPIRs2))
	mux.HandleFunc("/api/records", s.apiKeyAuth(s.handleAPIRecords))
	mux.HandleFunc("/api/dump", s.apiKeyAuth(s.handleAPIDump))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware for API key authentication.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.Snapshot().APIKey
		if apiKey == "" {
			http.Error(w, "API key not configured", http.StatusServiceUnavailable)
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// HTTPServer returns an [http.Server] for all application routes on the
// configured port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Snapshot().Port),
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
