package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/connection"
	"github.com/ent0n29/chorus/internal/hub"
	"github.com/ent0n29/chorus/internal/observability"
)

const (
	readLimit    = 4 << 20
	writeTimeout = 10 * time.Second
)

type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	registry *connection.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, h *hub.Hub, registry *connection.Registry, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		hub:      h,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless the
				// operator opted out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/v1/ws", s.handleWS)
	r.Get("/v1/queue/status", s.handleQueueStatus)
	r.Get("/v1/queue/history", s.handleQueueHistory)
	r.Get("/v1/stages", s.handleStages)

	return otelhttp.NewHandler(r, "chorus.http")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := s.hub.Queue().Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"connections":     s.registry.Count(),
		"max_connections": s.cfg.MaxConnections,
		"queue_pending":   snap.Pending,
		"queue_in_flight": snap.InFlight,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, hub.QueueMetrics(s.hub.Queue().Snapshot()))
}

func (s *Server) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	minutes := 5
	if raw := strings.TrimSpace(r.URL.Query().Get("minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_minutes", "minutes must be a positive integer")
			return
		}
		minutes = n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"minutes":   minutes,
		"snapshots": hub.QueueHistory(s.hub.Queue().History(time.Duration(minutes) * time.Minute)),
	})
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
			"over_budget":  []string{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.registry.Count() >= s.cfg.MaxConnections {
		respondError(w, http.StatusServiceUnavailable, "capacity", connection.ErrCapacity.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client, err := s.hub.Connect(&wsTransport{conn: conn}, r.RemoteAddr)
	if err != nil {
		// Lost the race for the last slot.
		s.logger.Warn("websocket rejected", "remote_addr", r.RemoteAddr, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "capacity"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	uid := client.UID
	logger := s.logger.With("client_uid", uid)
	logger.Info("client connected", "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readTimeout := s.cfg.HeartbeatTimeout
	if readTimeout <= 0 {
		readTimeout = 90 * time.Second
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		s.registry.Touch(uid)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go ping(ctx, conn, readTimeout/3)

	reason := "client_closed"
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "connection_lost"
				logger.Debug("websocket read failed", "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := s.hub.Handle(ctx, uid, data); err != nil {
			logger.Debug("inbound message failed", "error", err)
		}
	}

	cancel()
	s.hub.Disconnect(uid, reason)
	logger.Info("client disconnected", "reason", reason)
}

func ping(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl may run concurrently with the registry writer.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// wsTransport adapts a websocket to connection.Transport. The registry's
// writer goroutine is the only caller of WriteJSON.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
