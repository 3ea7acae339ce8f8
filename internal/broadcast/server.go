package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/config"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 4096
	clientSendBuf  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusFunc supplies the /status payload.
type StatusFunc func() interface{}

// SubscriptionHook is told when a client subscribes to a symbol channel so the
// feed layer can pick up the symbol.
type SubscriptionHook func(symbol string, subscribe bool)

// Server is the broadcast/ops HTTP server: /ws, /status, /metrics.
type Server struct {
	logger *zap.Logger
	config config.ServerConfig
	hub    *Hub
	srv    *http.Server

	status StatusFunc
	onSub  SubscriptionHook
}

// NewServer creates the server around hub.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, hub *Hub) *Server {
	return &Server{
		logger: logger.Named("server"),
		config: cfg,
		hub:    hub,
	}
}

// SetStatusFunc wires the /status payload supplier.
func (s *Server) SetStatusFunc(fn StatusFunc) { s.status = fn }

// SetSubscriptionHook wires the feed-layer subscription callback.
func (s *Server) SetSubscriptionHook(fn SubscriptionHook) { s.onSub = fn }

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.HandleFunc(s.config.WebSocketPath, s.handleWS)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.config.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler())
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("broadcast server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := interface{}(map[string]string{"status": "ok"})
	if s.status != nil {
		payload = s.status()
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("status encode failed", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:            uuid.NewString(),
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, clientSendBuf),
		subscriptions: make(map[string]bool),
	}
	s.hub.register <- client

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.unregister <- client
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case MsgTypeSubscribe:
			s.hub.Subscribe(client, msg.Channel)
			s.notifyFeed(msg.Channel, true)
		case MsgTypeUnsubscribe:
			s.hub.Unsubscribe(client, msg.Channel)
			s.notifyFeed(msg.Channel, false)
		}
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// notifyFeed extracts the symbol from "metrics:<SYMBOL>" style channels.
func (s *Server) notifyFeed(channel string, subscribe bool) {
	if s.onSub == nil {
		return
	}
	parts := strings.SplitN(channel, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return
	}
	s.onSub(parts[1], subscribe)
}
