// Package monitor provides the diagnostic HTTP server: live LocoNet
// traffic streamed to WebSocket clients on /ws and the metrics registry
// exposed on /metrics for Prometheus scraping.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"loconetd/pkg/log"
	"loconetd/pkg/loconet"
	"loconetd/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// per-client buffered frames; slow clients drop traffic rather
	// than stall the fan-out
	clientQueueSize = 256
)

// FrameEvent is the JSON record published for every bus frame.
type FrameEvent struct {
	Time      string `json:"time"`
	Direction string `json:"direction"` // "tx" or "rx"
	Opcode    string `json:"opcode"`
	Raw       string `json:"raw"`
}

// Server is the diagnostic HTTP/WebSocket server.
type Server struct {
	logger   *log.Logger
	registry *metrics.Registry

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[int64]*client
	nextID  int64

	running   atomic.Bool
	startTime time.Time
}

type client struct {
	id   int64
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a monitor server listening on addr.
func NewServer(addr string, registry *metrics.Registry) *Server {
	s := &Server{
		logger:   log.GetLogger("monitor"),
		registry: registry,
		clients:  make(map[int64]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	if s.running.Swap(true) {
		return
	}
	s.startTime = time.Now()
	go func() {
		s.logger.Info("listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve: %v", err)
		}
	}()
}

// Shutdown stops the server and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}

	s.mu.Lock()
	for _, c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[int64]*client)
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// HandleMessage publishes one bus frame to all connected clients. Wired
// as the kernel's message tap; runs on the kernel's event loop and never
// blocks.
func (s *Server) HandleMessage(tx bool, m loconet.Message) {
	if !s.running.Load() {
		return
	}

	direction := "rx"
	if tx {
		direction = "tx"
	}
	data, err := json.Marshal(FrameEvent{
		Time:      time.Now().Format(time.RFC3339Nano),
		Direction: direction,
		Opcode:    m.Opcode().String(),
		Raw:       m.String(),
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			// slow client, skip this frame
		}
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, s.registry.Gather())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":   int(time.Since(s.startTime).Seconds()),
		"websocket_count":  clients,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade: %v", err)
		return
	}

	c := &client{
		id:   atomic.AddInt64(&s.nextID, 1),
		conn: conn,
		send: make(chan []byte, clientQueueSize),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("client %d connected from %s", c.id, r.RemoteAddr)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// readPump discards client input and detects disconnects.
func (s *Server) readPump(c *client) {
	defer s.removeClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("client %d: %v", c.id, err)
			}
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
