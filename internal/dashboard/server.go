// Package dashboard serves a read-only HTTP+WebSocket observability
// surface over the clone manager's task map (spec SPEC_FULL.md §4.10):
// GET /api/tasks, GET /api/tasks/{id}, GET /api/status, and a WebSocket
// at /ws broadcasting task-state-change events as the Completion
// Dispatcher and State Machine advance tasks. It never mutates a task —
// cancel/remove stay CLI/API-only, per spec.md §6's caller API — so this
// package stays an observability window, not a control surface.
//
// Grounded on the teacher's internal/dashboard: the HTTP routing and
// WebSocket hub/client/broadcast plumbing are carried over near-verbatim
// (they're domain-agnostic infrastructure); only the data source and
// route set changed from raw SQL over an epic/task schema to
// manager.Manager's in-memory task snapshots.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cloneforge/clonemgr/internal/manager"
	"github.com/gorilla/websocket"
)

// Server is the dashboard HTTP server.
type Server struct {
	mgr    *manager.Manager
	hub    *Hub
	addr   string
	server *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr    string
	Manager *manager.Manager
}

// New creates a new dashboard server bound to mgr.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("dashboard: a manager is required")
	}
	s := &Server{
		mgr:  cfg.Manager,
		hub:  newHub(),
		addr: cfg.Addr,
	}
	SetGlobal(s)
	return s, nil
}

// Start starts the HTTP server; blocks until it exits.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	go s.hub.run()
	go s.broadcastStats()

	log.Printf("dashboard: listening at http://localhost%s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Broadcast pushes an event to every connected WebSocket client.
func (s *Server) Broadcast(eventType string, data any) {
	s.hub.broadcast <- Event{Type: eventType, Data: data}
}

func (s *Server) broadcastStats() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		stats, err := s.getStatus()
		if err != nil {
			continue
		}
		s.Broadcast(EventStatsUpdate, stats)
	}
}

// Hub manages WebSocket connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// Event is a WebSocket event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client represents a WebSocket client.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			msg, _ := json.Marshal(event)
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
