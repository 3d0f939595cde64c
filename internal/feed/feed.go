// Package feed pushes subscriber change events to websocket clients as JSON.
package feed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/variantsync/internal/core/events/bus"
	"github.com/zeusync/variantsync/internal/core/metrics"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants/subscriber"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
	// allRoom receives the events of every subscriber.
	allRoom = ""
)

// Message is the JSON form of a subscriber change event.
type Message struct {
	Subscriber string    `json:"subscriber"`
	Type       string    `json:"type"`
	Origin     string    `json:"origin"`
	Paths      []string  `json:"paths"`
	Time       time.Time `json:"time"`
}

// NewMessage converts ev.
func NewMessage(ev subscriber.ChangeEvent) Message {
	return Message{
		Subscriber: ev.Subscriber,
		Type:       ev.Type,
		Origin:     string(ev.Origin),
		Paths:      resource.Paths(ev.Resources),
		Time:       time.Now().UTC(),
	}
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Server groups clients into rooms, one per subscriber name. Clients pick a
// room with the subscriber query parameter; without it they get every event.
type Server struct {
	upgrader websocket.Upgrader
	log      log.Log

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}
	count int

	srv    *http.Server
	closed bool
}

func New(logger log.Log) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:   log.OrNop(logger).With(log.String("component", "feed")),
		rooms: make(map[string]map[*client]struct{}),
	}
}

// Attach forwards the change events of sub to its room.
func (s *Server) Attach(sub *subscriber.Subscriber) (bus.Subscription, error) {
	return sub.AddListener(func(ev subscriber.ChangeEvent) {
		s.Broadcast(NewMessage(ev))
	})
}

// Broadcast queues msg for the clients of its subscriber room and of the
// catch-all room. Clients whose queue is full are disconnected.
func (s *Server) Broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range []string{msg.Subscriber, allRoom} {
		for c := range s.rooms[room] {
			select {
			case c.send <- msg:
			default:
				s.log.Warn("dropping slow feed client", log.String("remote", c.conn.RemoteAddr().String()))
				s.unregisterLocked(room, c)
				_ = c.conn.Close()
			}
		}
		if msg.Subscriber == allRoom {
			break
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("subscriber")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	s.register(room, c)
	go s.writeLoop(c)

	// Clients only talk to close the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	s.unregisterLocked(room, c)
	s.mu.Unlock()
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.log.Debug("feed write failed", log.Error(err))
			_ = c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (s *Server) register(room string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients, ok := s.rooms[room]
	if !ok {
		clients = make(map[*client]struct{})
		s.rooms[room] = clients
	}
	clients[c] = struct{}{}
	s.count++
	metrics.SetFeedConnections(s.count)
}

func (s *Server) unregisterLocked(room string, c *client) {
	clients := s.rooms[room]
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(s.rooms, room)
	}
	close(c.send)
	s.count--
	metrics.SetFeedConnections(s.count)
}

// ListenAndServe serves the feed on addr at /feed until Shutdown.
func (s *Server) ListenAndServe(addr string, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/feed", s)
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.mu.Unlock()
	s.log.Info("change feed listening", log.String("addr", ln.Addr().String()))
	if err = srv.Serve(ln); errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown disconnects every client and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for room, clients := range s.rooms {
		for c := range clients {
			s.unregisterLocked(room, c)
		}
	}
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
