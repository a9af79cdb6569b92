// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statusserver publishes card status over a websocket and accepts
// ATR updates for the next reset.
//
// Every connection first receives a hello message carrying its client id
// and a status snapshot of every registered card, then phaseChanged and
// status messages as cards report them. Clients may send getStatus and
// setAtr requests:
//
//	{"type":"setAtr","id":"1","slot":0,"atr":"3B 02 14 50"}
//	{"type":"getStatus","id":"2"}
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/ZaparooProject/go-cardemu/internal/syncutil"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrUnknownSlot is returned for requests naming an unregistered slot.
	ErrUnknownSlot = errors.New("statusserver: unknown slot")
	// ErrBadRequest is returned for requests that cannot be served.
	ErrBadRequest = errors.New("statusserver: bad request")
)

// Config holds server configuration options
type Config struct {
	// QueueDepth bounds the reports waiting for broadcast. Reports beyond
	// it are dropped. Default: 64
	QueueDepth int
	// ClientQueueDepth bounds the messages waiting for one client. A client
	// that falls this far behind is disconnected. Default: 32
	ClientQueueDepth int
	// WriteTimeout bounds one websocket write. Default: 5s
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.QueueDepth <= 0 {
		out.QueueDepth = 64
	}
	if out.ClientQueueDepth <= 0 {
		out.ClientQueueDepth = 32
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	return out
}

// Server is a cardemu.StatusReporter that fans reports out to websocket
// clients. Reporting never blocks the card.
type Server struct {
	registry   *cardemu.Registry
	events     chan Message
	done       chan struct{}
	clients    map[*client]struct{}
	httpServer *http.Server
	upgrader   websocket.Upgrader
	cfg        Config
	wg         sync.WaitGroup
	closeOnce  sync.Once
	dropped    atomic.Uint64
	mu         syncutil.Mutex
}

var _ cardemu.StatusReporter = (*Server)(nil)

type client struct {
	conn *websocket.Conn
	send chan Message
	gone chan struct{}
	id   string
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.gone)
		_ = c.conn.Close()
	})
}

// New returns a server resolving requests through registry. cfg may be nil.
func New(registry *cardemu.Registry, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	conf := cfg.withDefaults()
	s := &Server{
		registry: registry,
		cfg:      conf,
		events:   make(chan Message, conf.QueueDepth),
		done:     make(chan struct{}),
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

// PhaseChanged implements cardemu.StatusReporter.
func (s *Server) PhaseChanged(slot uint8, from, to cardemu.Phase) {
	s.publish(Message{
		Type:    TypePhaseChanged,
		Payload: PhasePayload{Slot: slot, From: from.String(), To: to.String()},
	})
}

// Status implements cardemu.StatusReporter.
func (s *Server) Status(st cardemu.Status) {
	s.publish(Message{Type: TypeStatus, Payload: NewStatusPayload(&st)})
}

func (s *Server) publish(m Message) {
	select {
	case s.events <- m:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of reports lost to a full queue.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Handler returns the HTTP handler serving /ws and /api/v1/health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": s.Clients(),
			"dropped": s.Dropped(),
		})
	})
	return mux
}

// ListenAndServe serves on addr until ctx is done or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	cardemu.Debugf("statusserver: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Close disconnects every client and stops the server.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for c := range s.clients {
			c.close()
			delete(s.clients, c)
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return nil
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case m := <-s.events:
			s.broadcast(m)
		}
	}
}

func (s *Server) broadcast(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- m:
		default:
			cardemu.Debugf("statusserver: client %s too slow, disconnecting", c.id[:8])
			c.close()
			delete(s.clients, c)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cardemu.Debugf("statusserver: websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn: conn,
		id:   uuid.New().String(),
		send: make(chan Message, s.cfg.ClientQueueDepth),
		gone: make(chan struct{}),
	}
	c.send <- Message{Type: TypeHello, Payload: Hello{ClientID: c.id, Cards: s.snapshot()}}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		c.close()
		return
	default:
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	cardemu.Debugf("statusserver: client connected: %s", c.id[:8])

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	cardemu.Debugf("statusserver: client disconnected: %s", c.id[:8])
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.gone:
			return
		case m := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(m); err != nil {
				cardemu.Debugf("statusserver: write to %s: %v", c.id[:8], err)
				c.close()
				return
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.reply(c, Message{Type: TypeError, Payload: Response{Error: "invalid message format"}})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cardemu.Debugf("statusserver: read from %s: %v", c.id[:8], err)
			}
			return
		}
		s.reply(c, s.handle(&req))
	}
}

// reply queues a response, giving up when the client goes away.
func (s *Server) reply(c *client, m Message) {
	select {
	case c.send <- m:
	case <-c.gone:
	}
}

// handle serves one request and returns the response to send.
func (s *Server) handle(req *Request) Message {
	var err error
	switch req.Type {
	case TypeGetStatus:
		var out []StatusPayload
		out, err = s.statusFor(req.Slot)
		if err == nil {
			return Message{Type: TypeStatus, ID: req.ID, Payload: out}
		}
	case TypeSetATR:
		err = s.setATR(req)
		if err == nil {
			return Message{Type: TypeSetATR, ID: req.ID, Payload: Response{Success: true}}
		}
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrBadRequest, req.Type)
	}
	return Message{Type: TypeError, ID: req.ID, Payload: Response{Error: err.Error()}}
}

func (s *Server) card(slot *uint8) (*cardemu.Card, error) {
	if slot == nil {
		return nil, fmt.Errorf("%w: missing slot", ErrBadRequest)
	}
	c := s.registry.BySlot(*slot)
	if c == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, *slot)
	}
	return c, nil
}

func (s *Server) statusFor(slot *uint8) ([]StatusPayload, error) {
	if slot == nil {
		return s.snapshot(), nil
	}
	c, err := s.card(slot)
	if err != nil {
		return nil, err
	}
	st := c.Status()
	return []StatusPayload{NewStatusPayload(&st)}, nil
}

func (s *Server) setATR(req *Request) error {
	c, err := s.card(req.Slot)
	if err != nil {
		return err
	}
	parsed, err := atr.ParseHex(req.ATR)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if err := c.SetATR(parsed.Bytes()); err != nil {
		return fmt.Errorf("slot %d: %w", *req.Slot, err)
	}
	s.Status(c.Status())
	return nil
}

func (s *Server) snapshot() []StatusPayload {
	cards := s.registry.Cards()
	out := make([]StatusPayload, 0, len(cards))
	for _, c := range cards {
		st := c.Status()
		out = append(out, NewStatusPayload(&st))
	}
	return out
}
