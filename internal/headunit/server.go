// Package headunit exposes the session to a vehicle head unit over a
// websocket. Requests and pushes use the ipc message shapes.
package headunit

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/auth"
	"github.com/austinkregel/local-media/audiobookd/internal/ipc"
	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/gorilla/websocket"
)

var logger = log.For("headunit")

// SurfaceName identifies head units in the pairing store
const SurfaceName = "headunit"

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Initializer prepares playback for a surface that attaches after startup
type Initializer interface {
	EnsureInitializedForExternalSurface(ctx context.Context)
}

type client struct {
	conn *websocket.Conn
	peer string
	send chan []byte
}

func newClient(conn *websocket.Conn, peer string) *client {
	c := &client{
		conn: conn,
		peer: peer,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Server serves head unit connections
type Server struct {
	auth       *auth.Manager
	dispatcher *ipc.Dispatcher
	session    ipc.Session
	relay      *ipc.PromptRelay
	init       Initializer
	upgrader   websocket.Upgrader

	ctx context.Context

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewServer creates a head unit server. init may be nil.
func NewServer(authManager *auth.Manager, s ipc.Session, library ipc.Library, prompts *ipc.PromptBroker, init Initializer) *Server {
	srv := &Server{
		auth:       authManager,
		dispatcher: ipc.NewDispatcher(s, library, prompts),
		session:    s,
		init:       init,
		upgrader: websocket.Upgrader{
			// head units are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:     context.Background(),
		clients: make(map[*client]bool),
	}
	srv.relay = ipc.NewPromptRelay(prompts, srv.broadcast)
	return srv
}

// SetupRoutes registers the pairing and websocket endpoints
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Run forwards session pushes to connected head units until ctx is done,
// then disconnects them. Sync prompts are relayed only while a head unit
// is connected.
func (s *Server) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	ipc.Forward(ctx, s.session, s.broadcast)

	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		s.relay.Detach()
	}
	s.mu.Unlock()
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handlePair issues a token to a head unit. The user is notified the same
// way as for IPC clients.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req ipc.PairRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.ClientName == "" {
		http.Error(w, "clientName is required", http.StatusBadRequest)
		return
	}

	p, err := s.auth.Pair(req.ClientName, SurfaceName)
	if err != nil {
		logger.WithError(err).Error("pairing failed")
		http.Error(w, "pairing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ipc.PairResponse{Token: p.Token, ClientID: p.ClientID, Notified: p.Notified})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peer := peerOf(r)
	info, err := s.auth.Authenticate(peer, token(r))
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrLockedOut) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("upgrade failed")
		return
	}

	ctx := s.baseContext()
	if s.init != nil {
		s.init.EnsureInitializedForExternalSurface(ctx)
	}

	c := s.addClient(conn, peer)
	logger.WithField("client", info.Name).Infof("head unit connected from %s", peer)
	defer func() {
		s.removeClient(c)
		logger.WithField("client", info.Name).Info("head unit disconnected")
	}()

	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		req, err := ipc.DecodeRequest(data)
		if err != nil {
			s.reply(c, ipc.NewErrorResponse(ipc.CodeInvalidRequest, "invalid request format"))
			continue
		}

		switch {
		case req.Cmd == ipc.CmdPair:
			resp := ipc.NewErrorResponse(ipc.CodeInvalidRequest, "already paired")
			resp.ID = req.ID
			s.reply(c, resp)
		case req.Cmd == ipc.CmdSubscribe:
			// head units are always subscribed
			resp, _ := ipc.NewSuccessResponse(s.session.Snapshot())
			resp.ID = req.ID
			s.reply(c, resp)
		case ipc.LongRunning(req.Cmd):
			go func() {
				s.reply(c, s.dispatcher.Handle(ctx, req))
			}()
		default:
			s.reply(c, s.dispatcher.Handle(ctx, req))
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn, peer string) *client {
	c := newClient(conn, peer)

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	s.relay.Attach()

	if msg, err := ipc.NewPushMessage(ipc.PushStatus, s.session.Snapshot()); err == nil {
		select {
		case c.send <- msg:
		default:
		}
	}
	return c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
		s.relay.Detach()
	}
	s.mu.Unlock()
}

// reply queues a response. A client that cannot keep up is dropped.
func (s *Server) reply(c *client, resp *ipc.Response) {
	data, err := ipc.EncodeResponse(resp)
	if err != nil {
		logger.WithError(err).Error("failed to encode response")
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		logger.Warnf("head unit %s too slow, dropping response", c.peer)
	}
}

func (s *Server) broadcast(msgType string, data any) {
	msg, err := ipc.NewPushMessage(msgType, data)
	if err != nil {
		logger.WithError(err).Errorf("failed to encode %s push", msgType)
		return
	}

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if !s.trySend(c, msg) {
			logger.Warnf("head unit %s too slow, disconnecting", c.peer)
			s.removeClient(c)
		}
	}
}

func (s *Server) trySend(c *client, msg []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.clients[c] {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected head units
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// token reads the pairing token from the query or a bearer header
func token(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func peerOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
