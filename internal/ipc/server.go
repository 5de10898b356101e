package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/austinkregel/local-media/audiobookd/internal/auth"
	"github.com/austinkregel/local-media/audiobookd/internal/session"
	"github.com/google/uuid"
)

// SurfaceName identifies socket clients in the pairing store
const SurfaceName = "ipc"

// maxLineSize bounds a single request line
const maxLineSize = 1 << 20

// conn is one connected client. Writes from the request loop and from the
// push fan-out are serialized by mu.
type conn struct {
	id  string
	raw net.Conn

	mu         sync.Mutex
	subscribed bool
	client     *auth.ClientInfo
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.raw.Write(append(data, '\n'))
	return err
}

func (c *conn) send(resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Server handles IPC communication with clients
type Server struct {
	socketPath string
	auth       *auth.Manager
	dispatcher *Dispatcher
	session    Session
	prompts    *PromptBroker
	relay      *PromptRelay

	listener net.Listener
	mu       sync.Mutex
	clients  map[string]*conn
	wg       sync.WaitGroup
}

// NewServer creates a new IPC server
func NewServer(socketPath string, authManager *auth.Manager, s Session, library Library, prompts *PromptBroker) *Server {
	srv := &Server{
		socketPath: socketPath,
		auth:       authManager,
		dispatcher: NewDispatcher(s, library, prompts),
		session:    s,
		prompts:    prompts,
		clients:    make(map[string]*conn),
	}
	srv.relay = NewPromptRelay(prompts, srv.broadcast)
	return srv
}

// Start listens on the socket and serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	logger.Infof("listening on %s", s.socketPath)

	go s.acceptLoop(ctx)
	go s.pump(ctx)

	<-ctx.Done()
	logger.Info("shutting down server")

	s.mu.Lock()
	clientCount := len(s.clients)
	for _, c := range s.clients {
		c.raw.Close()
	}
	s.mu.Unlock()
	logger.Debugf("closed %d client connections", clientCount)

	listener.Close()
	s.wg.Wait()
	os.RemoveAll(s.socketPath)
	logger.Info("server stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("accept error")
			continue
		}

		c := &conn{id: uuid.NewString(), raw: raw}
		s.mu.Lock()
		s.clients[c.id] = c
		clientCount := len(s.clients)
		s.mu.Unlock()
		logger.WithField("conn", c.id).Debugf("client connected (%d active)", clientCount)

		s.wg.Add(1)
		go s.handleConnection(ctx, c)
	}
}

func (s *Server) handleConnection(ctx context.Context, c *conn) {
	defer s.wg.Done()
	defer func() {
		c.raw.Close()
		c.mu.Lock()
		if c.subscribed {
			c.subscribed = false
			s.relay.Detach()
		}
		c.mu.Unlock()
		s.mu.Lock()
		delete(s.clients, c.id)
		clientCount := len(s.clients)
		s.mu.Unlock()
		logger.WithField("conn", c.id).Debugf("client disconnected (%d active)", clientCount)
	}()

	scanner := bufio.NewScanner(c.raw)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		req, err := DecodeRequest(scanner.Bytes())
		if err != nil {
			logger.WithError(err).Warn("invalid request format")
			if err := c.send(NewErrorResponse(CodeInvalidRequest, "invalid request format")); err != nil {
				return
			}
			continue
		}

		if req.Cmd != CmdStatus {
			logger.WithField("conn", c.id).Debugf("command %s", req.Cmd)
		}

		if LongRunning(req.Cmd) && s.authorize(c, req) == nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.reply(c, s.dispatcher.Handle(ctx, req))
			}()
			continue
		}

		if err := c.send(s.handleRequest(ctx, c, req)); err != nil {
			logger.WithError(err).Debug("send error")
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Debug("read error")
	}
}

func (s *Server) reply(c *conn, resp *Response) {
	if err := c.send(resp); err != nil {
		logger.WithError(err).Debug("send error")
	}
}

func (s *Server) handleRequest(ctx context.Context, c *conn, req *Request) *Response {
	if req.Cmd == CmdPair {
		resp := s.handlePair(req)
		resp.ID = req.ID
		return resp
	}

	if resp := s.authorize(c, req); resp != nil {
		return resp
	}

	if req.Cmd == CmdSubscribe {
		c.mu.Lock()
		if !c.subscribed {
			c.subscribed = true
			s.relay.Attach()
		}
		c.mu.Unlock()
		// replay current state so a new subscriber does not wait for a change
		resp := success(s.session.Snapshot())
		resp.ID = req.ID
		return resp
	}

	return s.dispatcher.Handle(ctx, req)
}

// authorize returns an error response unless req carries a valid token
func (s *Server) authorize(c *conn, req *Request) *Response {
	client, err := s.auth.Authenticate(c.id, req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrLockedOut) {
			logger.WithField("conn", c.id).Warn("client locked out")
		}
		return &Response{ID: req.ID, Code: CodeUnauthorized, Error: err.Error()}
	}
	c.mu.Lock()
	c.client = &client
	c.mu.Unlock()
	return nil
}

func (s *Server) handlePair(req *Request) *Response {
	var pairReq PairRequest
	if req.Data != nil {
		if err := json.Unmarshal(req.Data, &pairReq); err != nil {
			return NewErrorResponse(CodeInvalidRequest, "invalid pair request")
		}
	}

	p, err := s.auth.Pair(pairReq.ClientName, SurfaceName)
	if err != nil {
		logger.WithError(err).Error("pairing failed")
		return NewErrorResponse(CodeFailed, err.Error())
	}

	return success(PairResponse{
		Token:    p.Token,
		ClientID: p.ClientID,
		Notified: p.Notified,
	})
}

// pump forwards session streams to subscribed clients. Sync prompts are
// relayed while at least one client is subscribed.
func (s *Server) pump(ctx context.Context) {
	Forward(ctx, s.session, s.broadcast)
}

// broadcast sends a push to every subscribed client
func (s *Server) broadcast(msgType string, data any) {
	msg, err := NewPushMessage(msgType, data)
	if err != nil {
		logger.WithError(err).Errorf("failed to encode %s push", msgType)
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		subscribed := c.subscribed
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		if err := c.write(msg); err != nil {
			logger.WithField("conn", c.id).WithError(err).Debug("push failed, dropping client")
			c.raw.Close()
		}
	}
}

// Subscribers returns how many clients receive pushes
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		c.mu.Lock()
		if c.subscribed {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

var _ Session = (*session.Coordinator)(nil)
