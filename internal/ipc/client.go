package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by calls on a closed client
var ErrClosed = errors.New("ipc: connection closed")

// Client is a control client for the daemon socket. Responses are matched
// to calls by request id; pushes arrive on Pushes once subscribed.
type Client struct {
	conn  net.Conn
	token string

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	waiting map[string]chan *Response
	closed  bool

	pushes chan PushMessage
	done   chan struct{}
}

// Dial connects to the daemon socket
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		waiting: make(map[string]chan *Response),
		pushes:  make(chan PushMessage, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SetToken sets the token sent with every call
func (c *Client) SetToken(token string) {
	c.token = token
}

// Pushes returns the push stream. It is closed when the connection ends.
func (c *Client) Pushes() <-chan PushMessage {
	return c.pushes
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Pair requests a token for clientName and keeps it for later calls
func (c *Client) Pair(ctx context.Context, clientName string) (PairResponse, error) {
	var out PairResponse
	if err := c.Call(ctx, CmdPair, PairRequest{ClientName: clientName}, &out); err != nil {
		return out, err
	}
	c.SetToken(out.Token)
	return out, nil
}

// Call sends cmd and decodes a successful response's data into out, which
// may be nil
func (c *Client) Call(ctx context.Context, cmd CommandType, data, out any) error {
	resp, err := c.Do(ctx, cmd, data)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", cmd, err)
		}
	}
	return nil
}

// Do sends cmd and returns the raw response
func (c *Client) Do(ctx context.Context, cmd CommandType, data any) (*Response, error) {
	req := &Request{
		ID:    strconv.FormatUint(c.nextID.Add(1), 10),
		Cmd:   cmd,
		Token: c.token,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		req.Data = raw
	}

	reply := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiting[req.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, req.ID)
		c.mu.Unlock()
	}()

	line, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.pushes)
		close(c.done)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		f, err := DecodeFrame(scanner.Bytes())
		if err != nil {
			continue
		}
		if f.Push != nil {
			select {
			case c.pushes <- *f.Push:
			default:
				// reader is behind; pushes are advisory
			}
			continue
		}
		c.mu.Lock()
		reply, ok := c.waiting[f.Response.ID]
		c.mu.Unlock()
		if ok {
			reply <- f.Response
		}
	}
}

// RemoteError is a failed response
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
