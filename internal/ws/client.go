package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/logger"
)

// ErrAuthRejected is returned when the gateway refuses the handshake.
var ErrAuthRejected = errors.New("gateway rejected the connection")

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("not connected")

const (
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 10 * time.Second
	readLimit         = 4 << 20
)

// Client is a room participant that stays connected to one project.
type Client struct {
	URL       string // e.g. "ws://localhost:8080/ws"
	Token     string
	ProjectID string

	OnFrame       func(Frame)                   // every inbound frame, in order
	OnConnect     func(ctx context.Context)     // after each successful handshake
	OnStateChange func(state string, err error) // connecting, connected, disconnected, auth_failed

	conn *websocket.Conn
	mu   sync.Mutex
}

// Run connects and reads frames until ctx is cancelled, reconnecting with
// backoff. Returns ErrAuthRejected if the gateway closes with a policy
// violation, which is how it reports bad tokens and unknown projects.
func (c *Client) Run(ctx context.Context) error {
	log := logger.With("ws-client")
	backoff := NewBackoff(time.Second, maxReconnectDelay)
	c.notifyState("connecting", nil)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if isAuthError(err) {
			c.notifyState("auth_failed", err)
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		if connected {
			backoff.Reset()
		}
		delay := backoff.Next()
		c.notifyState("disconnected", err)
		log.Warn("disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func isAuthError(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}

// DialURL returns the handshake URL with the project query parameter set.
func (c *Client) DialURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("projectId", c.ProjectID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	target, err := c.DialURL()
	if err != nil {
		return false, err
	}
	opts := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	opts.HTTPHeader.Set("Authorization", "Bearer "+c.Token)

	conn, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.CloseNow()
	}()

	// The gateway may still reject after the upgrade. Treat the first frame
	// as confirmation.
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("read: %w", err)
	}
	connected = true
	c.notifyState("connected", nil)
	if c.OnConnect != nil {
		go c.OnConnect(ctx)
	}
	c.dispatch(data)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Warn("bad frame", "err", err)
		return
	}
	if f.Type == TypeError {
		var msg ErrorMsg
		if f.Decode(&msg) == nil {
			logger.Warn("gateway error", "message", msg.Message)
		}
	}
	if c.OnFrame != nil {
		c.OnFrame(f)
	}
}

// Send writes one event frame.
func (c *Client) Send(ctx context.Context, typ string, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := Encode(typ, v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// SendMessage posts chat content to the room as sender.
func (c *Client) SendMessage(ctx context.Context, content Content, sender Sender) error {
	return c.Send(ctx, TypeProjectMessage, ProjectMessage{Message: content, Sender: sender})
}

// SendFileTree replaces the project's file tree.
func (c *Client) SendFileTree(ctx context.Context, tree filetree.Tree) error {
	return c.Send(ctx, TypeFileTree, FileTreeMsg{FileTree: tree})
}

// RunSandbox asks the room's sandbox to (re)start the program.
func (c *Client) RunSandbox(ctx context.Context) error {
	return c.Send(ctx, TypeSandboxRun, nil)
}

// StopSandbox terminates the room's running program.
func (c *Client) StopSandbox(ctx context.Context) error {
	return c.Send(ctx, TypeSandboxStop, nil)
}
