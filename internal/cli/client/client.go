// Package client runs programs on a runbox server over its websocket session
// protocol and relays terminal input to them.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"runbox/internal/sandbox/result"
	"runbox/internal/session"

	"github.com/gorilla/websocket"
)

// ErrInterrupted is returned by a Prompter when the user pressed Ctrl-C.
var ErrInterrupted = errors.New("interrupted")

// Prompter reads one line of program input from the user.
type Prompter interface {
	ReadLine() (string, error)
}

// Result is the end state of one run.
type Result struct {
	ExitCode     int
	RuntimeError bool
	Stopped      bool
}

// Client holds one websocket session.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	render    *Renderer
	messages  chan session.Outbound
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and waits for the session announcement.
func Dial(ctx context.Context, url string, timeout time.Duration, render *Renderer) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s failed: %w", url, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var hello session.Outbound
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake failed: %w", err)
	}
	if hello.Type != result.EventConnectionEstablished {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake message %q", hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:      conn,
		sessionID: hello.SessionID,
		render:    render,
		messages:  make(chan session.Outbound, 64),
		readErr:   make(chan error, 1),
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) SessionID() string { return c.sessionID }

// Close is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		var msg session.Outbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.readErr <- err
			close(c.messages)
			return
		}
		select {
		case c.messages <- msg:
		case <-c.closed:
			return
		}
	}
}

// Run submits code and streams the run until it completes. Cancelling ctx
// sends stop_execution once and keeps waiting for the run to finish.
func (c *Client) Run(ctx context.Context, language, code string, in Prompter) (Result, error) {
	if err := c.conn.WriteJSON(session.Inbound{Type: session.TypeRunCode, Language: language, Code: code}); err != nil {
		return Result{}, fmt.Errorf("send run_code failed: %w", err)
	}

	var res Result
	inputs := make(chan string, 16)
	interrupts := make(chan struct{}, 1)
	stopCh := ctx.Done()
	stop := func() error {
		stopCh = nil
		if res.Stopped {
			return nil
		}
		res.Stopped = true
		return c.conn.WriteJSON(session.Inbound{Type: session.TypeStopExecution})
	}

	for {
		select {
		case <-stopCh:
			if err := stop(); err != nil {
				return res, fmt.Errorf("send stop_execution failed: %w", err)
			}
		case <-interrupts:
			if err := stop(); err != nil {
				return res, fmt.Errorf("send stop_execution failed: %w", err)
			}
		case line := <-inputs:
			if err := c.conn.WriteJSON(session.Inbound{Type: session.TypeInputResponse, Input: line}); err != nil {
				return res, fmt.Errorf("send input failed: %w", err)
			}
		case msg, ok := <-c.messages:
			if !ok {
				err := <-c.readErr
				if res.RuntimeError {
					return res, nil
				}
				return res, fmt.Errorf("connection lost: %w", err)
			}
			c.render.Render(msg)
			switch msg.Type {
			case result.EventPing:
				if err := c.conn.WriteJSON(session.Inbound{Type: session.TypePong}); err != nil {
					return res, fmt.Errorf("send pong failed: %w", err)
				}
			case result.EventInputRequest:
				go readInput(in, inputs, interrupts)
			case result.EventRuntimeError:
				res.RuntimeError = true
				res.ExitCode = 1
			case result.EventDisconnect:
				return res, nil
			case result.EventError:
				return res, errors.New(msg.Message)
			case result.EventExecutionComplete:
				if msg.ExitCode != nil {
					res.ExitCode = *msg.ExitCode
				}
				return res, nil
			}
		}
	}
}

func readInput(in Prompter, inputs chan<- string, interrupts chan<- struct{}) {
	if in == nil {
		return
	}
	line, err := in.ReadLine()
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			select {
			case interrupts <- struct{}{}:
			default:
			}
		}
		return
	}
	inputs <- line
}
