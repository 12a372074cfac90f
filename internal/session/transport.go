package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	appErr "runbox/pkg/errors"

	"github.com/gorilla/websocket"
)

const (
	DefaultMaxMessageBytes = 1 << 20
	DefaultSendBuffer      = 256
	writeWait              = 10 * time.Second
)

// Transport is the duplex message channel of one session.
type Transport interface {
	// ReadMessage blocks for the next inbound text message.
	ReadMessage() ([]byte, error)
	// Send queues one envelope. It fails once the transport is closed.
	Send(msg Outbound) error
	// Close flushes queued envelopes and closes the connection. Idempotent.
	Close() error
	// Done is closed when the transport is closed.
	Done() <-chan struct{}
}

// TransportConfig tunes the websocket transport.
type TransportConfig struct {
	MaxMessageBytes int64
	SendBuffer      int
	AllowedOrigins  []string
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}

// NewUpgrader builds the websocket upgrader. An empty origin list accepts any origin.
func NewUpgrader(cfg TransportConfig) *websocket.Upgrader {
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := origins[origin]
			return ok
		},
	}
}

// WSTransport runs a single writer goroutine over a websocket connection.
type WSTransport struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	flushed   chan struct{}
}

// NewWSTransport takes ownership of conn and starts its write pump.
func NewWSTransport(conn *websocket.Conn, cfg TransportConfig) *WSTransport {
	cfg = cfg.withDefaults()
	conn.SetReadLimit(cfg.MaxMessageBytes)
	t := &WSTransport{
		conn:    conn,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go t.writePump()
	return t
}

// ReadMessage skips binary frames.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.TransportError, "read message failed")
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *WSTransport) Send(msg Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode envelope failed")
	}
	select {
	case <-t.done:
		return appErr.New(appErr.SessionClosed)
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return appErr.New(appErr.SessionClosed)
	}
}

// Close waits for the write pump to flush and close the connection.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	select {
	case <-t.flushed:
	case <-time.After(writeWait):
		_ = t.conn.Close()
	}
	return nil
}

func (t *WSTransport) Done() <-chan struct{} { return t.done }

func (t *WSTransport) writePump() {
	defer close(t.flushed)
	defer t.conn.Close()
	for {
		select {
		case data := <-t.send:
			if err := t.write(data); err != nil {
				t.closeOnce.Do(func() { close(t.done) })
				return
			}
		case <-t.done:
			for {
				select {
				case data := <-t.send:
					if err := t.write(data); err != nil {
						return
					}
				default:
					_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = t.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (t *WSTransport) write(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
