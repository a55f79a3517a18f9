package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psantana5/detectrelay/pkg/logging"
)

// Options tunes a session connection. Zero values fall back to defaults.
type Options struct {
	WriteTimeout  time.Duration
	PongWait      time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 8 << 20
	}
	return o
}

// Conn is one client session connection. Emit may be called from any
// goroutine; ReadLoop must be called once.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *logging.Logger

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn, opts Options, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Conn{
		ws:     ws,
		opts:   opts.withDefaults(),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Emit sends an event to the client.
func (c *Conn) Emit(event string, data interface{}) error {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}
	return nil
}

// ReadLoop reads frames until the connection ends or ctx is cancelled. The
// returned channel is closed when reading stops; Err then reports why.
func (c *Conn) ReadLoop(ctx context.Context) <-chan Message {
	out := make(chan Message)

	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	go c.pingLoop(ctx)

	go func() {
		defer close(out)
		for {
			kind, payload, err := c.ws.ReadMessage()
			if err != nil {
				c.setErr(err)
				return
			}
			// any frame proves the peer is alive
			c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

			var msg Message
			switch kind {
			case websocket.TextMessage:
				msg = decodeText(payload)
			case websocket.BinaryMessage:
				msg = decodeBinary(payload)
			default:
				continue
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Err returns the terminal read error. A normal close by the client, or a
// local Close, yields nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping failed", map[string]interface{}{"error": err.Error()})
				return
			}
		}
	}
}

func (c *Conn) setErr(err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// OriginMatcher reports whether a browser Origin header value is allowed.
// An empty list or "*" allows any origin; an empty Origin is always allowed.
func OriginMatcher(origins []string) func(origin string) bool {
	allowed := make(map[string]bool, len(origins))
	allowAll := len(origins) == 0
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(o)] = true
	}

	return func(origin string) bool {
		if origin == "" || allowAll {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// NewUpgrader returns an upgrader accepting browser connections from the
// given origins.
func NewUpgrader(origins []string) *websocket.Upgrader {
	match := OriginMatcher(origins)
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return match(r.Header.Get("Origin"))
		},
	}
}
