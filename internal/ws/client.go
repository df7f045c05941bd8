// Package ws maintains the WebSocket link from the charge point to the
// Central System, redialing with capped exponential backoff whenever the
// connection drops.
package ws

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 1024 * 1024
	sendBuffer   = 16
)

// ErrNotConnected is returned by Send when no link is up.
var ErrNotConnected = errors.New("ws: not connected")

// ConnectionListener is notified on every connect and disconnect.
type ConnectionListener func(connected bool)

// Config holds client connection settings.
type Config struct {
	URL               string
	AuthUser          string
	AuthPassword      string
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// Client is a dialing OCPP-J WebSocket client.
type Client struct {
	url               string
	requestHeader     http.Header
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration
	dialer            *websocket.Dialer
	logger            *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	send      chan []byte
	listeners []ConnectionListener

	receive   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient validates cfg and builds the client. Start must be called to
// open the link.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("ws: url scheme must be ws or wss")
	}

	header := http.Header{}
	if cfg.AuthUser != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.AuthUser + ":" + cfg.AuthPassword))
		header.Set("Authorization", "Basic "+credentials)
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	reconnectMaxDelay := cfg.ReconnectMaxDelay
	if reconnectMaxDelay < reconnectDelay {
		reconnectMaxDelay = reconnectDelay
	}

	return &Client{
		url:               cfg.URL,
		requestHeader:     header,
		reconnectDelay:    reconnectDelay,
		reconnectMaxDelay: reconnectMaxDelay,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"ocpp1.6"},
		},
		logger:  logger,
		receive: make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the connect loop in the background.
func (c *Client) Start() {
	go c.run()
}

// Close tears the link down and stops reconnecting.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// Connected reports whether a link to the Central System is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Receive returns the channel of incoming raw frames.
func (c *Client) Receive() <-chan []byte {
	return c.receive
}

// OnStateChange registers a connection listener. Listeners run on the
// connect loop goroutine, one at a time.
func (c *Client) OnStateChange(listener ConnectionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
}

// Send enqueues one frame for writing.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("ws: send buffer full")
	}
}

func (c *Client) run() {
	delay := c.reconnectDelay
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, resp, err := c.dialer.Dial(c.url, c.requestHeader)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.logger.Warn("dial central system failed",
				zap.String("url", c.url), zap.Int("status", status),
				zap.Duration("retryIn", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-c.done:
				return
			}
			delay *= 2
			if delay > c.reconnectMaxDelay {
				delay = c.reconnectMaxDelay
			}
			continue
		}

		delay = c.reconnectDelay
		c.logger.Info("connected to central system", zap.String("url", c.url))

		send := c.attach(conn)
		c.serve(conn, send)
		c.detach(conn)
		c.logger.Warn("central system link lost", zap.String("url", c.url))
	}
}

func (c *Client) attach(conn *websocket.Conn) chan []byte {
	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.connected = true
	send := c.send
	listeners := append([]ConnectionListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(true)
	}
	return send
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	close(c.send)
	c.send = nil
	listeners := append([]ConnectionListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(false)
	}
}

func (c *Client) serve(conn *websocket.Conn, send chan []byte) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send)
	}()

	c.readPump(conn)
	_ = conn.Close()
	<-writerDone
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.logger.Info("connection read closed", zap.Error(err))
			return
		}
		select {
		case c.receive <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				_ = c.write(conn, websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(conn, websocket.TextMessage, msg); err != nil {
				c.logger.Warn("connection write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(conn, websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}
