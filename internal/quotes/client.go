package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const maxReconnectDelay = time.Minute

// Client keeps a websocket to a quote stream open, replaying its subscription after every
// reconnect.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	sub  *subscribeMessage
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Assets []string `json:"assets"`
}

var pingMessage = map[string]string{"method": "ping"}

func NewClient(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	return nil
}

// Subscribe asks the stream for quotes on assets. The request is remembered and resent on
// reconnect.
func (c *Client) Subscribe(ctx context.Context, assets []string) error {
	sub := &subscribeMessage{Method: "subscribe", Assets: append([]string(nil), assets...)}
	c.mu.Lock()
	c.sub = sub
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run reads until ctx is done, reconnecting with exponential backoff when the stream drops.
func (c *Client) Run(ctx context.Context, handler func([]byte)) error {
	delay := c.reconnectDelay
	for {
		err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			delay = c.reconnectDelay
			continue
		}
		c.logSessionEnd(err)
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) session(ctx context.Context, handler func([]byte)) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	sub := c.sub
	c.mu.Unlock()
	if sub != nil {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx, conn)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(data)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logSessionEnd(err error) {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		c.log.Info("quote stream closed", zap.String("url", c.url), zap.String("reason", closeErr.Reason))
		return
	}
	c.log.Warn("quote stream ended", zap.String("url", c.url), zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	c.conn = nil
	return err
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
