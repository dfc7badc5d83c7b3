// Package online is the client side of the internet chat server. The offline
// core only needs it to decide whether a message can skip the queue.
package online

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/offchat/internal/storage"
)

var log = logging.Logger("offchat/online")

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultSendTimeout = 10 * time.Second
)

var (
	ErrUnavailable = errors.New("online transport unavailable")
	ErrRejected    = errors.New("message rejected by server")
)

type Config struct {
	URL         string
	UserID      string
	DialTimeout time.Duration
	SendTimeout time.Duration
	Header      http.Header
}

// outgoing is what the server expects for a new chat message.
type outgoing struct {
	Type            string          `json:"type"`
	UserID          string          `json:"userId,omitempty"`
	ChatID          string          `json:"chatId,omitempty"`
	SenderID        string          `json:"senderId,omitempty"`
	Content         string          `json:"content,omitempty"`
	MessageType     string          `json:"messageType,omitempty"`
	TransactionData json.RawMessage `json:"transactionData,omitempty"`
}

type incoming struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

type serverMessage struct {
	ID       any    `json:"id"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

type result struct {
	id  string
	err error
}

type waiter struct {
	chatID, senderID, content string
	ch                        chan result
}

// Client keeps one WebSocket to the chat server. A send is confirmed when
// the server broadcasts the stored message back to us.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	wmu sync.Mutex

	waitMu  sync.Mutex
	waiters []*waiter
}

func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Connect dials the server and joins as the configured user.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return ErrUnavailable
	}
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(outgoing{Type: "join_global", UserID: c.cfg.UserID}); err != nil {
		c.drop(conn, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	go c.readLoop(conn)
	log.Infof("connected to %s", c.cfg.URL)
	return nil
}

// Available reports whether the socket is up.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) write(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrUnavailable
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	return conn.WriteJSON(v)
}

// SendMessage posts d to the server and waits for the stored copy. It
// returns the server's message id.
func (c *Client) SendMessage(ctx context.Context, d storage.Draft) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}
	senderID := d.SenderID
	if senderID == "" {
		senderID = c.cfg.UserID
	}

	w := &waiter{chatID: d.ChatID, senderID: senderID, content: d.Content, ch: make(chan result, 1)}
	c.waitMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitMu.Unlock()
	defer c.removeWaiter(w)

	if err := c.write(outgoing{
		Type:            "send_message",
		ChatID:          d.ChatID,
		SenderID:        senderID,
		Content:         d.Content,
		MessageType:     d.MessageType,
		TransactionData: d.TransactionData,
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case r := <-w.ch:
		return r.id, r.err
	case <-timer.C:
		return "", fmt.Errorf("%w: no confirmation within %s", ErrUnavailable, c.cfg.SendTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) removeWaiter(w *waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// resolve hands r to the first waiter accepted by match.
func (c *Client) resolve(match func(*waiter) bool, r result) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, w := range c.waiters {
		if match(w) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.ch <- r
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var in incoming
		if err := conn.ReadJSON(&in); err != nil {
			c.drop(conn, err)
			return
		}
		switch in.Type {
		case "new_message":
			var m serverMessage
			if err := json.Unmarshal(in.Message, &m); err != nil {
				log.Debugw("bad new_message", "err", err)
				continue
			}
			c.resolve(func(w *waiter) bool {
				return w.chatID == m.ChatID && w.senderID == m.SenderID && w.content == m.Content
			}, result{id: fmt.Sprint(m.ID)})
		case "error":
			var reason string
			_ = json.Unmarshal(in.Message, &reason)
			c.resolve(func(*waiter) bool { return true }, result{err: fmt.Errorf("%w: %s", ErrRejected, reason)})
		}
	}
}

// drop forgets conn and fails every waiting send.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	c.waitMu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.waitMu.Unlock()
	for _, w := range ws {
		w.ch <- result{err: fmt.Errorf("%w: %v", ErrUnavailable, cause)}
	}
	log.Debugw("connection dropped", "err", cause)
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return conn.Close()
}
