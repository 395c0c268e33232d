package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	redisclient "github.com/chain-estate/ches-tracker/pkg/redis"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	wildcard     = "*"
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ClientMessage is sent by websocket clients.
type ClientMessage struct {
	Action   string `json:"action"`   // "subscribe" or "unsubscribe"
	Contract string `json:"contract"` // contract address, or "*" for every contract
}

// ServerMessage is sent to websocket clients.
type ServerMessage struct {
	Type    string `json:"type"` // "cycle.completed", "subscribed", "unsubscribed", "info", "error"
	Payload any    `json:"payload"`
}

// subscriptions is the set of contracts a single client listens to.
type subscriptions struct {
	contracts *xsync.Map[string, struct{}]
}

func newSubscriptions() *subscriptions {
	return &subscriptions{contracts: xsync.NewMap[string, struct{}]()}
}

func (s *subscriptions) Subscribe(contract string) {
	s.contracts.Store(strings.ToLower(contract), struct{}{})
}

func (s *subscriptions) Unsubscribe(contract string) {
	s.contracts.Delete(strings.ToLower(contract))
}

func (s *subscriptions) IsSubscribed(contract string) bool {
	if _, ok := s.contracts.Load(wildcard); ok {
		return true
	}
	_, ok := s.contracts.Load(strings.ToLower(contract))
	return ok
}

// HandleWebSocket streams completed cycle notifications.
//
// Client sends:
//
//	{"action": "subscribe", "contract": "0xabc..."}
//	{"action": "subscribe", "contract": "*"}
//	{"action": "unsubscribe", "contract": "0xabc..."}
//
// Server sends {"type": "cycle.completed", "payload": {...}} for every subscribed cycle, plus
// subscribed/unsubscribed acknowledgements and info/error notices.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.Redis == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	remote := zap.String("remote_addr", r.RemoteAddr)
	c.Logger.Info("WebSocket client connected", remote)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptions()
	send := make(chan ServerMessage, 256)

	var producers sync.WaitGroup
	goSafe := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.Logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						remote)
					cancel()
				}
			}()
			fn()
		}()
	}

	var writer sync.WaitGroup
	goSafe(&writer, "writer", func() {
		c.writeMessages(conn, send)
		cancel()
	})
	goSafe(&producers, "redis", func() { c.subscribeToRedis(ctx, send, subs) })
	goSafe(&producers, "ping", func() { c.sendPings(ctx, conn) })

	// blocks until the client goes away
	c.readClientMessages(ctx, conn, cancel, subs, send)

	cancel()
	producers.Wait()
	close(send)
	writer.Wait()

	c.Logger.Info("WebSocket client disconnected", remote)
}

// subscribeToRedis relays cycle notifications to send, reconnecting with backoff until ctx ends.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, subs *subscriptions) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := c.attemptRedisSubscription(ctx, send, subs, attempt)
		if ctx.Err() != nil {
			return
		}
		c.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if !trySend(ctx, send, ServerMessage{
			Type: "error",
			Payload: map[string]any{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     backoff.Seconds(),
				"attempt":     attempt,
				"recoverable": true,
			},
		}) {
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (c *Controller) attemptRedisSubscription(ctx context.Context, send chan<- ServerMessage, subs *subscriptions, attempt int) error {
	pubsub := c.Redis.PSubscribe(ctx, redisclient.CyclePattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}

	if !trySend(ctx, send, ServerMessage{
		Type:    "info",
		Payload: map[string]any{"message": "Redis connection established", "attempt": attempt},
	}) {
		return ctx.Err()
	}
	return c.relay(ctx, pubsub, send, subs)
}

// relay forwards messages until the subscription channel closes (nil) or ctx ends.
func (c *Controller) relay(ctx context.Context, pubsub *redis.PubSub, send chan<- ServerMessage, subs *subscriptions) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			contract := redisclient.ContractFromChannel(msg.Channel)
			if contract == "" {
				c.Logger.Warn("Unexpected cycle channel", zap.String("channel", msg.Channel))
				continue
			}
			if !subs.IsSubscribed(contract) {
				continue
			}

			var payload map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				c.Logger.Error("Failed to parse Redis message",
					zap.Error(err),
					zap.String("channel", msg.Channel))
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: "cycle.completed", Payload: payload}) {
				return ctx.Err()
			}
		}
	}
}

// CalculateNextBackoff grows current by factor, capped at max, with +/- jitterFactor jitter.
// The result is never below current.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	next = time.Duration(float64(next) + jitter)
	if next < current {
		next = current
	}
	if next > max {
		next = max
	}
	return next
}

func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages is the only writer of data frames on conn.
func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			// keep draining so producers never block on a dead connection
			for range send {
			}
			return
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *subscriptions, send chan<- ServerMessage) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var reply ServerMessage
		switch msg.Action {
		case "subscribe", "unsubscribe":
			if msg.Contract == "" {
				reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "contract is required"}}
				break
			}
			if msg.Action == "subscribe" {
				subs.Subscribe(msg.Contract)
				reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"contract": strings.ToLower(msg.Contract)}}
			} else {
				subs.Unsubscribe(msg.Contract)
				reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"contract": strings.ToLower(msg.Contract)}}
			}
			c.Logger.Debug("WebSocket subscription changed",
				zap.String("action", msg.Action),
				zap.String("contract", msg.Contract))
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
