package controller

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisclient "github.com/chain-estate/ches-tracker/pkg/redis"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSubscriptions(t *testing.T) {
	subs := newSubscriptions()
	assert.False(t, subs.IsSubscribed(contract))

	subs.Subscribe("0xABC")
	assert.True(t, subs.IsSubscribed("0xabc"))
	subs.Unsubscribe("0xabc")
	assert.False(t, subs.IsSubscribed("0xabc"))

	subs.Subscribe(wildcard)
	assert.True(t, subs.IsSubscribed("0xanything"))
}

func TestCalculateNextBackoff(t *testing.T) {
	current := time.Second
	for i := 0; i < 10; i++ {
		next := CalculateNextBackoff(current, 30*time.Second, 2, 0.1)
		assert.GreaterOrEqual(t, next, current)
		assert.LessOrEqual(t, next, 30*time.Second)
		current = next
	}
	assert.Equal(t, 30*time.Second, current)
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocketRelaysSubscribedCycles(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisclient.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = rdb.Close() })

	c := &Controller{Tracker: &fakeTracker{snap: snapshot(0)}, Redis: rdb, Logger: zaptest.NewLogger(t)}
	r, err := c.NewRouter()
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// the relay is listening once it reports the connection
	readUntil(t, conn, "info")

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Contract: strings.ToUpper(contract)}))
	ack := readUntil(t, conn, "subscribed")
	assert.Equal(t, map[string]any{"contract": contract}, ack.Payload)

	ctx := context.Background()
	rdb.Publish(ctx, redisclient.CycleChannel("0x00000000000000000000000000000000000000ff"), map[string]any{"toBlock": 1})
	rdb.Publish(ctx, redisclient.CycleChannel(contract), map[string]any{"toBlock": 2})

	msg := readUntil(t, conn, "cycle.completed")
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	// the unsubscribed contract is filtered out
	assert.Equal(t, float64(2), payload["toBlock"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "unsubscribe", Contract: contract}))
	readUntil(t, conn, "unsubscribed")

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "dance"}))
	bad := readUntil(t, conn, "error")
	assert.Equal(t, map[string]any{"message": "unknown action: dance"}, bad.Payload)
}
