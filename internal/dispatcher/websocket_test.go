package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
)

// okxWSServer answers ping, login and subscribe frames the way OKX does and
// hands every decoded request to onRequest.
func okxWSServer(t *testing.T, loginCode string, onRequest func(wsRequest, json.RawMessage)) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "ping" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
				continue
			}
			var req struct {
				Op   string          `json:"op"`
				Args json.RawMessage `json:"args"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			if onRequest != nil {
				onRequest(wsRequest{Op: req.Op}, req.Args)
			}
			switch req.Op {
			case "login":
				_ = conn.WriteJSON(map[string]string{"event": "login", "code": loginCode, "msg": ""})
			case "subscribe":
				var args []map[string]string
				_ = json.Unmarshal(req.Args, &args)
				for _, a := range args {
					_ = conn.WriteJSON(map[string]any{"event": "subscribe", "arg": a})
				}
			}
		}
	})
}

func TestSubscribePublic(t *testing.T) {
	got := make(chan json.RawMessage, 1)
	d, limiter := newTestDispatcher(t, okxWSServer(t, "0", func(req wsRequest, args json.RawMessage) {
		if req.Op == "subscribe" {
			got <- args
		}
	}), Credentials{})

	ctx := context.Background()
	conn, err := d.DialPublic(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Subscribe(ctx, okx.TradesChannel, map[string]string{"instId": "BTC-USDT"}))

	select {
	case raw := <-got:
		var args []map[string]string
		require.NoError(t, json.Unmarshal(raw, &args))
		require.Len(t, args, 1)
		assert.Equal(t, "trades", args[0]["channel"])
		assert.Equal(t, "BTC-USDT", args[0]["instId"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe frame not received")
	}

	evt, err := conn.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "subscribe", evt.Event)
	assert.Equal(t, "trades", evt.Arg["channel"])

	assert.Equal(t, 1, usageCount(t, limiter, okx.WSConnectionLimitID))
	assert.Equal(t, 1, usageCount(t, limiter, okx.WSSubscriptionLimitID))
	assert.Equal(t, 1, usageCount(t, limiter, okx.WSRequestLimitID))
}

func TestSubscribePrivateChannelOnPublicConn(t *testing.T) {
	d, limiter := newTestDispatcher(t, okxWSServer(t, "0", nil), Credentials{})

	conn, err := d.DialPublic(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Subscribe(context.Background(), okx.OrdersChannel)
	require.ErrorIs(t, err, ErrPrivateChannel)
	assert.Equal(t, 0, usageCount(t, limiter, okx.WSSubscriptionLimitID))
}

func TestPingPong(t *testing.T) {
	d, _ := newTestDispatcher(t, okxWSServer(t, "0", nil), Credentials{})

	conn, err := d.DialPublic(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Ping(context.Background()))
	evt, err := conn.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "pong", evt.Event)
}

func TestPrivateLogin(t *testing.T) {
	logins := make(chan []loginArgs, 1)
	d, limiter := newTestDispatcher(t, okxWSServer(t, "0", func(req wsRequest, args json.RawMessage) {
		if req.Op == "login" {
			var login []loginArgs
			_ = json.Unmarshal(args, &login)
			logins <- login
		}
	}), testCreds)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialPrivate(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.Private())

	require.NoError(t, conn.Login(ctx))
	login := <-logins
	require.Len(t, login, 1)
	assert.Equal(t, "key", login[0].APIKey)
	assert.Equal(t, sign(login[0].Timestamp+"GET/users/self/verify", "secret"), login[0].Sign)

	require.NoError(t, conn.Subscribe(ctx, okx.OrdersChannel, map[string]string{"instType": "SPOT"}))
	assert.Equal(t, 1, usageCount(t, limiter, okx.WSLoginLimitID))
	// login and subscribe both draw from the shared request budget
	assert.Equal(t, 2, usageCount(t, limiter, okx.WSRequestLimitID))
}

func TestPrivateLoginRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, okxWSServer(t, "60009", nil), testCreds)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialPrivate(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var apiErr *APIError
	require.ErrorAs(t, conn.Login(ctx), &apiErr)
	assert.Equal(t, "60009", apiErr.Code)
}

func TestDialPrivateNeedsCredentials(t *testing.T) {
	d, limiter := newTestDispatcher(t, okxWSServer(t, "0", nil), Credentials{})
	_, err := d.DialPrivate(context.Background())
	require.ErrorIs(t, err, ErrMissingCredentials)
	assert.Equal(t, 0, usageCount(t, limiter, okx.WSConnectionLimitID))
}

func TestFailedHandshakeKeepsConnectionSlot(t *testing.T) {
	d, limiter := newTestDispatcher(t, http.NotFoundHandler(), Credentials{})

	_, err := d.DialPublic(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, usageCount(t, limiter, okx.WSConnectionLimitID))
}

func TestDialWaitsForConnectionQuota(t *testing.T) {
	srv := httptest.NewServer(okxWSServer(t, "0", nil))
	defer srv.Close()

	reg, err := ratelimit.NewRegistry([]ratelimit.Rule{{ID: okx.WSConnectionLimitID, Limit: 1, Window: time.Minute, Release: ratelimit.ReleaseNever}})
	require.NoError(t, err)
	ws := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v5/public"
	d, err := New(Config{Region: okx.RegionGlobal}, ratelimit.New(reg), WithBaseURLs(okx.BaseURLSet{WSPublic: ws}))
	require.NoError(t, err)

	conn, err := d.DialPublic(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = d.DialPublic(ctx)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitTimeout)
}

func TestWriteOnClosedConnReleases(t *testing.T) {
	d, limiter := newTestDispatcher(t, okxWSServer(t, "0", nil), testCreds)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialPrivate(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Error(t, conn.Subscribe(ctx, okx.TradesChannel, map[string]string{"instId": "BTC-USDT"}))
	require.Error(t, conn.Login(ctx))

	assert.Equal(t, 0, usageCount(t, limiter, okx.WSSubscriptionLimitID))
	assert.Equal(t, 0, usageCount(t, limiter, okx.WSLoginLimitID))
	assert.Equal(t, 0, usageCount(t, limiter, okx.WSRequestLimitID))
	// the handshake itself still counts
	assert.Equal(t, 1, usageCount(t, limiter, okx.WSConnectionLimitID))
}
