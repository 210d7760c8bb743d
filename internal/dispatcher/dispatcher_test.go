package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
)

var testCreds = Credentials{
	APIKey:     "key",
	SecretKey:  "secret",
	Passphrase: "pass",
	now:        func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 678e6, time.UTC) },
}

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	reg, err := okx.NewRegistry()
	require.NoError(t, err)
	return ratelimit.New(reg)
}

func newTestDispatcher(t *testing.T, handler http.Handler, creds Credentials) (*Dispatcher, *ratelimit.Limiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := newLimiter(t)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	d, err := New(Config{Region: okx.RegionUS, UserAgent: "okxgate-test", Timeout: 2 * time.Second, Credentials: creds}, limiter,
		WithBaseURLs(okx.BaseURLSet{
			REST:      srv.URL + "/",
			WSPublic:  wsBase + "/ws/v5/public",
			WSPrivate: wsBase + "/ws/v5/private",
		}))
	require.NoError(t, err)
	return d, limiter
}

func writeEnvelope(w http.ResponseWriter, code, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

func usageCount(t *testing.T, l *ratelimit.Limiter, id string) int {
	t.Helper()
	u, err := l.Usage(id)
	require.NoError(t, err)
	return u.Count
}

func TestNewResolvesRegion(t *testing.T) {
	d, err := New(Config{Region: okx.RegionUS}, newLimiter(t))
	require.NoError(t, err)
	assert.Equal(t, "https://us.okx.com/", d.URLs().REST)
	assert.Equal(t, "wss://wsus.okx.com:8443/ws/v5/public", d.URLs().WSPublic)

	_, err = New(Config{Region: "moon"}, newLimiter(t))
	assert.ErrorIs(t, err, okx.ErrUnknownRegion)

	_, err = New(Config{Region: okx.RegionGlobal}, nil)
	assert.Error(t, err)
}

func TestServerTime(t *testing.T) {
	var agent string
	d, limiter := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		assert.Equal(t, okx.ServerTimePath, r.URL.Path)
		w.Header().Set("Rate-Limit-Limit", "10")
		w.Header().Set("Rate-Limit-Remaining", "9")
		writeEnvelope(w, "0", "", []map[string]string{{"ts": "1700000000123"}})
	}), Credentials{})

	ts, err := d.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())
	assert.Equal(t, "okxgate-test", agent)
	assert.Equal(t, 1, usageCount(t, limiter, okx.ServerTimePath))
	assert.Equal(t, 1, usageCount(t, limiter, okx.WSRequestLimitID))
}

func TestDoRateLimited(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"envelope code", func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, "50011", "Too Many Requests", []any{})
		}},
		{"http 429", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d, limiter := newTestDispatcher(t, c.handler, Credentials{})
			_, err := d.Ticker(context.Background(), "BTC-USDT")
			require.ErrorIs(t, err, ErrRateLimited)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.True(t, apiErr.RateLimited())
			// the exchange saw the call, so the slot stays used
			assert.Equal(t, 1, usageCount(t, limiter, okx.TickerPath))
		})
	}
}

func TestDoAPIError(t *testing.T) {
	d, _ := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "51001", "Instrument ID does not exist", []any{})
	}), Credentials{})

	_, err := d.OrderBook(context.Background(), "NOPE", 5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "51001", apiErr.Code)
	assert.False(t, errors.Is(err, ErrRateLimited))
}

func TestDoPrivateWithoutCredentialsReleases(t *testing.T) {
	var hits atomic.Int32
	d, limiter := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}), Credentials{})

	_, err := d.Balance(context.Background())
	require.ErrorIs(t, err, ErrMissingCredentials)
	assert.Zero(t, hits.Load())
	assert.Equal(t, 0, usageCount(t, limiter, okx.BalancePath))
	assert.Equal(t, 0, usageCount(t, limiter, okx.WSRequestLimitID))
}

func TestDoDialFailureReleases(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	limiter := newLimiter(t)
	d, err := New(Config{Region: okx.RegionGlobal, Timeout: time.Second}, limiter,
		WithBaseURLs(okx.BaseURLSet{REST: addr + "/"}))
	require.NoError(t, err)

	_, err = d.ServerTime(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, usageCount(t, limiter, okx.ServerTimePath))
	assert.Equal(t, 0, usageCount(t, limiter, okx.WSRequestLimitID))
}

func TestDoWaitsForQuota(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, "0", "", []map[string]string{{"ts": "1"}})
	}))
	defer srv.Close()

	reg, err := ratelimit.NewRegistry([]ratelimit.Rule{{ID: okx.ServerTimePath, Limit: 1, Window: time.Minute}})
	require.NoError(t, err)
	rec := &requestRecorder{}
	d, err := New(Config{Region: okx.RegionGlobal}, ratelimit.New(reg),
		WithBaseURLs(okx.BaseURLSet{REST: srv.URL + "/"}), WithRequestObserver(rec))
	require.NoError(t, err)

	_, err = d.ServerTime(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = d.ServerTime(ctx)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitTimeout)
	assert.Equal(t, int32(1), hits.Load())

	// the abandoned call is still reported
	errs := rec.seen()
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ratelimit.ErrRateLimitTimeout)
}

type requestRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *requestRecorder) ObserveRequest(_ string, _ int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *requestRecorder) seen() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestWithSignerNilKeepsCredentials(t *testing.T) {
	keys := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("OK-ACCESS-KEY")
		writeEnvelope(w, "0", "", []any{})
	}))
	defer srv.Close()

	d, err := New(Config{Region: okx.RegionGlobal, Credentials: testCreds}, newLimiter(t),
		WithBaseURLs(okx.BaseURLSet{REST: srv.URL + "/"}), WithSigner(nil))
	require.NoError(t, err)

	_, err = d.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", <-keys)
}

func TestPlaceOrderSigned(t *testing.T) {
	var body map[string]string
	d, limiter := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		assert.Equal(t, "2024-01-02T03:04:05.678Z", ts)
		assert.Equal(t, "key", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "pass", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.Equal(t, sign(ts+http.MethodPost+okx.PlaceOrderPath+string(raw), "secret"), r.Header.Get("OK-ACCESS-SIGN"))

		writeEnvelope(w, "0", "", []OrderAck{{OrdID: "42", ClOrdID: body["clOrdId"], SCode: "0"}})
	}), testCreds)

	ack, err := d.PlaceOrder(context.Background(), OrderRequest{
		InstID: "BTC-USDT", Side: "buy", Type: okx.OrderTypeLimitMaker, Size: "0.1", Price: "30000",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", ack.OrdID)
	assert.Equal(t, "post_only", body["ordType"])
	assert.Equal(t, "cash", body["tdMode"])
	assert.True(t, strings.HasPrefix(body["clOrdId"], okx.ClientIDPrefix))
	assert.LessOrEqual(t, len(body["clOrdId"]), okx.MaxClientIDLen)
	assert.Equal(t, 1, usageCount(t, limiter, okx.PlaceOrderPath))
}

func TestPlaceOrderRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "0", "", []OrderAck{{SCode: "51008", SMsg: "insufficient balance"}})
	}), testCreds)

	_, err := d.PlaceOrder(context.Background(), OrderRequest{InstID: "BTC-USDT", Side: "buy", Type: okx.OrderTypeMarket, Size: "1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "51008", apiErr.Code)

	_, err = d.PlaceOrder(context.Background(), OrderRequest{Type: okx.OrderType(99)})
	assert.ErrorIs(t, err, okx.ErrUnknownOrderType)
}

func TestOrderDetailsStatus(t *testing.T) {
	d, _ := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("clOrdId"))
		writeEnvelope(w, "0", "", []Order{{InstID: "BTC-USDT", ClOrdID: "abc", State: "partially_filled"}})
	}), testCreds)

	o, err := d.OrderDetails(context.Background(), OrderRef{InstID: "BTC-USDT", ClOrdID: "abc"})
	require.NoError(t, err)
	st, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, okx.OrderStatePartiallyFilled, st)
}

func TestCancelBatchAndFills(t *testing.T) {
	d, limiter := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case okx.BatchCancelOrdersPath:
			var refs []OrderRef
			require.NoError(t, json.NewDecoder(r.Body).Decode(&refs))
			acks := make([]OrderAck, len(refs))
			for i, ref := range refs {
				acks[i] = OrderAck{OrdID: ref.OrdID, SCode: "0"}
			}
			writeEnvelope(w, "0", "", acks)
		case okx.TradeFillsPath:
			writeEnvelope(w, "0", "", []Fill{{InstID: "BTC-USDT", TradeID: "1"}})
		default:
			http.NotFound(w, r)
		}
	}), testCreds)

	acks, err := d.CancelBatchOrders(context.Background(), []OrderRef{{InstID: "BTC-USDT", OrdID: "1"}, {InstID: "BTC-USDT", OrdID: "2"}})
	require.NoError(t, err)
	assert.Len(t, acks, 2)

	fills, err := d.Fills(context.Background(), "SPOT", "")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "1", fills[0].TradeID)

	assert.Equal(t, 2, usageCount(t, limiter, okx.WSRequestLimitID))
}
