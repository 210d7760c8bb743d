// Package dispatcher sends OKX REST calls and WebSocket frames through the
// rate limiter. Every outbound call first acquires its endpoint identifier.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"okxgate/internal/metrics"
	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
	"okxgate/logger"
)

var (
	// ErrRateLimited marks a call the exchange refused for exceeding its
	// quota. Match it with errors.Is; the concrete error is an *APIError.
	ErrRateLimited = errors.New("okx rate limited")
	// ErrPrivateChannel is returned when subscribing to a private channel on
	// a public connection.
	ErrPrivateChannel = errors.New("private channel requires a private connection")
)

// rateLimitCodes are the envelope codes OKX uses for quota rejections.
var rateLimitCodes = map[string]struct{}{
	"50011": {},
	"50061": {},
}

// APIError is a non-zero OKX envelope code or an HTTP error status.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("okx http %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("okx error %s: %s", e.Code, e.Msg)
}

// RateLimited reports whether the exchange refused the call for quota.
func (e *APIError) RateLimited() bool {
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	if _, ok := rateLimitCodes[e.Code]; ok {
		return true
	}
	limited, _ := metrics.DetectLimit(e.Msg)
	return limited
}

func (e *APIError) Unwrap() error {
	if e.RateLimited() {
		return ErrRateLimited
	}
	return nil
}

// Config holds what the dispatcher needs from the application configuration.
type Config struct {
	Region      okx.Region
	UserAgent   string
	LocalIP     string
	Timeout     time.Duration
	Credentials Credentials
}

// RequestObserver is told about every finished REST call.
type RequestObserver interface {
	ObserveRequest(path string, status int, err error)
}

type nopRequestObserver struct{}

func (nopRequestObserver) ObserveRequest(string, int, error) {}

// Dispatcher is the single boundary between callers and the exchange.
type Dispatcher struct {
	cfg      Config
	urls     okx.BaseURLSet
	limiter  *ratelimit.Limiter
	client   *http.Client
	dialer   dialer
	signer   Signer
	observer RequestObserver
	log      *logger.Log
}

type Option func(*Dispatcher)

// WithHTTPClient replaces the default client. The user agent transport is
// not applied to it.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithBaseURLs overrides the region's URLs, for tests and proxies.
func WithBaseURLs(urls okx.BaseURLSet) Option {
	return func(d *Dispatcher) { d.urls = urls }
}

// WithSigner replaces the credentials signer. A nil signer is ignored.
func WithSigner(s Signer) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.signer = s
		}
	}
}

func WithRequestObserver(o RequestObserver) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

func WithLogger(log *logger.Log) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New resolves cfg.Region and returns a Dispatcher drawing from limiter. An
// unknown region fails here, before any traffic.
func New(cfg Config, limiter *ratelimit.Limiter, opts ...Option) (*Dispatcher, error) {
	if limiter == nil {
		return nil, errors.New("dispatcher: nil limiter")
	}
	urls, err := okx.ResolveBaseURLs(cfg.Region)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "okxgate"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		urls:     urls,
		limiter:  limiter,
		client:   newHTTPClient(cfg),
		dialer:   newWSDialer(cfg),
		signer:   cfg.Credentials,
		observer: nopRequestObserver{},
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// URLs returns the resolved endpoints.
func (d *Dispatcher) URLs() okx.BaseURLSet {
	return d.urls
}

// Request is one REST call. Path is both the URL path and the rate limit
// identifier.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Private bool
}

// Response is a decoded OKX envelope with code "0".
type Response struct {
	StatusCode int
	Code       string
	Msg        string
	Data       json.RawMessage
	RateLimit  metrics.RateLimitSnapshot
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Do acquires req.Path, sends the call and decodes the envelope. If the call
// fails before any bytes reach the exchange the reservation is rolled back.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"path": req.Path, "method": req.Method})

	res, err := d.limiter.Acquire(ctx, req.Path)
	if err != nil {
		d.observer.ObserveRequest(req.Path, 0, err)
		return nil, err
	}

	start := time.Now()
	httpReq, err := d.build(ctx, req)
	if err != nil {
		res.Release()
		d.observer.ObserveRequest(req.Path, 0, err)
		return nil, err
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if notSent(err) {
			res.Release()
		}
		d.observer.ObserveRequest(req.Path, 0, err)
		log.WithError(err).Warn("okx request failed")
		return nil, fmt.Errorf("okx %s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	out, err := decodeResponse(resp)
	d.observer.ObserveRequest(req.Path, resp.StatusCode, err)
	logger.LogPerformanceEntry(log, "dispatcher", "rest", time.Since(start), logger.Fields{"status": resp.StatusCode})
	if out != nil {
		metrics.ReportServerUsage(d.log, req.Path, out.RateLimit)
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.RateLimited() {
				metrics.ReportRateLimitExceeded(d.log, req.Path, d.cfg.LocalIP)
			}
			if _, banned := metrics.DetectLimit(apiErr.Msg); banned {
				metrics.ReportIPBan(d.log, req.Path, d.cfg.LocalIP)
			}
			log.WithFields(logger.Fields{"code": apiErr.Code, "status": apiErr.Status}).Debug("okx returned an error")
		}
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) build(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := strings.TrimSuffix(d.urls.REST, "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body []byte
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", req.Path, err)
		}
		body = raw
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Path, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Private {
		if err := d.signer.Sign(httpReq, body); err != nil {
			return nil, fmt.Errorf("sign %s: %w", req.Path, err)
		}
	}
	return httpReq, nil
}

// notSent reports whether err happened while connecting, so the exchange
// never saw the request.
func notSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func decodeResponse(resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read okx response: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode, RateLimit: metrics.ExtractRateLimit(resp.Header)}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return out, &APIError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
		}
		return out, fmt.Errorf("decode okx envelope: %w", err)
	}
	out.Code, out.Msg, out.Data = env.Code, env.Msg, env.Data

	if env.Code != "0" && env.Code != "" {
		return out, &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, &APIError{Status: resp.StatusCode, Msg: env.Msg}
	}
	return out, nil
}

// Decode unmarshals the envelope data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
