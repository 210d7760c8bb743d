package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ErrMissingCredentials is returned for private calls without an API key.
var ErrMissingCredentials = errors.New("okx credentials required")

// Signer authenticates a private REST request before it is sent. body is the
// exact payload that will be written.
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

// Credentials is an OKX API key triple. It signs REST requests with the
// OK-ACCESS-* headers and builds WebSocket login arguments.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string

	now func() time.Time
}

// Valid reports whether every part of the key is set.
func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

func (c Credentials) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c Credentials) Sign(req *http.Request, body []byte) error {
	if !c.Valid() {
		return ErrMissingCredentials
	}
	ts := c.clock().UTC().Format("2006-01-02T15:04:05.000Z")
	path := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	req.Header.Set("OK-ACCESS-KEY", c.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sign(ts+req.Method+path+string(body), c.SecretKey))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.Passphrase)
	return nil
}

type loginArgs struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

func (c Credentials) login() (loginArgs, error) {
	if !c.Valid() {
		return loginArgs{}, ErrMissingCredentials
	}
	ts := strconv.FormatInt(c.clock().Unix(), 10)
	return loginArgs{
		APIKey:     c.APIKey,
		Passphrase: c.Passphrase,
		Timestamp:  ts,
		Sign:       sign(ts+http.MethodGet+"/users/self/verify", c.SecretKey),
	}, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
