package dispatcher

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// localDialer binds outgoing connections to localIP when it parses.
func localDialer(localIP string) *net.Dialer {
	d := &net.Dialer{}
	if ip := net.ParseIP(localIP); ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return d
}

func newHTTPClient(cfg Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = localDialer(cfg.LocalIP).DialContext
	return &http.Client{
		Transport: userAgentTransport{agent: cfg.UserAgent, base: transport},
		Timeout:   cfg.Timeout,
	}
}

func newWSDialer(cfg Config) *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext:   localDialer(cfg.LocalIP).DialContext,
		HandshakeTimeout: cfg.Timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
}
