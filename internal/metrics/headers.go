package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"okxgate/logger"
)

// RateLimitSnapshot captures the rate-limit metadata OKX returns on REST
// responses. Negative fields were absent from the response.
type RateLimitSnapshot struct {
	Limit         float64
	Remaining     float64
	ResetUnixMs   float64
	WindowSeconds float64
}

// Present reports whether any rate-limit header was found.
func (rl RateLimitSnapshot) Present() bool {
	return rl.Limit >= 0 || rl.Remaining >= 0
}

// ExtractRateLimit reads the Rate-Limit-* headers, accepting the X-RateLimit-*
// spellings as well. Values such as "20;w=2" keep their leading number and
// take the window from the w= parameter.
func ExtractRateLimit(header http.Header) RateLimitSnapshot {
	rl := RateLimitSnapshot{Limit: -1, Remaining: -1, ResetUnixMs: -1, WindowSeconds: -1}
	if header == nil {
		return rl
	}

	if v := firstHeader(header, "Rate-Limit-Limit", "X-RateLimit-Limit"); v != "" {
		rl.Limit = leadingNumber(v, -1)
		if w := windowParam(v); w > 0 {
			rl.WindowSeconds = w
		}
	}
	if v := firstHeader(header, "Rate-Limit-Remaining", "X-RateLimit-Remaining"); v != "" {
		rl.Remaining = leadingNumber(v, -1)
	}
	if v := firstHeader(header, "Rate-Limit-Reset", "X-RateLimit-Reset"); v != "" {
		rl.ResetUnixMs = leadingNumber(v, -1)
		if rl.ResetUnixMs > 0 && rl.ResetUnixMs < 1e12 {
			rl.ResetUnixMs *= 1000
		}
	}
	if v := firstHeader(header, "Rate-Limit-Interval", "X-RateLimit-Interval"); v != "" {
		if secs := parseIntervalSeconds(v); secs > 0 {
			rl.WindowSeconds = secs
		}
	}
	return rl
}

// ReportServerUsage emits what the exchange says about path's quota. It is
// observation only; the local rule table is never changed from it.
func ReportServerUsage(log *logger.Log, path string, rl RateLimitSnapshot) bool {
	if log == nil || !rl.Present() {
		return false
	}
	l := log.WithComponent("dispatcher")
	fields := logger.Fields{"exchange": "okx", "path": path}
	if rl.Limit >= 0 {
		l.LogMetric("dispatcher", "server_limit", rl.Limit, "gauge", fields)
	}
	if rl.Remaining >= 0 {
		l.LogMetric("dispatcher", "server_remaining", rl.Remaining, "gauge", fields)
	}
	if rl.Limit > 0 && rl.Remaining >= 0 {
		used := rl.Limit - rl.Remaining
		if used < 0 {
			used = 0
		}
		l.LogMetric("dispatcher", "server_used", used, "gauge", fields)
	}
	if rl.WindowSeconds > 0 {
		l.LogMetric("dispatcher", "server_window_seconds", rl.WindowSeconds, "gauge", fields)
	}
	return true
}

func firstHeader(header http.Header, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func leadingNumber(s string, fallback float64) float64 {
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	if end == 0 {
		return fallback
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return fallback
	}
	return f
}

func windowParam(s string) float64 {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"window=", "w="} {
		if idx := strings.Index(lower, prefix); idx != -1 {
			rest := lower[idx+len(prefix):]
			if end := strings.IndexAny(rest, ";, "); end != -1 {
				rest = rest[:end]
			}
			return parseIntervalSeconds(rest)
		}
	}
	return 0
}

func parseIntervalSeconds(val string) float64 {
	lower := strings.ToLower(strings.TrimSpace(val))
	if strings.HasSuffix(lower, "ms") {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(lower, "ms"), 64); err == nil {
			return f / 1000
		}
	}
	if strings.HasSuffix(lower, "s") {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(lower, "s"), 64); err == nil {
			return f
		}
	}
	f, err := strconv.ParseFloat(lower, 64)
	if err != nil {
		return 0
	}
	return f
}
