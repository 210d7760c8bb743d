package metrics

import (
	"strings"

	"okxgate/logger"
)

// ReportRateLimitExceeded records a call the exchange refused for quota. ip
// is the local source address, empty when unbound.
func ReportRateLimitExceeded(log *logger.Log, path, ip string) {
	l := log.WithComponent("dispatcher")
	fields := logger.Fields{"exchange": "okx", "path": path, "ip": ip}
	l.LogMetric("dispatcher", "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan records a response saying the source IP is blocked.
func ReportIPBan(log *logger.Log, path, ip string) {
	l := log.WithComponent("dispatcher")
	fields := logger.Fields{"exchange": "okx", "path": path, "ip": ip}
	l.LogMetric("dispatcher", "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// DetectLimit inspects an OKX error message for rate limit or IP ban wording.
func DetectLimit(msg string) (rateLimit bool, ipBan bool) {
	lower := strings.ToLower(msg)
	rateLimit = strings.Contains(lower, "too many requests") || strings.Contains(lower, "frequency limit")
	ipBan = strings.Contains(lower, "ip") && (strings.Contains(lower, "blocked") || strings.Contains(lower, "ban"))
	return
}

// ReportDrop records one message dropped because the consumer fell behind.
func ReportDrop(log *logger.Log, channel, symbol string) {
	fields := logger.Fields{"exchange": "okx"}
	if channel != "" {
		fields["channel"] = channel
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	log.LogMetric("channel_drops", "messages_dropped", int64(1), "counter", fields)
}

// ReportBuffer records how full a message buffer is.
func ReportBuffer(log *logger.Log, name string, length, capacity int) {
	log.LogMetric("channel_buffers", name+"_buffer_length", length, "gauge", logger.Fields{
		"buffer":   name,
		"capacity": capacity,
	})
}
