// Package feed keeps market data flowing through the dispatcher: REST
// pollers for snapshots and WebSocket streams for pushes.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"okxgate/internal/metrics"
	"okxgate/logger"
)

// Message is one payload read from OKX.
type Message struct {
	Exchange  string
	Channel   string
	Symbol    string
	Timestamp time.Time
	Data      json.RawMessage
}

// forward hands msg to out without blocking; a full channel drops it.
func forward(ctx context.Context, out chan<- Message, msg Message, log *logger.Log) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	default:
		log.WithComponent("feed").WithFields(logger.Fields{"channel": msg.Channel, "symbol": msg.Symbol}).Warn("output channel is full, dropping data")
		metrics.ReportDrop(log, msg.Channel, msg.Symbol)
		return false
	}
}
