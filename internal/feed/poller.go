package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"okxgate/internal/dispatcher"
	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
	"okxgate/logger"
)

// PollerConfig controls the REST pollers.
type PollerConfig struct {
	Instruments []string
	Interval    time.Duration
	Depth       int
	// CallTimeout bounds one call including the wait for quota.
	CallTimeout time.Duration
}

// Poller fetches the server clock and an order book per instrument on a
// fixed interval.
type Poller struct {
	d   *dispatcher.Dispatcher
	out chan<- Message
	cfg PollerConfig
	log *logger.Log
}

func NewPoller(d *dispatcher.Dispatcher, out chan<- Message, cfg PollerConfig) *Poller {
	return &Poller{d: d, out: out, cfg: cfg, log: logger.GetLogger()}
}

// Run starts one worker per instrument plus the clock worker and returns
// when ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	log := p.log.WithComponent("okx_poller")
	log.WithFields(logger.Fields{"instruments": p.cfg.Instruments, "interval": p.cfg.Interval.String()}).Info("starting okx pollers")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.worker(ctx, "time", p.fetchServerTime)
		return nil
	})
	for _, inst := range p.cfg.Instruments {
		g.Go(func() error {
			p.worker(ctx, inst, p.fetchOrderBook)
			return nil
		})
	}
	err := g.Wait()
	log.Info("okx pollers stopped")
	return err
}

// worker runs fetch on interval boundaries.
func (p *Poller) worker(ctx context.Context, symbol string, fetch func(context.Context, string) error) {
	log := p.log.WithComponent("okx_poller").WithFields(logger.Fields{"symbol": symbol})
	interval := p.cfg.Interval
	now := time.Now()
	timer := time.NewTimer(now.Truncate(interval).Add(interval).Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			err := fetch(callCtx, symbol)
			cancel()

			next := start.Truncate(interval).Add(interval)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, ratelimit.ErrRateLimitTimeout):
				log.WithError(err).Warn("gave up waiting for rate limit")
			case errors.Is(err, dispatcher.ErrRateLimited):
				log.WithError(err).Warn("rate limited by exchange, backing off")
				next = next.Add(interval)
			default:
				log.WithError(err).Warn("poll failed")
			}
			if d := time.Since(start); d > interval {
				log.WithFields(logger.Fields{"duration_ms": d.Milliseconds(), "interval_ms": interval.Milliseconds()}).Warn("fetch took longer than interval")
			}
			timer.Reset(time.Until(next))
		}
	}
}

func (p *Poller) fetchServerTime(ctx context.Context, _ string) error {
	ts, err := p.d.ServerTime(ctx)
	if err != nil {
		return err
	}
	skew := time.Since(ts)
	p.log.LogMetric("okx_poller", "clock_skew_seconds", skew.Seconds(), "gauge", logger.Fields{"exchange": "okx"})
	return nil
}

func (p *Poller) fetchOrderBook(ctx context.Context, inst string) error {
	book, err := p.d.OrderBook(ctx, inst, p.cfg.Depth)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(book)
	if err != nil {
		return err
	}
	forward(ctx, p.out, Message{
		Exchange:  "okx",
		Channel:   okx.OrderBookPath,
		Symbol:    inst,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}, p.log)
	return nil
}
