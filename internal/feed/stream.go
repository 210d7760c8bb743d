package feed

import (
	"context"
	"errors"
	"time"

	"okxgate/internal/dispatcher"
	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
	"okxgate/logger"
)

const (
	pingInterval   = 20 * time.Second
	reconnectDelay = 5 * time.Second
)

// StreamConfig selects what a Stream subscribes to.
type StreamConfig struct {
	Private     bool
	Channels    []string
	Instruments []string
	CallTimeout time.Duration
}

// Stream keeps one WebSocket connection subscribed, reconnecting until its
// context ends. Every dial, login and subscribe goes through the limiter.
type Stream struct {
	d   *dispatcher.Dispatcher
	out chan<- Message
	cfg StreamConfig
	log *logger.Log
}

func NewStream(d *dispatcher.Dispatcher, out chan<- Message, cfg StreamConfig) *Stream {
	return &Stream{d: d, out: out, cfg: cfg, log: logger.GetLogger()}
}

func (s *Stream) Run(ctx context.Context) error {
	log := s.log.WithComponent("okx_stream").WithFields(logger.Fields{"private": s.cfg.Private, "channels": s.cfg.Channels})
	if len(s.cfg.Channels) == 0 {
		log.Info("no channels configured, stream idle")
		return nil
	}
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if permanent(err) {
			log.WithError(err).Error("stream cannot be set up, not retrying")
			return err
		}
		var apiErr *dispatcher.APIError
		if errors.As(err, &apiErr) && !apiErr.RateLimited() {
			log.WithError(err).Error("stream rejected by exchange")
			return err
		}
		log.WithError(err).Warn("websocket session ended, reconnecting")
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one connection from dial to the first read error.
func (s *Stream) session(ctx context.Context) error {
	log := s.log.WithComponent("okx_stream")
	setup, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	var (
		conn *dispatcher.Conn
		err  error
	)
	if s.cfg.Private {
		conn, err = s.d.DialPrivate(setup)
	} else {
		conn, err = s.d.DialPublic(setup)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	if s.cfg.Private {
		if err := conn.Login(setup); err != nil {
			return err
		}
	}
	for _, ch := range s.cfg.Channels {
		if err := conn.Subscribe(setup, ch, s.subscriptionArgs(ch)...); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.Ping(ctx); err != nil {
					log.WithError(err).Debug("ping failed")
				}
			}
		}
	}()

	for {
		evt, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		switch evt.Event {
		case "pong", "subscribe", "login", "channel-conn-count":
			continue
		case "error":
			return &dispatcher.APIError{Code: evt.Code, Msg: evt.Msg}
		}
		if len(evt.Data) == 0 {
			continue
		}
		forward(ctx, s.out, Message{
			Exchange:  "okx",
			Channel:   evt.Arg["channel"],
			Symbol:    evt.Arg["instId"],
			Timestamp: time.Now().UTC(),
			Data:      evt.Data,
		}, s.log)
	}
}

// permanent reports errors that another connection attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ratelimit.ErrUnknownIdentifier) ||
		errors.Is(err, dispatcher.ErrPrivateChannel) ||
		errors.Is(err, dispatcher.ErrMissingCredentials)
}

func (s *Stream) subscriptionArgs(channel string) []map[string]string {
	switch channel {
	case okx.AccountChannel:
		return nil
	case okx.OrdersChannel:
		return []map[string]string{{"instType": "ANY"}}
	}
	args := make([]map[string]string, 0, len(s.cfg.Instruments))
	for _, inst := range s.cfg.Instruments {
		args = append(args, map[string]string{"instId": inst})
	}
	return args
}
