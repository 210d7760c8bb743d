package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"okxgate/config"
	"okxgate/internal/dispatcher"
	"okxgate/internal/feed"
	"okxgate/internal/metrics"
	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
	"okxgate/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	shardPath := flag.String("shards", "", "Path to IP shard configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	region, err := cfg.OKX.RegionKey()
	if err != nil {
		log.WithError(err).Error("unknown okx region")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"service":     cfg.OKXGate.Name,
		"version":     cfg.OKXGate.Version,
		"environment": config.AppEnvironment(),
		"region":      string(region),
	}).Info("starting okxgate")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		err := logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			Dashboard:       cw.Dashboard,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
		if err != nil && config.IsProductionLike(config.AppEnvironment()) {
			log.WithError(err).Error("failed to initialise CloudWatch")
			os.Exit(1)
		}
	}

	promRegistry := metrics.NewRegistry()
	collector, err := metrics.NewCollector(promRegistry)
	if err != nil {
		log.WithError(err).Error("failed to register metrics")
		os.Exit(1)
	}

	limiter, d, err := newDispatcher(cfg, region, cfg.OKX.LocalIP, collector, log)
	if err != nil {
		log.WithError(err).Error("failed to create dispatcher")
		os.Exit(1)
	}
	// shard label -> limiter, for the usage reporter
	limiters := map[string]*ratelimit.Limiter{"primary": limiter}
	urls := d.URLs()
	log.WithFields(logger.Fields{"rest": urls.REST, "ws_public": urls.WSPublic, "ws_private": urls.WSPrivate}).Info("resolved okx endpoints")

	var public, private []string
	for _, ch := range cfg.OKX.Channels {
		if okx.IsPrivateChannel(ch) {
			private = append(private, ch)
		} else {
			public = append(public, ch)
		}
	}

	callTimeout := cfg.OKX.AcquireTimeout + cfg.OKX.Timeout
	messages := make(chan feed.Message, 1024)

	pollers := []*feed.Poller{feed.NewPoller(d, messages, feed.PollerConfig{
		Instruments: cfg.OKX.Instruments,
		Interval:    cfg.OKX.PollInterval,
		Depth:       cfg.OKX.BookDepth,
		CallTimeout: callTimeout,
	})}
	if *shardPath != "" {
		shards, err := config.LoadIPShards(*shardPath)
		if err != nil {
			log.WithError(err).Error("failed to load shard configuration")
			os.Exit(1)
		}
		// Public REST quota is counted per source IP, so each shard polls
		// through its own limiter.
		pollers = pollers[:0]
		for _, shard := range shards.Shards {
			sl, sd, err := newDispatcher(cfg, region, shard.IP, collector, log)
			if err != nil {
				log.WithError(err).Error("failed to create shard dispatcher")
				os.Exit(1)
			}
			limiters[shard.IP] = sl
			pollers = append(pollers, feed.NewPoller(sd, messages, feed.PollerConfig{
				Instruments: shard.Instruments,
				Interval:    cfg.OKX.PollInterval,
				Depth:       cfg.OKX.BookDepth,
				CallTimeout: callTimeout,
			}))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		g.Go(func() error { return p.Run(ctx) })
	}
	g.Go(func() error {
		return feed.NewStream(d, messages, feed.StreamConfig{
			Channels:    public,
			Instruments: cfg.OKX.Instruments,
			CallTimeout: callTimeout,
		}).Run(ctx)
	})
	if len(private) > 0 {
		g.Go(func() error {
			return feed.NewStream(d, messages, feed.StreamConfig{
				Private:     true,
				Channels:    private,
				CallTimeout: callTimeout,
			}).Run(ctx)
		})
	}
	if cfg.Metrics.PrometheusAddr != "" {
		g.Go(func() error {
			log.WithFields(logger.Fields{"addr": cfg.Metrics.PrometheusAddr}).Info("serving prometheus metrics")
			return metrics.Serve(ctx, cfg.Metrics.PrometheusAddr, promRegistry)
		})
	}
	g.Go(func() error {
		return metrics.RunReporter(ctx, log, limiters, collector, cfg.Metrics.ReportInterval)
	})
	g.Go(func() error {
		consume(ctx, messages, cfg.Metrics.ReportInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("okxgate stopped with error")
		os.Exit(1)
	}
	log.Info("okxgate stopped")
}

// newDispatcher builds the rule table, a limiter enforcing it and a
// dispatcher sending from localIP.
func newDispatcher(cfg *config.Config, region okx.Region, localIP string, collector *metrics.Collector, log *logger.Log) (*ratelimit.Limiter, *dispatcher.Dispatcher, error) {
	rules, err := okx.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	limiter := ratelimit.New(rules, ratelimit.WithLogger(log), ratelimit.WithObserver(collector))
	d, err := dispatcher.New(dispatcher.Config{
		Region:    region,
		UserAgent: cfg.OKX.UserAgent,
		LocalIP:   localIP,
		Timeout:   cfg.OKX.Timeout,
		Credentials: dispatcher.Credentials{
			APIKey:     cfg.OKX.APIKey,
			SecretKey:  cfg.OKX.SecretKey,
			Passphrase: cfg.OKX.Passphrase,
		},
	}, limiter, dispatcher.WithLogger(log), dispatcher.WithRequestObserver(collector))
	if err != nil {
		return nil, nil, err
	}
	return limiter, d, nil
}

func consume(ctx context.Context, messages chan feed.Message, interval time.Duration) {
	base := logger.GetLogger()
	log := base.WithComponent("main")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportBuffer(base, "messages", len(messages), cap(messages))
		case msg := <-messages:
			log.WithFields(logger.Fields{
				"channel": msg.Channel,
				"symbol":  msg.Symbol,
				"bytes":   len(msg.Data),
			}).Debug("received okx data")
		}
	}
}
