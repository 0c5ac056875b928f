package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"chatlog/internal/config"
	"chatlog/internal/domwatch"
	"chatlog/internal/intercept"
	"chatlog/internal/logging"
	"chatlog/internal/logwriter"
	"chatlog/internal/proxy"
	"chatlog/internal/turn"
	"chatlog/internal/turnbus"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	cfg := config.New()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.ProxyUpstream == "" {
		log.Fatal().Msg("PROXY_UPSTREAM is required")
	}
	upstream, err := url.Parse(cfg.ProxyUpstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		log.Fatal().Err(err).Str("upstream", cfg.ProxyUpstream).Msg("invalid PROXY_UPSTREAM")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := turnbus.New(logwriter.NewRemoteSink(cfg.LogEndpoint, nil), 0)
	if err := bus.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start turn bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("turn bus close")
		}
	}()

	corr := turn.NewCorrelator(bus, turn.Options{PagePath: cfg.CapturePagePath})
	icpt := intercept.New(corr, intercept.Options{Excluder: cfg.Excluder()})

	opts := proxy.Options{
		Upstream:    upstream,
		Interceptor: icpt,
		Session:     corr,
	}
	if cfg.DOMCapturePath != "" {
		opts.DOMPath = cfg.DOMCapturePath
		opts.Observer = &domwatch.Observer{Turns: corr}
	}
	p, err := proxy.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create capture proxy")
	}

	log.Info().
		Str("upstream", upstream.String()).
		Str("log_endpoint", cfg.LogEndpoint).
		Str("dom_path", cfg.DOMCapturePath).
		Msg("capture proxy configured")

	if err := p.Run(ctx, cfg.ProxyListenAddr); err != nil {
		log.Error().Err(err).Msg("capture proxy stopped with error")
		os.Exit(1)
	}
}
