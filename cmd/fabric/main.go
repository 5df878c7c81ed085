// Command fabric runs the market-data ingestion fleet: login, shard the
// token universe across feed connections, and serve the in-memory LTP store.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantrail/tickfabric/config"
	"github.com/quantrail/tickfabric/internal/auth"
	"github.com/quantrail/tickfabric/internal/ltp"
	"github.com/quantrail/tickfabric/internal/parser"
	"github.com/quantrail/tickfabric/internal/sharder"
	"github.com/quantrail/tickfabric/internal/sink"
	"github.com/quantrail/tickfabric/internal/transport"
	"github.com/quantrail/tickfabric/lib/telemetry"
)

const (
	defaultConfigPath = "config/fabric.yaml"
	statsInterval     = 30 * time.Second
	refreshInterval   = time.Minute
	refreshSkew       = 5 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration")
	logLevel := flag.String("log-level", "info", "zerolog level (trace..error)")
	flag.Parse()

	log := newLogger(*logLevel)

	cfg, loaded, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if !loaded {
		log.Info().Str("path", *configPath).Msg("config file not found, using defaults and env")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	meterProvider, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()
	meter := meterProvider.Meter("tickfabric")

	store := ltp.NewStore()
	p := parser.New(cfg.Feed.TokenPrefix)

	fleet := sharder.New(log, p, store, sharder.Options{
		WSSURL:             cfg.Feed.WSSURL,
		MaxTokensPerConn:   cfg.Feed.MaxTokensPerConn,
		SubscribeBatchSize: cfg.Feed.SubscribeBatchSize,
		VerifyPeer:         cfg.Feed.VerifyPeer,
		CAFile:             cfg.Feed.CAFile,
		TokenPrefix:        cfg.Feed.TokenPrefix,
		Headers:            cfg.Feed.Headers,
		Transport: transport.Options{
			PingInterval:   cfg.Feed.PingInterval,
			ConnTimeout:    cfg.Feed.ConnTimeout,
			BackoffInitial: cfg.Feed.BackoffInitial,
			BackoffMax:     cfg.Feed.BackoffMax,
		},
		ControlInterval: controlLimit(cfg.Feed.ControlInterval),
		Sink:            buildSink(ctx, cfg.Sink, log),
	})
	if metrics, err := sharder.NewMetrics(meter); err == nil {
		fleet.SetMetrics(metrics)
	} else {
		log.Warn().Err(err).Msg("sharder metrics disabled")
	}
	if trMetrics, err := transport.NewMetrics(meter); err == nil {
		fleet.SetTransportMetrics(trMetrics)
	} else {
		log.Warn().Err(err).Msg("transport metrics disabled")
	}

	fleet.SetTokens(cfg.Feed.Tokens)

	var credentials *auth.Client
	if cfg.Auth.ClientCode != "" && cfg.Auth.TOTPSecret != "" {
		credentials = login(ctx, cfg.Auth, log)
		if credentials != nil {
			fleet.SetAccessToken(credentials.BearerValue())
		}
	} else {
		log.Warn().Msg("no credentials configured, connecting unauthenticated")
	}

	if err := fleet.Start(); err != nil {
		log.Fatal().Err(err).Msg("start fleet")
	}
	log.Info().Int("workers", fleet.NumWorkers()).Int("tokens", len(cfg.Feed.Tokens)).Msg("fabric running")

	go statsLoop(ctx, store, log)
	if credentials != nil {
		go refreshLoop(ctx, credentials, fleet, log)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	fleet.Stop()
	log.Info().Int("tokens_seen", store.Len()).Msg("stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func controlLimit(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return 0
	}
	return rate.Every(interval)
}

func buildSink(ctx context.Context, cfg config.SinkSettings, log zerolog.Logger) func(ltp.LTP) {
	if cfg.RedisURL == "" {
		return nil
	}
	rs, err := sink.NewRedisSink(ctx, cfg.RedisURL, cfg.KeyPrefix, log)
	if err != nil {
		log.Warn().Err(err).Msg("redis sink unavailable, continuing without")
		return nil
	}
	return rs.Sink()
}

func login(ctx context.Context, cfg config.AuthSettings, log zerolog.Logger) *auth.Client {
	client, err := auth.NewClient(auth.Config{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		ClientCode: cfg.ClientCode,
		Password:   cfg.Password,
		Timeout:    cfg.Timeout,
		VerifyPeer: true,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("auth client")
	}
	gen, err := auth.NewTOTP(cfg.TOTPSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("totp secret")
	}
	code, err := gen.Now()
	if err != nil {
		log.Fatal().Err(err).Msg("totp code")
	}
	if err := client.LoginWithTOTP(ctx, code); err != nil {
		log.Fatal().Err(err).Msg("login")
	}
	return client
}

// statsLoop logs the store cardinality so operators can see ingest progress.
func statsLoop(ctx context.Context, store *ltp.Store, log zerolog.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().Int("tokens", store.Len()).Msg("store size")
		}
	}
}

// refreshLoop rotates the bearer ahead of expiry. Live connections pick the
// new value up on their next reconnect.
func refreshLoop(ctx context.Context, credentials *auth.Client, fleet *sharder.Sharder, log zerolog.Logger) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !credentials.Expired(refreshSkew) {
			continue
		}
		if err := credentials.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("token refresh failed")
			continue
		}
		fleet.SetAccessToken(credentials.BearerValue())
		log.Info().Msg("bearer rotated; applies on next reconnect")
	}
}
