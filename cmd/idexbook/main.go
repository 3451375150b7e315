package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/idexbook/internal/adapter"
	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/api"
	"github.com/caesar-terminal/idexbook/internal/config"
	"github.com/caesar-terminal/idexbook/internal/engine"
	"github.com/caesar-terminal/idexbook/internal/health"
	"github.com/caesar-terminal/idexbook/internal/kms"
	"github.com/caesar-terminal/idexbook/internal/logging"
	"github.com/caesar-terminal/idexbook/internal/metrics"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log)
	reg := metrics.Init(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, reg); err != nil {
		log.Error().Err(err).Msg("idexbook: exiting")
		cancel()
		memguard.Purge()
		os.Exit(1)
	}
	log.Info().Msg("idexbook: stopped")
}

func run(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(cfg.IDEX.Markets) == 0 {
		return errors.New("no markets configured, set IDEXBOOK_IDEX_MARKETS")
	}
	log.Info().
		Str("env", cfg.Env).
		Str("rest", cfg.IDEX.RESTURL).
		Str("ws", cfg.IDEX.WebSocketURL).
		Strs("markets", cfg.IDEX.Markets).
		Msg("idexbook: starting")

	creds, err := loadCredentials(ctx, cfg)
	if err != nil {
		return err
	}

	// Transport and protocol adapter.
	wsCfg := adapter.DefaultWSConfig(cfg.IDEX.WebSocketURL)
	wsCfg.HeartbeatTimeout = cfg.Sync.HeartbeatTimeout
	wsCfg.Backoff.Initial = cfg.Sync.BackoffInitial
	wsCfg.Backoff.Max = cfg.Sync.BackoffMax
	if wsCfg.Headers, err = creds.Header(); err != nil {
		return err
	}
	ws := adapter.NewWSClient(wsCfg)
	defer ws.Close()
	stream := idex.New(ws)

	// Synchronizer.
	client := engine.New(idex.NewRESTClient(cfg.IDEX.RESTURL, cfg.IDEX.RequestTimeout, creds), stream, engine.Config{
		Retry: engine.RetryPolicy{
			Base:        cfg.Sync.RetryBase,
			MaxAttempts: cfg.Sync.RetryMaxAttempts,
		},
		EventBuffer: cfg.Sync.EventBuffer,
	})
	if o := cfg.IDEX.FeeOverride; o.Set() {
		if err := client.SetFeeOverride(engine.FeeOverride{
			TakerIdexFeeRate:              o.TakerIdexFeeRate,
			TakerLiquidityProviderFeeRate: o.TakerLiquidityProviderFeeRate,
			TakerTradeMinimum:             o.TakerTradeMinimum,
		}); err != nil {
			return fmt.Errorf("fee override: %w", err)
		}
	}

	// Fan-out. Every subscription must exist before the broadcaster runs.
	bc := adapter.NewBroadcaster()
	bc.Register(client)

	cb := adapter.NewCircuitBreaker(adapter.CircuitBreakerConfig{
		StaleThreshold: cfg.Sync.StaleThreshold,
		CoolOff:        cfg.Sync.CoolOff,
	}, bc.SubscribeAll())
	cb.WatchConnection(ws)

	healthSrv, err := health.New(cfg.GRPC, cfg.IDEX.Markets, bc.SubscribeAll())
	if err != nil {
		return err
	}
	apiSrv := api.New(api.Config{Addr: cfg.HTTP.Addr, Admin: cfg.HTTP.Admin}, client, cb, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { stream.Run(gctx); return nil })
	g.Go(func() error { bc.Run(gctx); return nil })
	g.Go(func() error { cb.Run(gctx); return nil })
	g.Go(func() error { return healthSrv.Serve(gctx) })
	g.Go(func() error {
		if err := apiSrv.Run(gctx); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("idexbook: redis unreachable, writes will retry per event")
		}
		rw := adapter.NewRedisWriter(adapter.NewRedisClient(rdb), client, bc.SubscribeAll())
		g.Go(func() error { rw.Run(gctx); return nil })
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := adapter.NewKafkaPublisher(adapter.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), bc.SubscribeAll())
		g.Go(func() error { kp.Run(gctx); return nil })
	}

	if err := client.Start(gctx, cfg.IDEX.Markets); err != nil {
		return err
	}
	defer client.Stop()

	if err := ws.Connect(gctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.IDEX.WebSocketURL, err)
	}

	<-gctx.Done()
	log.Info().Msg("idexbook: shutting down")
	return ignoreCanceled(g.Wait())
}

// loadCredentials prefers a plaintext key and falls back to decrypting the
// KMS ciphertext. Neither means public endpoints only.
func loadCredentials(ctx context.Context, cfg *config.Config) (*idex.Credentials, error) {
	if cfg.IDEX.APIKey != "" {
		return idex.NewCredentials([]byte(cfg.IDEX.APIKey)), nil
	}
	if cfg.IDEX.APIKeyCiphertext == "" {
		return nil, nil
	}
	kc, err := kms.New(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	return kc.DecryptAPIKey(ctx, cfg.IDEX.APIKeyCiphertext)
}

func ignoreCanceled(err error) error {
	if err == nil || err == context.Canceled {
		return nil
	}
	return err
}
