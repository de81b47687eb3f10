// Command mx-server starts the Metrionix HTTP API and the internal gRPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/metrionix/internal/config"
	"github.com/and161185/metrionix/internal/crypto/sealer"
	"github.com/and161185/metrionix/internal/migrate"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/notify"
	"github.com/and161185/metrionix/internal/oauth"
	"github.com/and161185/metrionix/internal/oauth/statestore"
	"github.com/and161185/metrionix/internal/observability"
	"github.com/and161185/metrionix/internal/platform"
	"github.com/and161185/metrionix/internal/repository/postgres"
	"github.com/and161185/metrionix/internal/schema"
	grpcserver "github.com/and161185/metrionix/internal/server/grpc"
	httpserver "github.com/and161185/metrionix/internal/server/http"
	"github.com/and161185/metrionix/internal/service"
	"github.com/and161185/metrionix/internal/synclock"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// main loads configuration, runs migrations and serves HTTP and gRPC until
// SIGINT/SIGTERM.
func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	accessTTL := flag.Duration("access-ttl", time.Hour, "TTL of tokens minted for tooling")
	certFile := flag.String("tls-cert", "", "gRPC TLS certificate (PEM); plaintext if empty")
	keyFile := flag.String("tls-key", "", "gRPC TLS private key (PEM)")
	dev := flag.Bool("dev", false, "enable gRPC server reflection (dev only)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, ".env")
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		_, _ = os.Stderr.WriteString("log level: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	for name, perr := range cfg.ProviderProblems() {
		logger.Warn("oauth provider not configured", zap.String("provider", name), zap.Error(perr))
	}
	for name, werr := range cfg.WebhookProblems() {
		logger.Warn("webhook secret unusable; deliveries will be rejected", zap.String("platform", name), zap.Error(werr))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("grpc", cfg.Server.GRPCAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.Database.DSN, logger); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}
	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	ready := []func(context.Context) error{db.Ping}
	var states statestore.Store
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rc.Close() }()
		states = statestore.NewRedis(rc)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		logger.Warn("redis not configured; OAuth state is kept in process")
		states = statestore.NewMemory(time.Minute)
	}

	master, err := cfg.MasterKeyBytes()
	if err != nil {
		logger.Fatal("master key", zap.Error(err))
	}
	seal, err := sealer.New(master)
	if err != nil {
		logger.Fatal("sealer", zap.Error(err))
	}

	hc := &http.Client{Timeout: cfg.Sync.HTTPTimeout}
	clients := oauth.NewRegistry(cfg, hc)
	adapters := platform.Default(platform.Options{
		GoogleAdsDeveloperToken: cfg.OAuth.GoogleAdsDeveloperToken,
		Synthetic:               cfg.Sync.Synthetic,
	}, hc)
	if cfg.Sync.Synthetic {
		logger.Warn("synthetic platform adapters enabled")
	}

	var reconnect notify.Reconnector = notify.LogReconnector{Log: logger}
	if cfg.SMTP.Host != "" {
		reconnect = notify.NewSMTPReconnector(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Pass, cfg.SMTP.From, cfg.SMTP.To, logger)
	}

	metrics := observability.New()
	hub := notify.NewHub(cfg.OAuth.StateTTL)
	schemas, err := schema.Load()
	if err != nil {
		logger.Fatal("schemas", zap.Error(err))
	}

	// Repositories
	creds := postgres.NewCredentialRepo(db)
	metricRepo := postgres.NewMetricRepo(db)
	webhookRepo := postgres.NewWebhookRepo(db)
	if n, err := creds.ResetStaleSyncing(ctx, cfg.Sync.LockTTL); err != nil {
		logger.Warn("reset stale syncing", zap.Error(err))
	} else if n > 0 {
		logger.Info("reset stale syncing", zap.Int64("rows", n))
	}

	// Services
	authSvc := service.NewAuthService([]byte(cfg.Auth.JWTSecret), *accessTTL)
	oauthSvc := service.NewOAuthService(service.OAuthDeps{
		Clients:   clients,
		States:    states,
		Creds:     creds,
		Sealer:    seal,
		Publisher: hub,
		Origin:    cfg.Server.AppOrigin,
		StateTTL:  cfg.OAuth.StateTTL,
		Log:       logger,
		Metrics:   metrics,
	})
	syncSvc := service.NewSyncService(service.SyncDeps{
		Creds:     creds,
		Metrics:   metricRepo,
		Adapters:  adapters,
		Locker:    synclock.NewPG(db.Pool, cfg.Sync.LockTTL),
		Sealer:    seal,
		Refresher: clients,
		Reconnect: reconnect,
		BatchSize: cfg.Sync.BatchSize,
		Log:       logger,
		Obs:       metrics,
	})
	webhookSvc := service.NewWebhookService(service.WebhookDeps{
		Repo: webhookRepo,
		Secrets: map[model.Platform]string{
			model.PlatformMetaAds:     cfg.Webhooks.MetaAds,
			model.PlatformGoogleAds:   cfg.Webhooks.GoogleAds,
			model.PlatformWooCommerce: cfg.Webhooks.WooCommerce,
		},
		Schemas:       schemas,
		Resync:        syncSvc,
		ResyncTimeout: cfg.Sync.LockTTL,
		Log:           logger,
		Metrics:       metrics,
	})
	integrationSvc := service.NewIntegrationService(creds, logger)

	// HTTP
	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: httpserver.NewRouter(httpserver.Deps{
			Auth:         authSvc,
			OAuth:        oauthSvc,
			Sync:         syncSvc,
			Webhooks:     webhookSvc,
			Integrations: integrationSvc,
			Events:       hub,
			Schemas:      schemas,
			AppOrigin:    cfg.Server.AppOrigin,
			Ready: func(ctx context.Context) error {
				for _, check := range ready {
					if err := check(ctx); err != nil {
						return err
					}
				}
				return nil
			},
			Log:     logger,
			Metrics: metrics,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC with interceptors
	var opts []grpc.ServerOption
	if *certFile != "" {
		tc, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(tc))
	}
	gs, hs := grpcserver.NewGRPC(logger, authSvc, grpcserver.New(syncSvc, integrationSvc), opts...)
	if *dev {
		reflection.Register(gs)
	}
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr), zap.Bool("tls", *certFile != ""))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := httpSrv.Shutdown(sctx)
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			gs.Stop()
		}
		webhookSvc.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
