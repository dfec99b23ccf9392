// Command keyward starts the HTTP gateway and the internal gRPC credential reader.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/keyward/internal/config"
	"github.com/and161185/keyward/internal/limiter"
	"github.com/and161185/keyward/internal/migrate"
	"github.com/and161185/keyward/internal/notify"
	"github.com/and161185/keyward/internal/oauth"
	"github.com/and161185/keyward/internal/obs"
	"github.com/and161185/keyward/internal/repository"
	"github.com/and161185/keyward/internal/repository/memory"
	"github.com/and161185/keyward/internal/repository/postgres"
	grpcserver "github.com/and161185/keyward/internal/server/grpc"
	httpserver "github.com/and161185/keyward/internal/server/http"
	"github.com/and161185/keyward/internal/service"
	"github.com/and161185/keyward/internal/tenant"
	"github.com/and161185/keyward/internal/vault"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func newLogger(cfg config.Config) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.Production() {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// main loads configuration, wires storage and services, and serves until SIGINT/SIGTERM.
func main() {
	dev := flag.Bool("dev", false, "enable gRPC server reflection")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("env", cfg.Environment),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *dev); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, dev bool) error {
	signKey := []byte(cfg.JWTSecret)
	if len(signKey) == 0 {
		if cfg.Production() {
			return errors.New("JWT_SECRET is required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		signKey = []byte(hex.EncodeToString(buf))
		logger.Warn("JWT_SECRET not set, using a random key; sessions will not survive a restart")
	}

	users, sessions, closeRepos, err := openRepos(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepos()

	v, err := vault.New(vault.Options{
		Dir:           cfg.VaultDir,
		Passphrase:    cfg.VaultKey,
		PrimaryTenant: cfg.PrimaryTenant,
		Logger:        logger.Named("vault"),
	})
	if err != nil {
		return err
	}

	mailer := notify.NewDispatcher(notify.LogNotifier{BaseURL: cfg.BaseURL, Log: logger.Named("mail")}, logger, 0)
	defer mailer.Wait()

	authSvc := service.NewAuthService(users, sessions, service.DefaultAuthConfig(signKey),
		service.WithLogger(logger.Named("auth")),
		service.WithMailer(mailer),
	)

	states, closeStates, err := openStates(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStates()

	gw, err := oauth.NewGateway(oauth.Options{
		BaseURL:     cfg.BaseURL,
		Registry:    oauth.DefaultRegistry(),
		States:      states,
		Vault:       v,
		Auth:        authSvc,
		Provisioner: tenant.NewFileProvisioner(cfg.VaultDir, logger.Named("tenant")),
		Logger:      logger.Named("oauth"),
	})
	if err != nil {
		return err
	}
	for id, h := range gw.Health() {
		if !h.Configured {
			logger.Warn("oauth provider not configured", zap.String("provider", id), zap.Strings("missing", h.Missing))
		}
	}

	lim := limiter.NewMemory(cfg.RateLimitRPM, 10*time.Minute)
	defer lim.Stop()

	obs.Register(prometheus.DefaultRegisterer)

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpserver.NewRouter(httpserver.NewHandler(httpserver.Options{
			Auth:           authSvc,
			Gateway:        gw,
			Vault:          v,
			Limiter:        lim,
			Logger:         logger.Named("http"),
			Version:        version,
			LoginPageURL:   cfg.LoginPageURL,
			DashboardURL:   cfg.DashboardURL,
			TrustedProxies: cfg.TrustedProxies,
		})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.AuthUnary(authSvc),
			grpcserver.LoggingUnary(logger),
		),
	)
	grpcserver.Register(gs, grpcserver.New(v, logger.Named("grpc")))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if dev {
		reflection.Register(gs)
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			errCh <- gs.Serve(lis)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		gs.Stop()
	}
	return runErr
}

// openRepos picks PostgreSQL when DATABASE_URL is set and in-memory stores otherwise.
func openRepos(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.UserRepository, repository.SessionRepository, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, accounts are kept in memory")
		return memory.NewUsers(), memory.NewSessions(), func() {}, nil
	}
	if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, nil, err
	}
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return postgres.NewUserRepo(db), postgres.NewSessionRepo(db), db.Close, nil
}

// openStates picks Redis when REDIS_URL is set so several replicas share pending flows.
func openStates(ctx context.Context, cfg config.Config, logger *zap.Logger) (oauth.StateStore, func(), error) {
	if cfg.RedisURL == "" {
		s := oauth.NewMemoryStateStore(time.Minute)
		return s, s.Stop, nil
	}
	rdb, err := oauth.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("oauth state in redis")
	return oauth.NewRedisStateStore(rdb), func() { _ = rdb.Close() }, nil
}
