// Command otpd serves OTP authentication over RADIUS.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-mfa/pkg/challenge"
	"github.com/jeremyhahn/go-mfa/pkg/config"
	"github.com/jeremyhahn/go-mfa/pkg/hsm"
	otplog "github.com/jeremyhahn/go-mfa/pkg/log"
	"github.com/jeremyhahn/go-mfa/pkg/metrics"
	"github.com/jeremyhahn/go-mfa/pkg/notify"
	"github.com/jeremyhahn/go-mfa/pkg/policy"
	"github.com/jeremyhahn/go-mfa/pkg/radius"
	"github.com/jeremyhahn/go-mfa/pkg/store"
	"github.com/jeremyhahn/go-mfa/pkg/token"
	"github.com/jeremyhahn/go-mfa/pkg/validate"
	"github.com/jeremyhahn/go-mfa/pkg/yubikey"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := otplog.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("otpd stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("otpd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	ledger, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	kinds, err := buildKinds(cfg)
	if err != nil {
		return err
	}
	rules, err := policy.NewStatic(cfg.Policy)
	if err != nil {
		return err
	}

	// Gateways for SMS, e-mail and push register per channel; until one
	// is configured codes are only written to the log.
	router := notify.NewRouter()
	router.Fallback(notify.NewLogSender(logger))

	svc, err := validate.New(repo, ledger,
		validate.WithRegistry(kinds),
		validate.WithPolicy(rules),
		validate.WithSender(router),
		validate.WithLogger(logger),
		validate.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.RADIUS.Listen != "" {
		srv, err := radius.NewServer(cfg.RADIUS.Listen, cfg.RADIUS.Secret, svc, radius.WithLogger(logger))
		if err != nil {
			return err
		}
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		hs := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", hs.Addr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		expireLoop(ctx, svc, cfg.Ledger.ExpireInterval, logger)
		return nil
	})

	return g.Wait()
}

func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (token.Repository, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured; tokens are kept in memory")
		return store.NewMemoryStore(), func() {}, nil
	}
	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database.DSN); err != nil {
			return nil, nil, err
		}
	}

	var (
		seal      hsm.Module
		closeSeal = func() {}
	)
	if cfg.HSM.UsePKCS11() {
		pool, err := hsm.NewPool(cfg.HSM.PKCS11, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		seal = pool
		closeSeal = func() {
			if err := pool.Close(context.Background()); err != nil {
				logger.Warn("closing hsm pool", zap.Error(err))
			}
		}
	} else {
		aes, err := hsm.NewAESModuleFromHex(cfg.HSM.Key)
		if err != nil {
			return nil, nil, err
		}
		seal = aes
	}

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		closeSeal()
		return nil, nil, err
	}
	repo, err := store.NewPostgresStore(db, seal, logger)
	if err != nil {
		closeDB(db, logger)
		closeSeal()
		return nil, nil, err
	}
	return repo, func() {
		closeDB(db, logger)
		closeSeal()
	}, nil
}

func closeDB(db *sql.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("closing database", zap.Error(err))
	}
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (challenge.Ledger, func(), error) {
	if cfg.Backend != config.LedgerRedis {
		return challenge.NewMemoryLedger(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	ledger, err := challenge.NewRedisLedger(client, challenge.WithPrefix(cfg.Prefix))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return ledger, func() { client.Close() }, nil
}

func buildKinds(cfg *config.Config) (*token.Registry, error) {
	kinds := token.DefaultKinds()

	opts := []radius.Option{radius.WithRetry(cfg.RADIUS.UpstreamRetry)}
	if cfg.RADIUS.Upstream != "" {
		opts = append(opts, radius.WithDefaultServer(cfg.RADIUS.Upstream, cfg.RADIUS.UpstreamSecret))
	}
	rv, err := radius.NewVerifier(opts...)
	if err != nil {
		return nil, err
	}
	kinds = append(kinds, rv.Kind())

	if cfg.Yubico.ClientID != "" {
		yv, err := yubikey.NewVerifier(yubikey.Config{
			ClientID: cfg.Yubico.ClientID,
			APIKey:   cfg.Yubico.APIKey,
			Endpoint: cfg.Yubico.Endpoint,
		}, nil)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, yv.Kind())
	}
	return token.NewRegistry(kinds...), nil
}

// expireLoop purges stale challenges until ctx is done.
func expireLoop(ctx context.Context, svc *validate.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireChallenges(ctx)
			if err != nil {
				logger.Warn("expiring challenges", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("expired challenges", zap.Int("count", n))
			}
		}
	}
}
