package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raven-ecosystem/ravenauth/adapters/events"
	"github.com/raven-ecosystem/ravenauth/adapters/store"
	"github.com/raven-ecosystem/ravenauth/adapters/tokenizer"
	"github.com/raven-ecosystem/ravenauth/config"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/raven-ecosystem/ravenauth/service"
	httptransport "github.com/raven-ecosystem/ravenauth/transport/http"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	cleanupInterval = time.Hour
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sign-in HTTP gateway",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := newVerifier(cfg, log)
	if err != nil {
		return err
	}

	redisClient, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	var tokenStore ports.Store
	if redisClient != nil {
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		tokenStore = store.NewRedisStore(redisClient)
	} else {
		log.Warn("no Redis configured; logouts are forgotten on restart")
		tokenStore = store.NewMemoryStore()
	}

	publisher, err := newPublisher(redisClient, log.IsLevelEnabled(logrus.DebugLevel))
	if err != nil {
		return err
	}
	defer publisher.Close()

	key, err := loadSigningKey(cfg.JWTKeyFile, log)
	if err != nil {
		return err
	}

	authService := service.NewAuthService(
		v,
		tokenizer.NewJWTTokenizer(key, cfg.AccessTTL),
		tokenStore,
		events.NewWatermillPublisher(publisher),
		log,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := httptransport.SetupRouter(authService, httptransport.RouterOptions{
		Domain:         cfg.Domain,
		URI:            cfg.URI,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		AllowOrigins:   cfg.AllowOrigins,
		Logger:         log,
		Registry:       registry,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go cleanupLoop(ctx, authService, log)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// cleanupLoop drops expired sessions at the verifier every hour.
func cleanupLoop(ctx context.Context, authService *service.AuthService, log logrus.FieldLogger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, chain := range core.SupportedChains() {
			n, err := authService.CleanupSessions(ctx, chain)
			if errors.Is(err, core.ErrUnsupportedChain) {
				continue
			}
			if err != nil {
				log.WithError(err).WithField("chain", chain).Warn("session cleanup failed")
				continue
			}
			if n > 0 {
				log.WithFields(logrus.Fields{"chain": chain, "removed": n}).Info("expired sessions removed")
			}
		}
	}
}
