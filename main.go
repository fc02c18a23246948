// Command driftpad runs the collaborative note service: a JSON sharing API
// and a websocket sync endpoint over one document store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"driftpad/cache"
	"driftpad/collab"
	"driftpad/config"
	"driftpad/httpapi"
	"driftpad/store"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file (default: discovered)")
	flag.Parse()

	if err := run(*cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "driftpad:", err)
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	docCache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer docCache.Close()

	collabCfg := collab.Config{
		PersistDebounce:      cfg.Persist.Debounce(),
		PersistRetryMax:      cfg.Persist.RetryMax,
		PersistRetryBackoff:  cfg.Persist.RetryBackoff(),
		AwarenessTTL:         cfg.Awareness.TTL(),
		HandshakeTimeout:     cfg.Session.HandshakeTimeout(),
		PongTimeout:          cfg.Transport.PongTimeout(),
		PingInterval:         cfg.Transport.PingInterval(),
		OutboundBufferFrames: cfg.Transport.OutboundBufferFrames,
		MaxFrameBytes:        cfg.Transport.MaxFrameBytes,
		OnPersist: func(documentID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = docCache.Delete(ctx, documentID)
		},
	}
	registry := collab.NewRegistry(st, collabCfg, logger)
	wsHandler := collab.NewHandler(registry, collabCfg, logger, nil)

	apiCfg := httpapi.DefaultConfig()
	apiCfg.Host = cfg.Server.Host
	apiCfg.Port = cfg.Server.Port
	apiCfg.BaseURL = cfg.Server.BaseURL
	apiCfg.BodyLimitBytes = cfg.HTTP.BodyLimitBytes
	apiCfg.RateLimitRPM = cfg.HTTP.RateLimitRPM
	apiCfg.AllowedOrigins = cfg.CORS.AllowedOrigins
	apiCfg.CacheTTL = cfg.Cache.TTL()

	srv, err := httpapi.NewServer(apiCfg, st, registry, wsHandler, docCache, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	// Stop accepting requests first, then tell every client the server is
	// going away and flush unsaved documents, all inside one deadline.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := registry.Drain(ctx); err != nil {
		logger.Warn("session drain incomplete", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.DSN == "" {
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(cfg.Store.DSN, store.PoolConfig{
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime(),
	}, logger)
}

func openCache(cfg *config.Config, logger *zap.Logger) (cache.Cache[store.Document], error) {
	opts := &cache.Options{DefaultTTL: cfg.Cache.TTL()}
	if cfg.Cache.RedisURL == "" {
		logger.Info("using in-memory read cache")
		return cache.NewMemoryCache[store.Document](opts), nil
	}
	logger.Info("using redis read cache")
	return cache.NewRedisCacheFromURL[store.Document](cfg.Cache.RedisURL, opts)
}
