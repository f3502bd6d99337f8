package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchsync/server/internal/catalog"
	"github.com/couchsync/server/internal/controller"
	"github.com/couchsync/server/internal/relay"
	"github.com/couchsync/server/internal/relay/redisbridge"
	"github.com/couchsync/server/pkg/ctxlogger"
	"github.com/couchsync/server/pkg/redisclient"
)

type AppConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port" validate:"gt=0"`
	LogLevel  string `json:"log_level"`
	MediaRoot string `json:"media_root" validate:"required"`
	Version   string `json:"version" validate:"required"`

	// Redis is optional: with no host the relay runs single-instance.
	RedisHost     string `json:"redis_host"`
	RedisPort     int    `json:"redis_port"`
	RedisPassword string `json:"-"`
}

func Run(ctx context.Context, cfg *AppConfig) error {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}),
	}
	logger := slog.New(h)

	hub := relay.NewHub(cfg.Version, logger)

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()

	if cfg.RedisHost != "" {
		rc, err := redisclient.New(&redisclient.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis client: %w", err)
		}
		defer rc.Close()

		bridge := redisbridge.New(rc, logger)
		hub.SetBridge(bridge)
		go func() {
			if err := bridge.Run(bridgeCtx, hub.ForwardRemote); err != nil && bridgeCtx.Err() == nil {
				logger.Error("redis bridge stopped", "err", err)
			}
		}()
	}

	scanner := catalog.NewScanner(cfg.MediaRoot, "/media")
	ctrl := controller.NewController(hub, scanner, cfg.MediaRoot, cfg.Version, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: ctrl.GetMux(),
	}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr, "version", cfg.Version)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
