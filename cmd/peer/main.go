package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/couchsync/server/internal/client"
	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/engine"
	"github.com/couchsync/server/internal/engine/filecache"
	"github.com/couchsync/server/internal/reload"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	serverURL = configVar[string]{
		envKey:       "COUCHSYNC_SERVER_URL",
		flagKey:      "server-url",
		defaultValue: "http://localhost:8080",
	}
	room = configVar[string]{
		envKey:       "COUCHSYNC_ROOM",
		flagKey:      "room",
		defaultValue: "lobby",
	}
	cachePath = configVar[string]{
		envKey:       "COUCHSYNC_CACHE_PATH",
		flagKey:      "cache-path",
		defaultValue: "couchsync-state.json",
	}
	logLevel = configVar[string]{
		envKey:       "COUCHSYNC_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
)

type peerConfig struct {
	ServerURL string
	Room      string
	CachePath string
	LogLevel  string
}

func loadPeerConfig() *peerConfig {
	pflag.String(serverURL.flagKey, serverURL.defaultValue, "Relay base URL")
	pflag.String(room.flagKey, room.defaultValue, "Room to join")
	pflag.String(cachePath.flagKey, cachePath.defaultValue, "Cached playback state file")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(serverURL.flagKey, serverURL.envKey)
	viper.BindEnv(room.flagKey, room.envKey)
	viper.BindEnv(cachePath.flagKey, cachePath.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)

	return &peerConfig{
		ServerURL: viper.GetString(serverURL.flagKey),
		Room:      viper.GetString(room.flagKey),
		CachePath: viper.GetString(cachePath.flagKey),
		LogLevel:  viper.GetString(logLevel.flagKey),
	}
}

func main() {
	cfg := loadPeerConfig()

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, cfg, logger); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *peerConfig, logger *slog.Logger) error {
	clock := clockwork.NewRealClock()
	api := &client.API{BaseURL: cfg.ServerURL}

	// No playback before the catalog is available; keep retrying with a
	// visible note rather than failing.
	catalog, err := api.FetchCatalog(ctx)
	for err != nil {
		logger.Warn("media library unavailable, retrying", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
		catalog, err = api.FetchCatalog(ctx)
	}

	cl, err := client.Dial(ctx, cfg.ServerURL, cfg.Room, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer cl.Close()

	player := newVirtualPlayer(clock)
	store := filecache.New(cfg.CachePath)
	eng := engine.New(player, cl, store, clock, nil, logger)
	player.setEvents(eng)

	eng.OnStatus = func(status engine.Status, reason string) {
		logger.Info("sync status", "status", string(status), "reason", reason)
	}

	eng.SetCatalog(catalog)
	eng.Restore()

	watcher := reload.NewWatcher(api, eng.Capture, func() {
		// A headless peer's "reload" is a clean exit; the supervisor
		// restarts it and Restore picks the position back up.
		logger.Info("server redeployed, restarting")
		cancel()
	}, clock, nil, logger)

	cl.OnChat = func(p domain.ChatPayload) {
		logger.Info("chat", "sender", p.Sender, "text", p.Text)
	}
	cl.OnRoomInfo = func(count int) {
		logger.Info("room update", "peers", count)
	}
	cl.OnSignal = func(msgType string, _ json.RawMessage) {
		logger.Info("call signal", "type", msgType)
		if msgType == domain.MsgCallOffer {
			// A headless peer has no media devices; decline right away.
			if err := cl.SendSignal(domain.MsgCallEnd, json.RawMessage(`{}`)); err != nil {
				logger.Debug("failed to decline call", "err", err)
			}
		}
	}

	go eng.Run(ctx)
	go watcher.Run(ctx)
	go runCommands(ctx, os.Stdin, os.Stdout, eng, cl, clock)

	err = cl.Run(ctx, eng, watcher)
	eng.Capture()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
