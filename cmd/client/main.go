package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/val-makkas/absolute-cinema-sub001/config"
	"github.com/val-makkas/absolute-cinema-sub001/domain"
	"github.com/val-makkas/absolute-cinema-sub001/gateway"
	"github.com/val-makkas/absolute-cinema-sub001/logger"
	"github.com/val-makkas/absolute-cinema-sub001/party"
	"github.com/val-makkas/absolute-cinema-sub001/player"
)

// Headless watch-party client: one gateway connection, one local player
// process, one room session keeping the two in sync.
func main() {
	if err := config.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "text")
	slog.SetDefault(logger.New(logLevel, logFormat))

	serverURL := config.GetEnv("SERVER_URL", "ws://localhost:8080/ws")
	token := config.GetEnv("TOKEN", "")
	roomID := config.GetEnv("ROOM", "default")
	username := config.GetEnv("USERNAME", "anonymous")
	media := config.GetEnv("MEDIA", "")
	if token == "" || media == "" {
		slog.Error("TOKEN and MEDIA must be set")
		os.Exit(1)
	}

	gw := gateway.New(serverURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := gw.Connect(ctx, token)
	cancel()
	if err != nil {
		slog.Error("connect failed", "error", err)
		os.Exit(1)
	}

	ctrl := player.New(player.Config{
		Binary:       config.GetEnv("PLAYER_BINARY", "mpv"),
		SocketPath:   config.GetEnv("PLAYER_SOCKET", filepath.Join(os.TempDir(), "cinema-mpv.sock")),
		Args:         []string{"--idle=yes", "--force-window=yes"},
		StartTimeout: config.GetEnvDuration("PLAYER_START_TIMEOUT", 10*time.Second),
	})
	launchCtx, cancelLaunch := context.WithTimeout(context.Background(), 30*time.Second)
	err = ctrl.Launch(launchCtx)
	cancelLaunch()
	if err != nil {
		slog.Error("player launch failed", "error", err)
		gw.Disconnect()
		os.Exit(1)
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ctrl.LoadFile(loadCtx, media); err != nil {
		slog.Warn("load failed, player stays idle", "media", media, "error", err)
	}
	cancelLoad()

	session := party.New(gw, ctrl, roomID, username)
	session.Start(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exhausted := make(chan struct{}, 1)
	gw.Subscribe("client-main", []string{domain.TypeReconnectExhausted}, func(domain.Message) {
		select {
		case exhausted <- struct{}{}:
		default:
		}
	})

	select {
	case <-quit:
		slog.Info("client shutting down")
	case <-exhausted:
		slog.Error("connection lost for good, shutting down")
	}

	session.Stop()
	gw.Disconnect()
	if err := ctrl.Shutdown(); err != nil {
		slog.Warn("player teardown", "error", err)
	}
}
