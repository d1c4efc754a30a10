package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/val-makkas/absolute-cinema-sub001/config"
	"github.com/val-makkas/absolute-cinema-sub001/logger"
	"github.com/val-makkas/absolute-cinema-sub001/metrics"
	"github.com/val-makkas/absolute-cinema-sub001/protocol"
	"github.com/val-makkas/absolute-cinema-sub001/registry"
	ws "github.com/val-makkas/absolute-cinema-sub001/websocket"
)

const shutdownTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	if err := config.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "text")
	slog.SetDefault(logger.New(logLevel, logFormat))

	met := metrics.New()
	rooms := registry.New(met)
	handler := protocol.NewHandler(rooms, nil, met)

	r := chi.NewRouter()
	r.Get("/ws", wsHandler(handler))
	r.Get("/health", healthHandler)
	r.Get("/stats", statsHandler(rooms))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			roomCount, memberCount := rooms.Stats()
			met.SetActiveRooms(roomCount)
			met.SetConnectedMembers(memberCount)
		}).ServeHTTP(w, req)
	})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func wsHandler(handler *protocol.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), conn, handler)
		wsConn.Start()
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(rooms *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomCount, memberCount := rooms.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"rooms": roomCount, "members": memberCount})
	}
}
