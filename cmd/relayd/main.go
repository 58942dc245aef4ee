// Relayd — the hosted signaling relay.
//
// It fronts the durable signal store for clients that cannot reach it
// directly (WebSocket gateway + HTTP catch-up), mints short-term TURN
// credentials, and keeps call history derived from the traffic it observes.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatr4661-cell/callkit/internal/config"
	"github.com/chatr4661-cell/callkit/internal/relay"
	signalstore "github.com/chatr4661-cell/callkit/internal/signal"
	"github.com/chatr4661-cell/callkit/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		util.Fatal("CALLKIT_JWT_SECRET is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		util.Fatal("redis unreachable at %s: %v", cfg.RedisAddr, err)
	}
	store := signalstore.NewRedisStore(rdb, "call", cfg.SignalTTL)

	records, db, err := relay.OpenRecordRepository(cfg.DatabasePath)
	if err != nil {
		util.Fatal("open call history: %v", err)
	}
	defer db.Close()

	srv := relay.NewServer(store, records, relay.Options{
		JWTSecret:      []byte(cfg.JWTSecret),
		TURNSecret:     []byte(cfg.TURNSecret),
		STUNURLs:       cfg.STUNURLs,
		TURNURLs:       cfg.TURNURLs,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("relayd listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("relayd: %v", err)
	}
	util.LogInfo("relayd stopped")
}
