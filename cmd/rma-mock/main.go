// Command rma-mock serves an in-memory RMA backend with demo data: the REST
// API, the websocket push channel and its long-poll fallback.
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

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/mockserver"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses flags, seeds the mock backend and serves it until signalled.
func main() {
	// Flags
	addr := flag.String("addr", ":8080", "listen address")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (random when empty)")
	accessTTL := flag.Duration("access-ttl", time.Hour, "access token TTL")
	pollWait := flag.Duration("poll-wait", 25*time.Second, "long-poll hold time")
	alertEvery := flag.Duration("alert-every", 0, "broadcast expiry alerts at this interval (0 disables)")
	alertWindow := flag.Duration("alert-window", 30*24*time.Hour, "expiry alert look-ahead")
	empty := flag.Bool("empty", false, "start without demo data")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	seed := mockserver.DemoSeed(time.Now())
	if *empty {
		seed = mockserver.Seed{}
	}
	srv, err := mockserver.New(mockserver.Options{
		Seed:       seed,
		SigningKey: []byte(*jwtKey),
		AccessTTL:  *accessTTL,
		PollWait:   *pollWait,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("mockserver.New", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *alertEvery > 0 {
		go srv.RunExpiryAlerts(ctx, *alertEvery, *alertWindow)
	}

	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", lis.Addr().String()),
			zap.Strings("accounts", []string{"admin@example.com/admin", "user@example.com/user"}))
		errCh <- hs.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// tell push clients to reconnect, then drain
		srv.DisconnectAll(context.Background())
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := hs.Shutdown(shCtx); err != nil {
			_ = hs.Close()
		}
		cancel()
		srv.Close()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			srv.Close()
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
