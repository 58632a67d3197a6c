// chatnet-mock runs a local chat backend for exercising chatnet clients
// without touching the real service.
//
// Usage:
//
//	go run ./cmd/chatnet-mock -addr :8080 -deliver-every 5s
//
// Then point a client at ws://localhost:8080/v1/websocket/.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/layr8/chatnet/internal/mockserver"
)

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	auth := flag.String("auth", "", "require basic auth as user:password")
	queueEmpty := flag.Bool("queue-empty", false, "push a queue-empty request to each client on connect")
	deliverEvery := flag.Duration("deliver-every", 0, "push a generated envelope to all clients at this interval (0 disables)")
	verbose := flag.Bool("v", false, "log every request")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []mockserver.Option{mockserver.WithLogger(logger)}
	if *auth != "" {
		user, pass, ok := strings.Cut(*auth, ":")
		if !ok {
			fmt.Fprintln(os.Stderr, "-auth must be user:password")
			os.Exit(2)
		}
		opts = append(opts, mockserver.WithBasicAuth(user, pass))
	}
	if *queueEmpty {
		opts = append(opts, mockserver.WithQueueEmpty())
	}

	srv := mockserver.New(opts...)
	mux := http.NewServeMux()
	mux.Handle("/v1/websocket/", srv)
	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *deliverEvery > 0 {
		go deliverLoop(ctx, srv, logger, *deliverEvery)
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("mock chat backend listening", "addr", *addr, "config", srv.String())
		errChan <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	logger.Info("mock chat backend stopped", "requests", srv.RequestCount(), "acks", len(srv.Acks()))
}

func deliverLoop(ctx context.Context, srv *mockserver.Server, logger *slog.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			envelope := []byte("envelope-" + uuid.NewString())
			if ids := srv.Deliver(envelope); len(ids) > 0 {
				logger.Info("delivered envelope", "clients", len(ids), "size", len(envelope))
			}
		}
	}
}
