// chatnet-check checks that a chat endpoint can be reached and answers
// requests, optionally through a proxy.
//
// Usage:
//
//	go run ./cmd/chatnet-check -endpoint ws://localhost:8080/v1/websocket/ -count 5
//	go run ./cmd/chatnet-check -config chatnet.yaml -proxy socks5://127.0.0.1:1080
//
// Exits non-zero if any check fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/layr8/chatnet"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	endpoint := flag.String("endpoint", "", "chat endpoint URL (overrides config)")
	proxy := flag.String("proxy", "", "proxy: host[:port] or socks5://host[:port] (overrides config)")
	user := flag.String("user", "", "username for an authenticated connection")
	password := flag.String("password", "", "password for an authenticated connection")
	path := flag.String("path", "/v1/keepalive", "path to request")
	count := flag.Int("count", 3, "number of requests to send")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := chatnet.Config{UserAgent: "chatnet-check/1.0"}
	if *configPath != "" {
		loaded, err := chatnet.LoadConfigFile(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
		if cfg.UserAgent == "" {
			cfg.UserAgent = "chatnet-check/1.0"
		}
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *proxy != "" {
		cfg.Proxy = *proxy
	}

	network, err := chatnet.NewNetworkFromConfig(cfg, chatnet.WithLogger(logger))
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	r := &report{}
	fmt.Printf("=== chatnet check: %s ===\n", network.Endpoint().URL())
	if p := network.Proxy(); p != nil {
		fmt.Printf("    via %s\n", p)
	}
	fmt.Println()

	svc, err := network.NewChatService(chatnet.LogErrors(logger))
	if err != nil {
		fatal(err)
	}

	r.check("connect", func() error {
		if *user != "" {
			return svc.ConnectAuthenticated(ctx, chatnet.Credentials{Username: *user, Password: *password})
		}
		return svc.ConnectUnauthenticated(ctx)
	})
	if svc.State() != chatnet.StateConnected {
		r.summary()
	}

	for i := 1; i <= *count; i++ {
		r.check(fmt.Sprintf("request %d GET %s", i, *path), func() error {
			res, err := svc.Send(ctx, chatnet.NewRequest("GET", *path, nil, nil, 0))
			if err != nil {
				return err
			}
			info := res.DebugInfo
			fmt.Printf("  status=%d %q body=%dB duration=%dms ip=%s reconnects=%d\n",
				res.Response.Status, res.Response.Message, len(res.Response.Body),
				info.DurationMs(), info.IPType, info.ReconnectCount)
			if res.Response.Status >= 500 {
				return fmt.Errorf("server error %d", res.Response.Status)
			}
			return nil
		})
	}

	fmt.Printf("  connection: %s\n", svc.DebugInfo().ConnectionInfo)

	r.check("disconnect", svc.Disconnect)

	r.check("send after disconnect is rejected", func() error {
		_, err := svc.Send(ctx, chatnet.NewRequest("GET", *path, nil, nil, 0))
		if !errors.Is(err, chatnet.ErrNotConnected) {
			return fmt.Errorf("got %v, want ErrNotConnected", err)
		}
		return nil
	})

	r.summary()
}

type report struct {
	n      int
	passed int
	failed int
}

func (r *report) check(name string, fn func() error) {
	r.n++
	fmt.Printf("[Check %d] %s...\n", r.n, name)
	if err := fn(); err != nil {
		fmt.Printf("  FAIL: %v (%s)\n", err, chatnet.KindOf(err))
		r.failed++
		return
	}
	fmt.Println("  PASS")
	r.passed++
}

func (r *report) summary() {
	fmt.Println()
	fmt.Printf("=== Results: %d passed, %d failed ===\n", r.passed, r.failed)
	if r.failed > 0 {
		os.Exit(1)
	}
	os.Exit(0)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "chatnet-check: %v\n", err)
	os.Exit(2)
}
