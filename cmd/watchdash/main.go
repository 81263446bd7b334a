// watchdash follows a watch-docker server: it keeps a live, merged view of
// the server's containers and resource stats over the stats WebSocket,
// refreshes it over REST, and optionally records stats to PostgreSQL.
//
// Usage:
//
//	watchdash watch --config configs/watchdash.yaml
//	watchdash containers --server http://localhost:8080 --token-file ~/.watchdash/token
//	watchdash stream --count 10
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx = withSignalCancel(ctx)
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "watchdash: %s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
