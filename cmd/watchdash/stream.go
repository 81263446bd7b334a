package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jianxcao/watch-docker/internal/connection"
	"github.com/jianxcao/watch-docker/internal/router"
)

func newStreamCommand(a *app) *cobra.Command {
	var (
		count   int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Print live channel messages as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
			svc, err := newServices(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ch := svc.newChannel()
			printer := &framePrinter{out: cmd.OutOrStdout(), verbose: verbose, limit: count, done: make(chan struct{})}
			ch.SubscribeAll(printer.print)

			terminal := make(chan error, 1)
			ch.OnStatus(func(st connection.Status) {
				logger.Info("connection", "state", st.State, "attempt", st.Attempt, "error", st.LastError)
				if st.Terminal() {
					select {
					case terminal <- st.LastError:
					default:
					}
				}
			})

			ctx := cmd.Context()
			var runErr error
			if err := ch.Start(ctx); err != nil {
				runErr = err
			} else {
				select {
				case <-ctx.Done():
				case <-printer.done:
				case err := <-terminal:
					runErr = err
				}
			}

			closeCtx, cancel := shutdownContext(ctx)
			defer cancel()
			if err := ch.Close(closeCtx); err != nil {
				logger.Warn("channel close", "error", err)
			}
			return runErr
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&count, "count", "n", 0, "exit after this many messages (0 = run until interrupted)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print each payload")
	return cmd
}

// framePrinter prints one line per routed message and signals done
// once limit messages were printed.
type framePrinter struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	limit   int
	seen    int
	done    chan struct{}
}

func (p *framePrinter) print(msg router.InboundMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.seen >= p.limit {
		return
	}
	p.seen++

	fmt.Fprintf(p.out, "%s  %-10s ts=%d bytes=%d entries=%d\n",
		msg.ReceivedAt.Format("15:04:05.000"), msg.Type, msg.Timestamp, len(msg.Data), payloadEntries(msg))
	if p.verbose {
		fmt.Fprintf(p.out, "    %s\n", msg.Data)
	}

	if p.limit > 0 && p.seen == p.limit {
		close(p.done)
	}
}

// payloadEntries counts the records carried by a message: the length
// of the array or object field in its data.
func payloadEntries(msg router.InboundMessage) int {
	var fields map[string]json.RawMessage
	if err := msg.Decode(&fields); err != nil {
		return 0
	}
	for _, raw := range fields {
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) == nil {
			return len(list)
		}
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) == nil {
			return len(obj)
		}
	}
	return 0
}
