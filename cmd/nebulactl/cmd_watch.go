package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/internal/wire"
)

func newWatchCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print Shares, temperatures, logs and errors as the device reports them",
		Long: `Print everything the device reports until interrupted.

Examples:
  nebulactl watch
  nebulactl watch --for 30s
  nebulactl watch --shares 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, _ := cmd.Flags().GetDuration("for")
			limit, _ := cmd.Flags().GetInt("shares")
			return withClient(cmd, stderr, func(ctx context.Context, c *transport.Client) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if d > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, d)
					defer cancel()
				}
				return watch(ctx, c, limit, stdout)
			})
		},
	}
	cmd.Flags().Duration("for", 0, "Stop after this long (default: until interrupted)")
	cmd.Flags().Int("shares", 0, "Stop after this many Shares (default: no limit)")
	return cmd
}

// lockedWriter serializes lines from the watch goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func watch(ctx context.Context, c *transport.Client, limit int, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := &lockedWriter{w: stdout}

	var (
		mu   sync.Mutex
		seen int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Subscribe(gctx, c, wire.ShareTopic, func(_ uint32, share wire.Share) {
			out.mu.Lock()
			printShare(out.w, share)
			out.mu.Unlock()

			mu.Lock()
			seen++
			done := limit > 0 && seen >= limit
			mu.Unlock()
			if done {
				cancel()
			}
		})
	})
	g.Go(func() error {
		return transport.Subscribe(gctx, c, wire.AsicTempTopic, func(_ uint32, celsius int8) {
			out.printf("temp   %dC\n", celsius)
		})
	})
	g.Go(func() error {
		return transport.Subscribe(gctx, c, wire.LogTopic, func(_ uint32, line string) {
			out.printf("log    %s\n", line)
		})
	})
	g.Go(func() error {
		return transport.Subscribe(gctx, c, wire.ErrorTopic, func(seq uint32, we wire.WireError) {
			out.printf("error  seq=%d kind=%s %s\n", seq, we.Kind.Type(), we.Message)
		})
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printShare(w io.Writer, share wire.Share) {
	fmt.Fprintf(w, "share  job=%d nonce=%08x", share.JobID, share.Nonce)
	if share.RolledVersion != nil {
		fmt.Fprintf(w, " version=%08x", *share.RolledVersion)
	}
	if share.RolledNTime != nil {
		fmt.Fprintf(w, " ntime=%d", *share.RolledNTime)
	}
	fmt.Fprintf(w, " at=%s\n", time.Now().Format(time.TimeOnly))
}
