// nebulactl talks to a nebula device from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bardlex/nebula/internal/config"
	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/pkg/log"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit signals a non-zero exit after the command has reported its own
// error.
var errExit = errors.New("exit")

// run executes the CLI with the given args.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "nebulactl: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "nebulactl",
		Short:         "Control a nebula device",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "nebulactl: unknown command %q\n", args[0])
			return errExit
		},
	}
	root.PersistentFlags().String("addr", "", "Device address (default: DEVICE_ADDR from config)")
	root.PersistentFlags().Duration("timeout", 5*time.Second, "Timeout for connecting and for each request")
	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(
		newIDCmd(stdout, stderr),
		newInfoCmd(stdout, stderr),
		newLEDCmd(stdout, stderr),
		newSleepCmd(stdout, stderr),
		newResetCmd(stdout, stderr),
		newJobCmd(stdout, stderr),
		newStopCmd(stdout, stderr),
		newWatchCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Fprintf(stdout, "nebulactl %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

// deviceAddr resolves --addr, falling back to the configured device address.
func deviceAddr(cmd *cobra.Command) (string, error) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return addr, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return cfg.DeviceAddr, nil
}

// withClient connects to the device, runs fn and closes the link.
func withClient(cmd *cobra.Command, stderr io.Writer, fn func(ctx context.Context, c *transport.Client) error) error {
	addr, err := deviceAddr(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	level, _ := cmd.Flags().GetString("log-level")
	logger := log.NewWithWriter(stderr, "nebulactl", version, level, "text")

	dialCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	c, err := transport.Dial(dialCtx, addr, transport.ClientConfig{RequestTimeout: timeout}, logger)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer c.Close()

	return fn(cmd.Context(), c)
}
