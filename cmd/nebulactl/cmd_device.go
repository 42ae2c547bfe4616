package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/internal/wire"
)

func newIDCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the device's unique id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, stderr, func(ctx context.Context, c *transport.Client) error {
				id, err := transport.Call(ctx, c, wire.GetUniqueID, wire.Empty{})
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%016x\n", id)
				return nil
			})
		},
	}
}

func newInfoCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print firmware version and ASIC chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, stderr, func(ctx context.Context, c *transport.Client) error {
				info, err := transport.Call(ctx, c, wire.GetInfo, wire.Empty{})
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "version: %s\n", info.Version)
				fmt.Fprintf(stdout, "chain:   %d x %s\n", info.Chain.Count, info.Chain.Asic)
				return nil
			})
		},
	}
}

func newLEDCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:       "led on|off",
		Short:     "Switch the status LED",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := parseLED(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, stderr, func(ctx context.Context, c *transport.Client) error {
				if _, err := transport.Call(ctx, c, wire.SetLED, state); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "led %s\n", state)
				return nil
			})
		},
	}
}

func parseLED(s string) (wire.LedState, error) {
	switch s {
	case "on":
		return wire.LedOn, nil
	case "off":
		return wire.LedOff, nil
	default:
		return 0, fmt.Errorf("invalid LED state %q: must be on or off", s)
	}
}

func newSleepCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sleep <ms>",
		Short: "Ask the device to sleep and report how long it slept",
		Long: `Ask the device to sleep for the given number of milliseconds (0-65535).

The device runs at most three sleeps at once; a fourth concurrent request
fails with pool_exhausted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid duration %q: must be 0-65535 milliseconds", args[0])
			}
			return withClient(cmd, stderr, func(ctx context.Context, c *transport.Client) error {
				slept, err := transport.Call(ctx, c, wire.Sleep, wire.SleepMillis{Millis: uint16(ms)})
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "slept %dms\n", slept.Millis)
				return nil
			})
		},
	}
}

func newResetCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reboot the device into its USB bootloader",
		Long: `Reboot the device into its USB bootloader.

The device does not answer; it stops serving once the request is handled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, stderr, func(_ context.Context, c *transport.Client) error {
				seq, err := transport.Trigger(c, wire.PicobootReset, wire.Empty{})
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "reset requested (seq %d)\n", seq)
				return nil
			})
		},
	}
}
