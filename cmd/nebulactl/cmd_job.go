package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bardlex/nebula/internal/messaging"
	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/internal/wire"
)

func newJobCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Send a Job to the device",
		Long: `Send a Job to the device, replacing whatever it is hashing.

Hashes are hex in header byte order. Version and nbits are hex.

Examples:
  nebulactl job --id 1 --nbits 207fffff --wait
  nebulactl job --id 2 --prev 6fe28c0a... --merkle 3ba3edfd... --ntime 1231006505`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := jobFromFlags(cmd)
			if err != nil {
				return err
			}
			wait, _ := cmd.Flags().GetBool("wait")
			return withClient(cmd, stderr, func(ctx context.Context, c *transport.Client) error {
				return sendJob(ctx, cmd, c, job, wait, stdout)
			})
		},
	}
	cmd.Flags().Uint32("id", 1, "Job id")
	cmd.Flags().String("version", "20000000", "Block version (hex)")
	cmd.Flags().String("prev", "", "Previous block hash (hex)")
	cmd.Flags().String("merkle", "", "Merkle root (hex)")
	cmd.Flags().Uint32("ntime", 0, "Header time (default: now)")
	cmd.Flags().String("nbits", "1d00ffff", "Compact difficulty target (hex)")
	cmd.Flags().Bool("wait", false, "Wait for the first Share and print it")
	return cmd
}

func jobFromFlags(cmd *cobra.Command) (wire.Job, error) {
	id, _ := cmd.Flags().GetUint32("id")
	ntime, _ := cmd.Flags().GetUint32("ntime")
	prev, _ := cmd.Flags().GetString("prev")
	merkle, _ := cmd.Flags().GetString("merkle")

	version, err := hexFlag(cmd, "version")
	if err != nil {
		return wire.Job{}, err
	}
	nbits, err := hexFlag(cmd, "nbits")
	if err != nil {
		return wire.Job{}, err
	}
	if ntime == 0 {
		ntime = uint32(time.Now().Unix())
	}

	msg := messaging.JobMessage{
		JobID:         id,
		Version:       version,
		PrevBlockHash: prev,
		MerkleRoot:    merkle,
		NTime:         ntime,
		NBits:         nbits,
	}
	return msg.Job()
}

func hexFlag(cmd *cobra.Command, name string) (uint32, error) {
	raw, _ := cmd.Flags().GetString(name)
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: must be a 32-bit hex value", name, raw)
	}
	return uint32(v), nil
}

// sendJob publishes job. With wait it reports the first Share, or the error
// the device raised for the Job.
func sendJob(ctx context.Context, cmd *cobra.Command, c *transport.Client, job wire.Job, wait bool, stdout io.Writer) error {
	var (
		shares *transport.Subscription[wire.Share]
		errs   *transport.Subscription[wire.WireError]
	)
	if wait {
		shares = transport.Listen(c, wire.ShareTopic)
		defer shares.Close()
		errs = transport.Listen(c, wire.ErrorTopic)
		defer errs.Close()
	}

	seq, err := transport.Publish(c, wire.JobTopic, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "job %d sent (seq %d)\n", job.ID, seq)
	if !wait {
		return nil
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rejected := make(chan error, 1)
	go func() {
		for {
			errSeq, we, err := errs.Next(ctx)
			if err != nil {
				return
			}
			if errSeq == seq {
				rejected <- we.Err(wire.PathJob)
				return
			}
		}
	}()

	found := make(chan wire.Share, 1)
	go func() {
		for {
			_, share, err := shares.Next(ctx)
			if err != nil {
				return
			}
			if share.JobID == job.ID {
				found <- share
				return
			}
		}
	}()

	select {
	case share := <-found:
		printShare(stdout, share)
		return nil
	case err := <-rejected:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no share for job %d within %s", job.ID, timeout)
	}
}

func newStopCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Make the device abandon its current Job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, stderr, func(_ context.Context, c *transport.Client) error {
				if _, err := transport.Publish(c, wire.StopTopic, wire.Empty{}); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "stop sent")
				return nil
			})
		},
	}
}
