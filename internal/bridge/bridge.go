// Package bridge connects one nebula device to the rest of the system. It
// forwards Jobs from Kafka to the device, stops the device when the chain tip
// moves, and relays Shares and temperatures to storage and Kafka.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/nebula/internal/database/postgres"
	"github.com/bardlex/nebula/internal/messaging"
	"github.com/bardlex/nebula/internal/mining"
	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
)

// Store persists what the bridge learns about a device. *database.Manager
// implements it.
type Store interface {
	RegisterDevice(ctx context.Context, device *postgres.Device) error
	RecordShare(ctx context.Context, share *postgres.Share) error
	RecordTemperature(ctx context.Context, deviceID string, celsius int8, at time.Time) error
}

// DefaultJobHistory is how many forwarded Jobs are kept for Share validation.
const DefaultJobHistory = 16

// Bridge relays between one device link and the host side.
type Bridge struct {
	client *transport.Client
	store  Store
	pub    messaging.Publisher
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	deviceID string
	jobs     map[uint32]wire.Job
	order    []uint32
	history  int
}

// New creates a bridge over an established device link.
func New(client *transport.Client, store Store, pub messaging.Publisher, logger *log.Logger) *Bridge {
	return &Bridge{
		client:  client,
		store:   store,
		pub:     pub,
		logger:  logger.WithComponent("bridge"),
		now:     time.Now,
		jobs:    make(map[uint32]wire.Job),
		history: DefaultJobHistory,
	}
}

// Identify asks the device who it is and registers it. It must succeed
// before Run.
func (b *Bridge) Identify(ctx context.Context) (wire.Info, error) {
	id, err := transport.Call(ctx, b.client, wire.GetUniqueID, wire.Empty{})
	if err != nil {
		return wire.Info{}, err
	}
	info, err := transport.Call(ctx, b.client, wire.GetInfo, wire.Empty{})
	if err != nil {
		return wire.Info{}, err
	}

	deviceID := fmt.Sprintf("%016x", id)
	b.mu.Lock()
	b.deviceID = deviceID
	b.mu.Unlock()
	b.logger = b.logger.WithDevice(id)

	device := &postgres.Device{
		UniqueID:  deviceID,
		Version:   info.Version,
		Asic:      info.Chain.Asic.String(),
		AsicCount: int(info.Chain.Count),
	}
	if err := b.store.RegisterDevice(ctx, device); err != nil {
		return info, err
	}

	b.logger.Info("device registered", "version", info.Version, "asic", device.Asic, "asic_count", device.AsicCount)
	return info, nil
}

// DeviceID is the hex unique id learned by Identify.
func (b *Bridge) DeviceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceID
}

// SubmitJob forwards job to the device and remembers it for validating the
// Shares it produces. The device reports a rejected Job on the error topic.
func (b *Bridge) SubmitJob(_ context.Context, job wire.Job) error {
	if _, err := mining.TargetFromBits(job.NBits); err != nil {
		return err
	}

	b.remember(job)
	seq, err := transport.Publish(b.client, wire.JobTopic, job)
	if err != nil {
		return err
	}
	b.logger.WithJob(job.ID).Info("job forwarded", "seq", seq, "nbits", fmt.Sprintf("%08x", job.NBits))
	return nil
}

// HandleJob is the Kafka handler for the jobs topic. Messages addressed to
// another device are skipped; an empty device id addresses every device.
func (b *Bridge) HandleJob(ctx context.Context, _ string, msg messaging.JobMessage) error {
	if msg.DeviceID != "" && msg.DeviceID != b.DeviceID() {
		return nil
	}
	job, err := msg.Job()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "handle_job", "malformed job message").
			WithContext("job_id", msg.JobID)
	}
	return b.SubmitJob(ctx, job)
}

// Stop tells the device to abandon its current Job.
func (b *Bridge) Stop(_ context.Context) error {
	_, err := transport.Publish(b.client, wire.StopTopic, wire.Empty{})
	return err
}

// OnNewBlock stops the device: its Job builds on a tip that is now stale.
func (b *Bridge) OnNewBlock(hash chainhash.Hash) error {
	b.logger.Info("chain tip moved, stopping device", "hash", hash.String())
	return b.Stop(context.Background())
}

// Run relays device topics until ctx ends or the link goes down.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return transport.Subscribe(gctx, b.client, wire.ShareTopic, func(_ uint32, share wire.Share) {
			b.handleShare(gctx, share)
		})
	})
	g.Go(func() error {
		return transport.Subscribe(gctx, b.client, wire.AsicTempTopic, func(_ uint32, celsius int8) {
			b.handleTemperature(gctx, celsius)
		})
	})
	g.Go(func() error {
		return transport.Subscribe(gctx, b.client, wire.LogTopic, func(_ uint32, line string) {
			b.logger.Info("device log", "line", line)
		})
	})
	g.Go(func() error {
		return transport.Subscribe(gctx, b.client, wire.ErrorTopic, func(seq uint32, we wire.WireError) {
			b.logger.Warn("device reported error", "seq", seq, "kind", string(we.Kind.Type()), "message", we.Message)
		})
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bridge) remember(job wire.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.jobs[job.ID]; !ok {
		b.order = append(b.order, job.ID)
	}
	b.jobs[job.ID] = job

	for len(b.order) > b.history {
		delete(b.jobs, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *Bridge) job(id uint32) (wire.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	return job, ok
}

// shareRecord validates share against the Job it names.
func (b *Bridge) shareRecord(share wire.Share) *postgres.Share {
	rec := &postgres.Share{
		DeviceID: b.DeviceID(),
		JobID:    share.JobID,
		Nonce:    share.Nonce,
		FoundAt:  b.now().UTC(),
	}

	job, ok := b.job(share.JobID)
	if !ok {
		b.logger.WithJob(share.JobID).Warn("share for unknown job")
		return rec
	}

	rec.Version, rec.NTime = job.Version, job.NTime
	if share.RolledVersion != nil {
		rec.Version = *share.RolledVersion
	}
	if share.RolledNTime != nil {
		rec.NTime = *share.RolledNTime
	}

	hash, err := mining.ShareHash(job, share)
	if err != nil {
		b.logger.WithError(err).Warn("share hash failed")
		return rec
	}
	rec.Hash = hash.String()
	rec.Difficulty = mining.HashDifficulty(hash)
	rec.IsValid = mining.ValidateShare(job, share) == nil
	return rec
}

func (b *Bridge) handleShare(ctx context.Context, share wire.Share) {
	rec := b.shareRecord(share)
	logger := b.logger.WithJob(share.JobID)
	logger.Info("share received", "nonce", share.Nonce, "valid", rec.IsValid, "difficulty", rec.Difficulty)

	if err := b.store.RecordShare(ctx, rec); err != nil {
		logger.WithError(err).Error("failed to record share")
	}

	msg := messaging.ShareMessage{
		DeviceID:   rec.DeviceID,
		JobID:      rec.JobID,
		Nonce:      rec.Nonce,
		Version:    rec.Version,
		NTime:      rec.NTime,
		Rolled:     share.RolledVersion != nil || share.RolledNTime != nil,
		Hash:       rec.Hash,
		Difficulty: rec.Difficulty,
		IsValid:    rec.IsValid,
		FoundAt:    rec.FoundAt,
	}
	if err := b.pub.PublishJSON(ctx, messaging.TopicShares, rec.DeviceID, msg); err != nil {
		logger.WithError(err).Error("failed to publish share")
	}
}

func (b *Bridge) handleTemperature(ctx context.Context, celsius int8) {
	deviceID := b.DeviceID()
	at := b.now().UTC()
	b.logger.LogTemperature(celsius)

	if err := b.store.RecordTemperature(ctx, deviceID, celsius, at); err != nil {
		b.logger.WithError(err).Warn("failed to record temperature")
	}

	msg := messaging.TelemetryMessage{DeviceID: deviceID, Celsius: celsius, SampledAt: at}
	if err := b.pub.PublishJSON(ctx, messaging.TopicTelemetry, deviceID, msg); err != nil {
		b.logger.WithError(err).Warn("failed to publish telemetry")
	}
}
