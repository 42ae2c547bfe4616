package firmware

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/nebula/internal/device"
	"github.com/bardlex/nebula/internal/dispatch"
	"github.com/bardlex/nebula/internal/mining"
	"github.com/bardlex/nebula/internal/transport"
	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
)

// Version is reported by nebula/info.
const Version = "0.3.0"

// Options describes the device and its hardware.
type Options struct {
	UniqueID      uint64
	Version       string
	Chain         wire.Chain
	SleepPoolSize int

	LED         device.Output
	Resetter    device.Resetter
	Clock       device.Clock
	Thermometer device.Thermometer

	Engine            mining.Config
	TelemetryInterval time.Duration
	Session           transport.SessionConfig
}

// Firmware is the running device application.
type Firmware struct {
	dispatcher *dispatch.Dispatcher[Context, TaskContext]
	engine     *mining.Engine
	telemetry  *mining.Telemetry
	sleepPool  *dispatch.Pool
	uplink     *uplink
	session    transport.SessionConfig
	logger     *log.Logger
}

// New builds the firmware and registers every handler. Outbound frames go to
// out until Serve attaches a host connection.
func New(opts Options, out dispatch.Sender, logger *log.Logger) (*Firmware, error) {
	if err := opts.Chain.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "firmware_new", "invalid chain")
	}
	if opts.LED == nil || opts.Resetter == nil || opts.Clock == nil || opts.Thermometer == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "firmware_new", "missing hardware capability")
	}
	if opts.SleepPoolSize <= 0 {
		opts.SleepPoolSize = 3
	}
	if opts.Version == "" {
		opts.Version = Version
	}

	logger = logger.WithDevice(opts.UniqueID)
	up := &uplink{}
	up.attach(out)

	fw := &Firmware{
		sleepPool: dispatch.NewPool("sleep", opts.SleepPoolSize),
		uplink:    up,
		session:   opts.Session,
		logger:    logger.WithComponent("firmware"),
	}

	state := &Context{
		UniqueID: opts.UniqueID,
		Version:  opts.Version,
		Chain:    opts.Chain,
		LED:      opts.LED,
		Resetter: opts.Resetter,
	}

	clock := opts.Clock
	taskLogger := logger.WithComponent("task")
	var d *dispatch.Dispatcher[Context, TaskContext]
	d = dispatch.New(state, func(s *Context) TaskContext {
		return TaskContext{UniqueID: s.UniqueID, Clock: clock, out: d, logger: taskLogger}
	}, up, logger)

	fw.dispatcher = d
	fw.engine = mining.NewEngine(opts.Engine, d, logger)
	fw.telemetry = mining.NewTelemetry(opts.Thermometer, d, opts.TelemetryInterval, logger)
	state.Engine = fw.engine

	dispatch.HandleImmediate(d, wire.GetUniqueID, uniqueID)
	dispatch.HandleHalting(d, wire.PicobootReset, picobootReset)
	dispatch.HandleImmediate(d, wire.SetLED, setLED)
	dispatch.HandleImmediate(d, wire.GetInfo, info)
	dispatch.HandleDeferred(d, wire.Sleep, fw.sleepPool, sleep)
	dispatch.HandleTopic(d, wire.JobTopic, submitJob)
	dispatch.HandleTopic(d, wire.StopTopic, stopJob)

	return fw, nil
}

// Dispatcher exposes the frame router.
func (fw *Firmware) Dispatcher() *dispatch.Dispatcher[Context, TaskContext] {
	return fw.dispatcher
}

// Engine exposes the job engine.
func (fw *Firmware) Engine() *mining.Engine {
	return fw.engine
}

// SleepPool exposes the sleep handler's slot pool.
func (fw *Firmware) SleepPool() *dispatch.Pool {
	return fw.sleepPool
}

// Run dispatches frames from src with telemetry running alongside. It
// returns when src fails, ctx ends, or the device halts.
func (fw *Firmware) Run(ctx context.Context, src dispatch.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_ = fw.telemetry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return fw.dispatcher.Run(gctx, src)
	})
	return g.Wait()
}

// Serve accepts one host connection at a time and runs the firmware on it.
// Telemetry is only sampled while a host is attached. It returns when ctx
// ends, the listener fails, or the device halts; the engine is stopped and
// every Deferred task has finished when it returns.
func (fw *Firmware) Serve(ctx context.Context, ln net.Listener) error {
	defer fw.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	return fw.acceptLoop(ctx, ln)
}

func (fw *Firmware) acceptLoop(ctx context.Context, ln net.Listener) error {
	for n := 1; ; n++ {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "accept", "listener failed")
		}

		s := transport.NewSession(fmt.Sprintf("host-%d", n), conn, fw.logger, fw.session)
		s.Start(ctx)
		fw.uplink.attach(s)

		err = fw.Run(ctx, s)
		fw.uplink.detach(s)
		s.Close()
		s.Wait()

		if fw.dispatcher.Halted() {
			fw.logger.Warn("device halted, waiting for external reset")
			return dispatch.ErrHalted
		}
		if ctx.Err() != nil {
			return nil
		}
		fw.logger.WithError(err).Info("host session ended")
	}
}

// Close stops hashing and waits for Deferred tasks to finish.
func (fw *Firmware) Close() {
	fw.engine.Close()
	fw.dispatcher.Wait()
}

// uplink forwards outbound frames to whichever host link is attached.
type uplink struct {
	mu  sync.RWMutex
	out dispatch.Sender
}

func (u *uplink) attach(s dispatch.Sender) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.out = s
}

func (u *uplink) detach(s dispatch.Sender) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.out == s {
		u.out = nil
	}
}

// Send implements dispatch.Sender.
func (u *uplink) Send(ctx context.Context, f wire.Frame) error {
	u.mu.RLock()
	out := u.out
	u.mu.RUnlock()

	if out == nil {
		return errors.New(errors.ErrorTypeNetwork, "uplink", "no host attached")
	}
	return out.Send(ctx, f)
}
