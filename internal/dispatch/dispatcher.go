// Package dispatch routes inbound frames to registered handlers.
//
// Every handler has a fixed execution discipline. Immediate handlers run
// inside the dispatcher's critical section with exclusive access to the
// shared state S, and their return value is sent back automatically.
// Deferred handlers take a slot from a bounded Pool, run on their own
// goroutine with a task context T copied from S at spawn time, and reply
// through a Responder. A Halting handler ends dispatch for good.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
)

// Sender delivers outbound frames to the host.
type Sender interface {
	Send(ctx context.Context, f wire.Frame) error
}

// Source yields inbound frames.
type Source interface {
	Recv(ctx context.Context) (wire.Frame, error)
}

// Discipline is the execution model of a handler.
type Discipline uint8

const (
	Immediate Discipline = iota
	Deferred
	Halting
)

func (d Discipline) String() string {
	switch d {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	case Halting:
		return "halting"
	default:
		return fmt.Sprintf("Discipline(%d)", uint8(d))
	}
}

// ErrHalted is returned for every frame once a Halting handler has run.
var ErrHalted = errors.New(errors.ErrorTypeHalted, "dispatch", "device halted pending external reset")

type handler struct {
	path       string
	discipline Discipline
	pool       *Pool
	run        func(ctx context.Context, f wire.Frame) error
}

// Dispatcher owns the shared state S and hands each Deferred task its own T.
type Dispatcher[S, T any] struct {
	mu    sync.Mutex // serializes Immediate handlers over state
	state *S
	spawn func(*S) T

	sender   Sender
	logger   *log.Logger
	handlers map[wire.Key]*handler
	halted   atomic.Bool
	tasks    sync.WaitGroup
}

// New creates a dispatcher over state. spawn builds a Deferred task's context
// and is called with the critical section held.
func New[S, T any](state *S, spawn func(*S) T, sender Sender, logger *log.Logger) *Dispatcher[S, T] {
	return &Dispatcher[S, T]{
		state:    state,
		spawn:    spawn,
		sender:   sender,
		logger:   logger.WithComponent("dispatch"),
		handlers: make(map[wire.Key]*handler),
	}
}

func (d *Dispatcher[S, T]) register(key wire.Key, h *handler) {
	if _, ok := d.handlers[key]; ok {
		panic("dispatch: duplicate handler for " + h.path)
	}
	if e, ok := wire.Lookup(key); !ok || e.Path != h.path {
		panic("dispatch: " + h.path + " is not in the wire catalog")
	}
	d.handlers[key] = h
}

// Discipline reports how the handler for key runs.
func (d *Dispatcher[S, T]) Discipline(key wire.Key) (Discipline, bool) {
	h, ok := d.handlers[key]
	if !ok {
		return 0, false
	}
	return h.discipline, true
}

// Halted reports whether a Halting handler has run.
func (d *Dispatcher[S, T]) Halted() bool {
	return d.halted.Load()
}

// Send forwards f to the host unless the device has halted. Deferred tasks,
// the engine and telemetry all publish through the dispatcher.
func (d *Dispatcher[S, T]) Send(ctx context.Context, f wire.Frame) error {
	if d.halted.Load() {
		return ErrHalted
	}
	return d.sender.Send(ctx, f)
}

// Dispatch routes one inbound frame. The returned error is the outcome
// reported to the caller; it has already been sent as an error reply.
func (d *Dispatcher[S, T]) Dispatch(ctx context.Context, f wire.Frame) error {
	if d.halted.Load() {
		return ErrHalted
	}

	h, ok := d.handlers[f.Key]
	if !ok {
		err := errors.New(errors.ErrorTypeUnknownPath, "dispatch", "no handler registered").
			WithContext("key", uint64(f.Key)).
			WithContext("seq", f.Seq)
		d.logger.Warn("unknown path", "key", uint64(f.Key), "seq", f.Seq)
		d.replyError(ctx, f.Seq, err)
		return err
	}

	d.logger.LogDispatch(h.path, f.Seq, h.discipline.String())

	if err := h.run(ctx, f); err != nil {
		if d.halted.Load() {
			return ErrHalted
		}
		d.logger.WithError(err).Warn("request failed", "path", h.path, "seq", f.Seq)
		d.replyError(ctx, f.Seq, err)
		return err
	}
	return nil
}

// Run dispatches frames from src until it fails, ctx ends, or the device
// halts. Undecodable frames are reported and skipped.
func (d *Dispatcher[S, T]) Run(ctx context.Context, src Source) error {
	for {
		f, err := src.Recv(ctx)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeDecode) {
				d.logger.WithError(err).Warn("dropping undecodable frame")
				d.replyError(ctx, 0, err)
				continue
			}
			return err
		}

		_ = d.Dispatch(ctx, f)
		if d.halted.Load() {
			return ErrHalted
		}
	}
}

// Wait blocks until every spawned Deferred task has finished.
func (d *Dispatcher[S, T]) Wait() {
	d.tasks.Wait()
}

func (d *Dispatcher[S, T]) replyError(ctx context.Context, seq uint32, err error) {
	if sendErr := d.Send(ctx, wire.ErrorFrame(seq, err)); sendErr != nil {
		d.logger.WithError(sendErr).Warn("error reply not sent", "seq", seq)
	}
}

// exclusive runs fn inside the critical section.
func (d *Dispatcher[S, T]) exclusive(fn func(*S)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.state)
}

func decodeFailed(path string, typ errors.ErrorType, err error) error {
	return errors.Wrap(err, typ, "dispatch", "request payload rejected").
		WithContext("path", path)
}

// HandleImmediate registers an Immediate endpoint. fn must not block.
func HandleImmediate[S, T, Req, Resp any](d *Dispatcher[S, T], ep wire.Endpoint[Req, Resp], fn func(s *S, req Req) (Resp, error)) {
	d.register(ep.Key, &handler{
		path:       ep.Path,
		discipline: Immediate,
		run: func(ctx context.Context, f wire.Frame) error {
			req, err := ep.DecodeRequest(f)
			if err != nil {
				return decodeFailed(ep.Path, errors.ErrorTypeDecode, err)
			}

			var resp Resp
			d.exclusive(func(s *S) { resp, err = fn(s, req) })
			if err != nil {
				return err
			}
			return d.Send(ctx, ep.ResponseFrame(f.Seq, resp))
		},
	})
}

// HandleHalting registers an Immediate endpoint that ends normal operation.
// The dispatcher halts before fn runs; no reply is ever sent and every later
// frame is refused.
func HandleHalting[S, T, Req, Resp any](d *Dispatcher[S, T], ep wire.Endpoint[Req, Resp], fn func(s *S, req Req)) {
	d.register(ep.Key, &handler{
		path:       ep.Path,
		discipline: Halting,
		run: func(ctx context.Context, f wire.Frame) error {
			req, err := ep.DecodeRequest(f)
			if err != nil {
				return decodeFailed(ep.Path, errors.ErrorTypeDecode, err)
			}

			d.exclusive(func(s *S) {
				d.halted.Store(true)
				d.logger.Warn("halting for external reset", "path", ep.Path, "seq", f.Seq)
				fn(s, req)
			})
			return nil
		},
	})
}

// HandleDeferred registers a Deferred endpoint backed by pool. fn runs on its
// own goroutine and must reply through the Responder; the dispatcher never
// replies on its behalf once the task has started.
func HandleDeferred[S, T, Req, Resp any](d *Dispatcher[S, T], ep wire.Endpoint[Req, Resp], pool *Pool, fn func(ctx context.Context, tc T, req Req, r *Responder[Resp])) {
	d.register(ep.Key, &handler{
		path:       ep.Path,
		discipline: Deferred,
		pool:       pool,
		run: func(ctx context.Context, f wire.Frame) error {
			req, err := ep.DecodeRequest(f)
			if err != nil {
				return decodeFailed(ep.Path, errors.ErrorTypeDecode, err)
			}

			slot, err := pool.Acquire()
			if err != nil {
				return err
			}

			var tc T
			d.exclusive(func(s *S) { tc = d.spawn(s) })

			r := &Responder[Resp]{
				sender: d,
				seq:    f.Seq,
				encode: ep.ResponseFrame,
			}

			d.tasks.Add(1)
			go func() {
				defer d.tasks.Done()
				defer slot.Release()
				defer func() {
					if p := recover(); p != nil {
						d.logger.Error("deferred task panicked",
							"path", ep.Path,
							"seq", f.Seq,
							"panic", fmt.Sprint(p),
						)
					}
				}()
				fn(ctx, tc, req, r)
			}()
			return nil
		},
	})
}

// HandleTopic registers a host-to-device topic. fn runs in the critical
// section; an error is reported on the error path under the frame's seq. A
// payload that fails to decode is reported as t.Rejects.
func HandleTopic[S, T, M any](d *Dispatcher[S, T], t wire.Topic[M], fn func(s *S, msg M) error) {
	if t.Direction != wire.ToDevice {
		panic("dispatch: " + t.Path + " is not a host-to-device topic")
	}
	d.register(t.Key, &handler{
		path:       t.Path,
		discipline: Immediate,
		run: func(ctx context.Context, f wire.Frame) error {
			msg, err := t.Decode(f)
			if err != nil {
				return decodeFailed(t.Path, t.Rejects, err)
			}
			d.exclusive(func(s *S) { err = fn(s, msg) })
			return err
		},
	})
}

// Responder is a Deferred task's reply capability for one request.
type Responder[Resp any] struct {
	sender  Sender
	seq     uint32
	encode  func(seq uint32, resp Resp) wire.Frame
	replied atomic.Bool
}

// Seq returns the sequence number of the request being answered.
func (r *Responder[Resp]) Seq() uint32 { return r.seq }

// Reply sends the response. Only the first Reply or Fail is delivered.
func (r *Responder[Resp]) Reply(ctx context.Context, resp Resp) error {
	if !r.replied.CompareAndSwap(false, true) {
		return errors.New(errors.ErrorTypeInternal, "reply", "request already answered").WithContext("seq", r.seq)
	}
	return r.sender.Send(ctx, r.encode(r.seq, resp))
}

// Fail answers the request with an error reply.
func (r *Responder[Resp]) Fail(ctx context.Context, err error) error {
	if !r.replied.CompareAndSwap(false, true) {
		return errors.New(errors.ErrorTypeInternal, "reply", "request already answered").WithContext("seq", r.seq)
	}
	return r.sender.Send(ctx, wire.ErrorFrame(r.seq, err))
}

// Publish sends a device-to-host topic message.
func Publish[M any](ctx context.Context, s Sender, t wire.Topic[M], msg M) error {
	if t.Direction != wire.ToHost {
		return errors.New(errors.ErrorTypeValidation, "publish", "topic is not device-to-host").WithContext("path", t.Path)
	}
	return s.Send(ctx, t.Frame(0, msg))
}
