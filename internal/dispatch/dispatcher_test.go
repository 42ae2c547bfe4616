package dispatch

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
)

type testState struct {
	id      uint64
	led     wire.LedState
	history []wire.LedState
	busy    int32
	overlap bool
	resets  int
}

type testTask struct {
	id uint64
}

type chanSender struct {
	frames chan wire.Frame
}

func newChanSender() *chanSender {
	return &chanSender{frames: make(chan wire.Frame, 64)}
}

func (s *chanSender) Send(_ context.Context, f wire.Frame) error {
	s.frames <- f
	return nil
}

func (s *chanSender) next(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return wire.Frame{}
	}
}

func (s *chanSender) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("Expected no frame, got key=%x seq=%d", uint64(f.Key), f.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestDispatcher(state *testState) (*Dispatcher[testState, testTask], *chanSender) {
	out := newChanSender()
	d := New(state, func(s *testState) testTask { return testTask{id: s.id} }, out, log.Discard())
	return d, out
}

func TestDispatch_UnknownPath(t *testing.T) {
	state := &testState{}
	d, out := newTestDispatcher(state)

	var calls int
	HandleImmediate(d, wire.GetUniqueID, func(s *testState, _ wire.Empty) (uint64, error) {
		calls++
		return s.id, nil
	})

	err := d.Dispatch(context.Background(), wire.Frame{Header: wire.Header{Key: wire.KeyOf("nebula/nope"), Seq: 9}})
	if !errors.IsType(err, errors.ErrorTypeUnknownPath) {
		t.Fatalf("Expected unknown_path, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no handler to run, got %d calls", calls)
	}

	f := out.next(t)
	if f.Key != wire.ErrorTopic.Key || f.Seq != 9 {
		t.Errorf("Expected error reply with seq 9, got key=%x seq=%d", uint64(f.Key), f.Seq)
	}
	we, err := wire.ErrorTopic.Decode(f)
	if err != nil || we.Kind != wire.ErrUnknownPath {
		t.Errorf("Expected unknown path kind, got %+v (%v)", we, err)
	}
}

func TestDispatch_ImmediateRepliesOnceWithSeq(t *testing.T) {
	state := &testState{id: 0xfeedface}
	d, out := newTestDispatcher(state)
	HandleImmediate(d, wire.GetUniqueID, func(s *testState, _ wire.Empty) (uint64, error) {
		return s.id, nil
	})

	if err := d.Dispatch(context.Background(), wire.GetUniqueID.RequestFrame(41, wire.Empty{})); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	f := out.next(t)
	if f.Seq != 41 {
		t.Errorf("Expected seq 41, got %d", f.Seq)
	}
	id, err := wire.GetUniqueID.DecodeResponse(f)
	if err != nil || id != 0xfeedface {
		t.Errorf("Expected id feedface, got %x (%v)", id, err)
	}
	out.none(t)
}

func TestDispatch_DecodeErrorIsReported(t *testing.T) {
	state := &testState{}
	d, out := newTestDispatcher(state)

	var calls int
	HandleImmediate(d, wire.SetLED, func(s *testState, req wire.LedState) (wire.Empty, error) {
		calls++
		return wire.Empty{}, nil
	})

	bad := wire.Frame{Header: wire.Header{Key: wire.SetLED.Key, Seq: 3}, Body: []byte{0x08, 0x07}}
	err := d.Dispatch(context.Background(), bad)
	if !errors.IsType(err, errors.ErrorTypeDecode) {
		t.Fatalf("Expected decode error, got %v", err)
	}
	if calls != 0 {
		t.Error("Handler ran on an undecodable request")
	}
	if f := out.next(t); f.Key != wire.ErrorTopic.Key || f.Seq != 3 {
		t.Errorf("Expected error reply for seq 3, got %+v", f.Header)
	}
}

func TestDeferred_PoolExhausted(t *testing.T) {
	state := &testState{}
	d, out := newTestDispatcher(state)
	pool := NewPool("sleep", 3)

	release := make(chan struct{})
	HandleDeferred(d, wire.Sleep, pool, func(ctx context.Context, _ testTask, req wire.SleepMillis, r *Responder[wire.SleptMillis]) {
		<-release
		_ = r.Reply(ctx, wire.SleptMillis(req))
	})

	ctx := context.Background()
	for seq := uint32(1); seq <= 3; seq++ {
		if err := d.Dispatch(ctx, wire.Sleep.RequestFrame(seq, wire.SleepMillis{Millis: 10})); err != nil {
			t.Fatalf("request %d: unexpected error %v", seq, err)
		}
	}
	if pool.InFlight() != 3 {
		t.Fatalf("Expected 3 in flight, got %d", pool.InFlight())
	}

	err := d.Dispatch(ctx, wire.Sleep.RequestFrame(4, wire.SleepMillis{Millis: 10}))
	if !errors.IsType(err, errors.ErrorTypePoolExhausted) {
		t.Fatalf("Expected pool_exhausted, got %v", err)
	}
	f := out.next(t)
	if _, err := wire.Sleep.DecodeResponse(f); !errors.IsType(err, errors.ErrorTypePoolExhausted) || f.Seq != 4 {
		t.Errorf("Expected pool exhausted reply for seq 4, got seq %d: %v", f.Seq, err)
	}

	release <- struct{}{}
	done := out.next(t)
	if _, err := wire.Sleep.DecodeResponse(done); err != nil {
		t.Fatalf("Expected a sleep reply, got %v", err)
	}
	waitFor(t, func() bool { return pool.InFlight() == 2 })

	if err := d.Dispatch(ctx, wire.Sleep.RequestFrame(5, wire.SleepMillis{Millis: 10})); err != nil {
		t.Errorf("Expected a freed slot to be reusable, got %v", err)
	}

	close(release)
	d.Wait()

	seen := map[uint32]bool{done.Seq: true}
	for i := 0; i < 3; i++ {
		seen[out.next(t).Seq] = true
	}
	for _, seq := range []uint32{1, 2, 3, 5} {
		if !seen[seq] {
			t.Errorf("Expected a reply for seq %d", seq)
		}
	}
	if pool.InFlight() != 0 {
		t.Errorf("Expected all slots released, got %d", pool.InFlight())
	}
}

func TestDeferred_PanicReleasesSlotWithoutReply(t *testing.T) {
	state := &testState{}
	d, out := newTestDispatcher(state)
	pool := NewPool("sleep", 1)

	HandleDeferred(d, wire.Sleep, pool, func(context.Context, testTask, wire.SleepMillis, *Responder[wire.SleptMillis]) {
		panic("sensor fault")
	})

	if err := d.Dispatch(context.Background(), wire.Sleep.RequestFrame(1, wire.SleepMillis{Millis: 1})); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	d.Wait()

	if pool.InFlight() != 0 {
		t.Errorf("Expected slot released after panic, got %d in flight", pool.InFlight())
	}
	out.none(t)

	if _, err := pool.Acquire(); err != nil {
		t.Errorf("Expected slot to be available, got %v", err)
	}
}

func TestDeferred_ForgottenReplyReleasesSlot(t *testing.T) {
	state := &testState{}
	d, out := newTestDispatcher(state)
	pool := NewPool("sleep", 1)

	HandleDeferred(d, wire.Sleep, pool, func(context.Context, testTask, wire.SleepMillis, *Responder[wire.SleptMillis]) {})

	_ = d.Dispatch(context.Background(), wire.Sleep.RequestFrame(1, wire.SleepMillis{Millis: 1}))
	d.Wait()
	out.none(t)
	if pool.InFlight() != 0 {
		t.Errorf("Expected slot released, got %d", pool.InFlight())
	}
}

func TestDeferred_TaskContextIsCopied(t *testing.T) {
	state := &testState{id: 7}
	d, _ := newTestDispatcher(state)
	pool := NewPool("sleep", 1)

	got := make(chan uint64, 1)
	proceed := make(chan struct{})
	HandleDeferred(d, wire.Sleep, pool, func(_ context.Context, tc testTask, _ wire.SleepMillis, _ *Responder[wire.SleptMillis]) {
		<-proceed
		got <- tc.id
	})

	_ = d.Dispatch(context.Background(), wire.Sleep.RequestFrame(1, wire.SleepMillis{Millis: 1}))
	d.exclusive(func(s *testState) { s.id = 99 })
	close(proceed)

	if id := <-got; id != 7 {
		t.Errorf("Expected task to see id 7 copied at spawn, got %d", id)
	}
	d.Wait()
}

func TestResponder_SingleReply(t *testing.T) {
	out := newChanSender()
	r := &Responder[wire.SleptMillis]{sender: out, seq: 5, encode: wire.Sleep.ResponseFrame}

	ctx := context.Background()
	if err := r.Reply(ctx, wire.SleptMillis{Millis: 5}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.Fail(ctx, io.EOF); err == nil {
		t.Error("Expected second reply to be refused")
	}
	out.next(t)
	out.none(t)
}

func TestImmediate_MutualExclusion(t *testing.T) {
	state := &testState{}
	d, out := newTestDispatcher(state)

	HandleImmediate(d, wire.SetLED, func(s *testState, req wire.LedState) (wire.Empty, error) {
		if atomic.AddInt32(&s.busy, 1) != 1 {
			s.overlap = true
		}
		time.Sleep(time.Millisecond)
		s.led = req
		s.history = append(s.history, req)
		atomic.AddInt32(&s.busy, -1)
		return wire.Empty{}, nil
	})
	HandleImmediate(d, wire.GetInfo, func(s *testState, _ wire.Empty) (wire.Info, error) {
		if atomic.AddInt32(&s.busy, 1) != 1 {
			s.overlap = true
		}
		atomic.AddInt32(&s.busy, -1)
		return wire.Info{Version: "test", Chain: wire.Chain{Asic: wire.AsicBM1370, Count: 1}}, nil
	})

	ctx := context.Background()
	_ = d.Dispatch(ctx, wire.SetLED.RequestFrame(1, wire.LedOn))
	_ = d.Dispatch(ctx, wire.GetInfo.RequestFrame(2, wire.Empty{}))
	_ = d.Dispatch(ctx, wire.SetLED.RequestFrame(3, wire.LedOff))
	for i := 0; i < 3; i++ {
		out.next(t)
	}
	if len(state.history) != 2 || state.history[0] != wire.LedOn || state.history[1] != wire.LedOff {
		t.Errorf("Expected [on off], got %v", state.history)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = d.Dispatch(ctx, wire.SetLED.RequestFrame(uint32(100+i), wire.LedState(i%2)))
			_ = d.Dispatch(ctx, wire.GetInfo.RequestFrame(uint32(200+i), wire.Empty{}))
		}(i)
	}
	wg.Wait()

	if state.overlap {
		t.Error("Immediate handlers interleaved")
	}
	if len(state.history) != 18 {
		t.Errorf("Expected 18 LED transitions, got %d", len(state.history))
	}
}

func TestHalting_NoReplyNoFurtherDispatch(t *testing.T) {
	state := &testState{id: 1}
	d, out := newTestDispatcher(state)

	var idCalls int
	HandleImmediate(d, wire.GetUniqueID, func(s *testState, _ wire.Empty) (uint64, error) {
		idCalls++
		return s.id, nil
	})
	HandleHalting(d, wire.PicobootReset, func(s *testState, _ wire.Empty) {
		s.resets++
	})

	ctx := context.Background()
	if err := d.Dispatch(ctx, wire.PicobootReset.RequestFrame(1, wire.Empty{})); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if state.resets != 1 || !d.Halted() {
		t.Fatalf("Expected reset to run once and halt, resets=%d halted=%v", state.resets, d.Halted())
	}
	out.none(t)

	err := d.Dispatch(ctx, wire.GetUniqueID.RequestFrame(2, wire.Empty{}))
	if !errors.IsType(err, errors.ErrorTypeHalted) {
		t.Errorf("Expected halted, got %v", err)
	}
	if idCalls != 0 {
		t.Error("Handler ran after halt")
	}
	out.none(t)

	if err := Publish(ctx, d, wire.AsicTempTopic, 40); !errors.IsType(err, errors.ErrorTypeHalted) {
		t.Errorf("Expected publish to be refused after halt, got %v", err)
	}
}

func TestHandleTopic_ErrorReportedWithSeq(t *testing.T) {
	state := &testState{}
	d, out := newTestDispatcher(state)

	HandleTopic(d, wire.JobTopic, func(s *testState, job wire.Job) error {
		return errors.New(errors.ErrorTypeInvalidJob, "submit", "bad nbits")
	})

	err := d.Dispatch(context.Background(), wire.JobTopic.Frame(17, wire.Job{ID: 1}))
	if !errors.IsType(err, errors.ErrorTypeInvalidJob) {
		t.Fatalf("Expected invalid_job, got %v", err)
	}
	f := out.next(t)
	we, _ := wire.ErrorTopic.Decode(f)
	if f.Seq != 17 || we.Kind != wire.ErrInvalidJob {
		t.Errorf("Expected invalid job reply for seq 17, got seq %d kind %d", f.Seq, we.Kind)
	}
}

type sliceSource struct {
	items []any
}

func (s *sliceSource) Recv(context.Context) (wire.Frame, error) {
	if len(s.items) == 0 {
		return wire.Frame{}, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	if err, ok := item.(error); ok {
		return wire.Frame{}, err
	}
	return item.(wire.Frame), nil
}

func TestRun(t *testing.T) {
	t.Run("skips undecodable frames and stops on source error", func(t *testing.T) {
		state := &testState{id: 3}
		d, out := newTestDispatcher(state)
		HandleImmediate(d, wire.GetUniqueID, func(s *testState, _ wire.Empty) (uint64, error) {
			return s.id, nil
		})

		src := &sliceSource{items: []any{
			errors.New(errors.ErrorTypeDecode, "decode_frame", "garbage"),
			wire.GetUniqueID.RequestFrame(8, wire.Empty{}),
		}}
		if err := d.Run(context.Background(), src); err != io.EOF {
			t.Errorf("Expected EOF, got %v", err)
		}

		if f := out.next(t); f.Key != wire.ErrorTopic.Key {
			t.Errorf("Expected decode error reply first, got key %x", uint64(f.Key))
		}
		if f := out.next(t); f.Seq != 8 || f.Key != wire.GetUniqueID.Key {
			t.Errorf("Expected unique id reply for seq 8, got %+v", f.Header)
		}
	})

	t.Run("returns halted after reset", func(t *testing.T) {
		state := &testState{}
		d, out := newTestDispatcher(state)
		HandleHalting(d, wire.PicobootReset, func(s *testState, _ wire.Empty) { s.resets++ })

		src := &sliceSource{items: []any{
			wire.PicobootReset.RequestFrame(1, wire.Empty{}),
			wire.PicobootReset.RequestFrame(2, wire.Empty{}),
		}}
		if err := d.Run(context.Background(), src); !errors.IsType(err, errors.ErrorTypeHalted) {
			t.Errorf("Expected halted, got %v", err)
		}
		if state.resets != 1 {
			t.Errorf("Expected one reset, got %d", state.resets)
		}
		if len(src.items) != 1 {
			t.Errorf("Expected remaining frames to be left unread, got %d", len(src.items))
		}
		out.none(t)
	})
}

func TestRegister_Panics(t *testing.T) {
	state := &testState{}
	d, _ := newTestDispatcher(state)
	HandleTopic(d, wire.StopTopic, func(*testState, wire.Empty) error { return nil })

	defer func() {
		if recover() == nil {
			t.Error("Expected duplicate registration to panic")
		}
	}()
	HandleTopic(d, wire.StopTopic, func(*testState, wire.Empty) error { return nil })
}

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool("sleep", 2)
	a, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(); !errors.IsType(err, errors.ErrorTypePoolExhausted) {
		t.Errorf("Expected pool_exhausted, got %v", err)
	}
	if !errors.IsRetryable(func() error { _, err := p.Acquire(); return err }()) {
		t.Error("Expected pool exhaustion to be retryable")
	}

	a.Release()
	a.Release()
	if p.InFlight() != 1 {
		t.Errorf("Expected double release to count once, got %d in flight", p.InFlight())
	}
	b.Release()
	if p.InFlight() != 0 {
		t.Errorf("Expected 0 in flight, got %d", p.InFlight())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
