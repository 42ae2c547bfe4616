package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
)

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := []wire.Frame{
		wire.GetUniqueID.RequestFrame(1, wire.Empty{}),
		wire.Sleep.RequestFrame(2, wire.SleepMillis{Millis: 50}),
		wire.AsicTempTopic.Frame(0, -5),
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for _, want := range frames {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got.Header != want.Header || !bytes.Equal(got.Body, want.Body) {
			t.Errorf("Expected %+v, got %+v", want, got)
		}
	}
}

func TestFraming_DecodeErrorKeepsStream(t *testing.T) {
	var buf bytes.Buffer
	garbage := []byte{0xff, 0xff, 0xff}
	buf.Write(binary.AppendUvarint(nil, uint64(len(garbage))))
	buf.Write(garbage)
	if err := WriteFrame(&buf, wire.StopTopic.Frame(4, wire.Empty{})); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	if _, err := ReadFrame(r); !errors.IsType(err, errors.ErrorTypeDecode) {
		t.Fatalf("Expected decode error, got %v", err)
	}
	f, err := ReadFrame(r)
	if err != nil || f.Key != wire.StopTopic.Key || f.Seq != 4 {
		t.Errorf("Expected stop frame after garbage, got %+v (%v)", f.Header, err)
	}
}

func TestFraming_Oversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, MaxFrameSize+1))

	if _, err := ReadFrame(bufio.NewReader(&buf)); !errors.IsType(err, errors.ErrorTypeNetwork) {
		t.Errorf("Expected network error, got %v", err)
	}

	big := wire.LogTopic.Frame(0, string(make([]byte, MaxFrameSize)))
	if err := WriteFrame(&buf, big); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

// link connects a Client to a device Session over an in-memory pipe.
func link(t *testing.T, cfg ClientConfig) (*Client, *Session, context.CancelFunc) {
	t.Helper()
	host, dev := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession("test", dev, log.Discard(), SessionConfig{})
	s.Start(ctx)
	c := NewClient(host, cfg, log.Discard())

	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		s.Wait()
	})
	return c, s, cancel
}

func TestClient_CallCorrelatesOutOfOrderReplies(t *testing.T) {
	c, s, _ := link(t, ClientConfig{})

	// The device answers two info requests in reverse order.
	go func() {
		ctx := context.Background()
		var reqs []wire.Frame
		for len(reqs) < 2 {
			f, err := s.Recv(ctx)
			if err != nil {
				return
			}
			reqs = append(reqs, f)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			info := wire.Info{Version: "seq-" + string(rune('0'+reqs[i].Seq)), Chain: wire.Chain{Asic: wire.AsicBM1366, Count: 1}}
			_ = s.Send(ctx, wire.GetInfo.ResponseFrame(reqs[i].Seq, info))
		}
	}()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := Call(context.Background(), c, wire.GetInfo, wire.Empty{})
			if err != nil {
				t.Errorf("Call: %v", err)
				return
			}
			results[i] = info.Version
		}(i)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Errorf("Expected distinct replies, got %v", results)
	}
}

func TestClient_ErrorReply(t *testing.T) {
	c, s, _ := link(t, ClientConfig{})

	go func() {
		f, err := s.Recv(context.Background())
		if err != nil {
			return
		}
		perr := errors.New(errors.ErrorTypePoolExhausted, "acquire_slot", "all slots in use")
		_ = s.Send(context.Background(), wire.ErrorFrame(f.Seq, perr))
	}()

	_, err := Call(context.Background(), c, wire.Sleep, wire.SleepMillis{Millis: 10})
	if !errors.IsType(err, errors.ErrorTypePoolExhausted) {
		t.Errorf("Expected pool_exhausted, got %v", err)
	}
}

func TestClient_CallTimeout(t *testing.T) {
	c, s, _ := link(t, ClientConfig{RequestTimeout: 30 * time.Millisecond})

	go func() { _, _ = s.Recv(context.Background()) }()

	_, err := Call(context.Background(), c, wire.GetUniqueID, wire.Empty{})
	if !errors.IsType(err, errors.ErrorTypeTimeout) {
		t.Errorf("Expected timeout, got %v", err)
	}
}

func TestClient_TopicsAndUnmatchedErrors(t *testing.T) {
	c, s, _ := link(t, ClientConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	temps := make(chan int8, 1)
	errs := make(chan uint32, 1)
	go func() {
		_ = Subscribe(ctx, c, wire.AsicTempTopic, func(_ uint32, celsius int8) { temps <- celsius })
	}()
	go func() {
		_ = Subscribe(ctx, c, wire.ErrorTopic, func(seq uint32, we wire.WireError) {
			if we.Kind == wire.ErrInvalidJob {
				errs <- seq
			}
		})
	}()

	// Give both subscriptions time to register.
	time.Sleep(20 * time.Millisecond)

	inbound := make(chan wire.Frame, 1)
	go func() {
		if f, err := s.Recv(ctx); err == nil {
			inbound <- f
		}
	}()

	seq, err := Publish(c, wire.JobTopic, wire.Job{ID: 1})
	if err != nil {
		t.Fatal(err)
	}
	f := <-inbound
	if f.Seq != seq || f.Key != wire.JobTopic.Key {
		t.Fatalf("Expected job frame with seq %d, got %+v", seq, f.Header)
	}

	_ = s.Send(ctx, wire.AsicTempTopic.Frame(0, 61))
	_ = s.Send(ctx, wire.ErrorFrame(seq, errors.New(errors.ErrorTypeInvalidJob, "submit", "bad nbits")))

	select {
	case c := <-temps:
		if c != 61 {
			t.Errorf("Expected 61C, got %d", c)
		}
	case <-ctx.Done():
		t.Fatal("no temperature delivered")
	}
	select {
	case got := <-errs:
		if got != seq {
			t.Errorf("Expected error for seq %d, got %d", seq, got)
		}
	case <-ctx.Done():
		t.Fatal("no error delivered")
	}

	if _, err := Publish(c, wire.ShareTopic, wire.Share{}); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Expected device-to-host publish to be refused, got %v", err)
	}
}

func TestListen_ActiveOnReturn(t *testing.T) {
	c, s, _ := link(t, ClientConfig{SubscriberBuffer: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := Listen(c, wire.LogTopic)
	_ = s.Send(ctx, wire.LogTopic.Frame(0, "Starting sleep..."))
	_ = s.Send(ctx, wire.LogTopic.Frame(0, "Finished sleep"))

	for _, want := range []string{"Starting sleep...", "Finished sleep"} {
		_, line, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if line != want {
			t.Errorf("Expected %q, got %q", want, line)
		}
	}
	sub.Close()

	_ = c.Close()
	other := Listen(c, wire.LogTopic)
	defer other.Close()
	if _, _, err := other.Next(ctx); !errors.IsType(err, errors.ErrorTypeNetwork) {
		t.Errorf("Expected network error after close, got %v", err)
	}
}

func TestClient_AllocateSkipsPending(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	c := NewClient(host, ClientConfig{}, log.Discard())
	defer c.Close()

	c.mu.Lock()
	c.nextSeq = 0xffffffff
	c.pending[1] = make(chan wire.Frame, 1)
	c.mu.Unlock()

	first, _, err := c.allocate(false)
	if err != nil || first != 0xffffffff {
		t.Fatalf("Expected 0xffffffff, got %d (%v)", first, err)
	}
	second, _, _ := c.allocate(false)
	if second != 2 {
		t.Errorf("Expected wraparound to skip 0 and pending 1, got %d", second)
	}
}

func TestClient_PendingFailOnClose(t *testing.T) {
	c, s, cancel := link(t, ClientConfig{RequestTimeout: 5 * time.Second})

	go func() {
		_, _ = s.Recv(context.Background())
		cancel()
	}()

	_, err := Call(context.Background(), c, wire.GetUniqueID, wire.Empty{})
	if !errors.IsType(err, errors.ErrorTypeNetwork) {
		t.Errorf("Expected network error when the link drops, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Error("Expected client to observe the closed link")
	}
}
