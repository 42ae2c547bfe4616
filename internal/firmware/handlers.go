package firmware

import (
	"context"
	"math"
	"time"

	"github.com/bardlex/nebula/internal/dispatch"
	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
)

func uniqueID(s *Context, _ wire.Empty) (uint64, error) {
	return s.UniqueID, nil
}

// picobootReset stops hashing and hands the device to the boot ROM.
func picobootReset(s *Context, _ wire.Empty) {
	s.Engine.Stop()
	s.Resetter.Reset()
}

func setLED(s *Context, state wire.LedState) (wire.Empty, error) {
	s.LED.Set(state == wire.LedOn)
	return wire.Empty{}, nil
}

func info(s *Context, _ wire.Empty) (wire.Info, error) {
	return wire.Info{Version: s.Version, Chain: s.Chain}, nil
}

func submitJob(s *Context, job wire.Job) error {
	return s.Engine.Submit(job)
}

func stopJob(s *Context, _ wire.Empty) error {
	s.Engine.Stop()
	return nil
}

// sleep waits for the requested time and reports how long it actually took.
func sleep(ctx context.Context, tc TaskContext, req wire.SleepMillis, r *dispatch.Responder[wire.SleptMillis]) {
	tc.Log(ctx, "Starting sleep...")

	elapsed, err := tc.Clock.Sleep(ctx, time.Duration(req.Millis)*time.Millisecond)
	if err != nil {
		_ = r.Fail(ctx, errors.Wrap(err, errors.ErrorTypeTimeout, "sleep", "sleep interrupted"))
		return
	}

	tc.Log(ctx, "Finished sleep")
	ms := min(elapsed.Milliseconds(), math.MaxUint16)
	_ = r.Reply(ctx, wire.SleptMillis{Millis: uint16(ms)})
}
