// Package firmware assembles the device application: shared device state, the
// handler set registered on the dispatcher, the job engine and telemetry.
package firmware

import (
	"context"

	"github.com/bardlex/nebula/internal/device"
	"github.com/bardlex/nebula/internal/dispatch"
	"github.com/bardlex/nebula/internal/mining"
	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/log"
)

// Context is the shared device state. It is created at startup, lives until
// the device resets, and is only touched by Immediate handlers.
type Context struct {
	UniqueID uint64
	Version  string
	Chain    wire.Chain

	LED      device.Output
	Resetter device.Resetter
	Engine   *mining.Engine
}

// TaskContext is what a Deferred task gets instead of Context: copied values
// and capability handles.
type TaskContext struct {
	UniqueID uint64
	Clock    device.Clock

	out    dispatch.Sender
	logger *log.Logger
}

// Log writes text to the device log and publishes it on the log topic.
func (tc TaskContext) Log(ctx context.Context, text string) {
	tc.logger.Info(text)
	if err := dispatch.Publish(ctx, tc.out, wire.LogTopic, text); err != nil {
		tc.logger.WithError(err).Debug("log line not published")
	}
}
