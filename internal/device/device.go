// Package device declares the hardware capabilities the firmware consumes and
// provides simulated implementations of them.
package device

import (
	"context"
	"sync"
	"time"
)

// Resetter reboots the device into its secondary boot mode. On hardware
// Reset never returns.
type Resetter interface {
	Reset()
}

// Output is a digital output pin.
type Output interface {
	Set(on bool)
}

// Clock provides monotonic sleeps.
type Clock interface {
	// Sleep waits for d or until ctx ends and reports the time that passed.
	Sleep(ctx context.Context, d time.Duration) (time.Duration, error)
}

// Thermometer reads the ASIC chain temperature in degrees Celsius.
type Thermometer interface {
	Temperature() (int8, error)
}

// SystemClock sleeps on the Go runtime timer.
type SystemClock struct{}

// Sleep implements Clock.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) (time.Duration, error) {
	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return time.Since(start), nil
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

// SimLED records every transition applied to it.
type SimLED struct {
	mu      sync.Mutex
	on      bool
	history []bool
}

// Set implements Output.
func (l *SimLED) Set(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = on
	l.history = append(l.history, on)
}

// On reports the current output level.
func (l *SimLED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// History returns every level written, oldest first.
func (l *SimLED) History() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.history...)
}

// SimResetter stands in for the boot ROM. Reset records the request, runs
// OnReset if set, and returns.
type SimResetter struct {
	mu      sync.Mutex
	count   int
	OnReset func()
}

// Reset implements Resetter.
func (r *SimResetter) Reset() {
	r.mu.Lock()
	r.count++
	hook := r.OnReset
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Count returns how many resets were requested.
func (r *SimResetter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// SimThermometer reports a temperature that follows the hashing load.
type SimThermometer struct {
	mu      sync.Mutex
	Ambient int8
	Load    int8
	active  bool
	fail    error
}

// SetActive marks the chain as hashing or idle.
func (t *SimThermometer) SetActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = active
}

// Fail makes subsequent reads return err; nil clears it.
func (t *SimThermometer) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = err
}

// Temperature implements Thermometer.
func (t *SimThermometer) Temperature() (int8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return 0, t.fail
	}
	if t.active {
		return t.Ambient + t.Load, nil
	}
	return t.Ambient, nil
}
