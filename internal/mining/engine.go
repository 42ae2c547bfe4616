package mining

import (
	"context"
	"math"
	"math/bits"
	"runtime"
	"sync"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/nebula/internal/dispatch"
	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/log"
)

// State is the engine's lifecycle state.
type State uint8

const (
	Idle State = iota
	Hashing
)

func (s State) String() string {
	if s == Hashing {
		return "hashing"
	}
	return "idle"
}

// Config tunes the search.
type Config struct {
	// Workers is the number of concurrent nonce scanners.
	Workers int
	// CancelCheckInterval is the number of nonces a worker hashes between
	// cancellation checks.
	CancelCheckInterval uint32
	// VersionRollingMask selects the version bits the search may vary.
	VersionRollingMask uint32
	// NTimeRollLimit is how many seconds past the Job's time the search may
	// advance the header time.
	NTimeRollLimit uint32
	// NonceSpace is the number of nonces scanned per header variant, at most 2^32.
	NonceSpace uint64
	// ChunkSize is the nonce range handed to one worker at a time.
	ChunkSize uint64
	// SingleShare ends the Job after its first Share.
	SingleShare bool
	// OnStateChange observes transitions. It runs with the engine locked and
	// must not block.
	OnStateChange func(State)
}

// DefaultConfig returns the search settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workers:             runtime.NumCPU(),
		CancelCheckInterval: 1024,
		NonceSpace:          1 << 32,
		ChunkSize:           1 << 20,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.CancelCheckInterval == 0 {
		c.CancelCheckInterval = d.CancelCheckInterval
	}
	if c.NonceSpace == 0 || c.NonceSpace > d.NonceSpace {
		c.NonceSpace = d.NonceSpace
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkSize > c.NonceSpace {
		c.ChunkSize = c.NonceSpace
	}
	return c
}

// run is one accepted Job and the search working on it.
type run struct {
	job    wire.Job
	target Target
	ctx    context.Context
	cancel context.CancelFunc
	shares int
}

// Engine owns the current-Job slot. Submit and Stop never block on the
// search, so they are safe to call from an Immediate handler.
type Engine struct {
	cfg    Config
	out    dispatch.Sender
	logger *log.Logger

	mu      sync.Mutex
	state   State
	current *run
	base    context.Context
	stop    context.CancelFunc
	runs    sync.WaitGroup
}

// NewEngine creates an idle engine publishing Shares through out.
func NewEngine(cfg Config, out dispatch.Sender, logger *log.Logger) *Engine {
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg.normalized(),
		out:    out,
		logger: logger.WithComponent("engine"),
		base:   base,
		stop:   stop,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the active Job, if any.
func (e *Engine) Current() (wire.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return wire.Job{}, false
	}
	return e.current.job, true
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(s)
	}
}

// Submit makes job current, preempting any Job being hashed. A Job whose
// difficulty bits do not describe a usable target is rejected with an
// invalid_job error and the engine keeps its previous state.
func (e *Engine) Submit(job wire.Job) error {
	target, err := TargetFromBits(job.NBits)
	if err != nil {
		e.logger.WithJob(job.ID).WithError(err).Warn("job rejected")
		return err
	}

	ctx, cancel := context.WithCancel(e.base)
	r := &run{job: job, target: target, ctx: ctx, cancel: cancel}

	e.mu.Lock()
	prev := e.current
	if prev != nil {
		prev.cancel()
	}
	e.current = r
	e.setState(Hashing)
	e.runs.Add(1)
	e.mu.Unlock()

	e.logger.LogJobAccepted(job.ID, job.NBits, prev != nil)

	go func() {
		defer e.runs.Done()
		e.search(r)
	}()
	return nil
}

// Stop abandons the current Job. Stopping an idle engine does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return
	}
	e.logger.WithJob(e.current.job.ID).Info("job stopped")
	e.retire(e.current)
}

// Close cancels any search and waits for its workers to exit.
func (e *Engine) Close() {
	e.stop()
	e.mu.Lock()
	if e.current != nil {
		e.retire(e.current)
	}
	e.mu.Unlock()
	e.runs.Wait()
}

// retire cancels r and returns to Idle if r is current. Caller holds e.mu.
func (e *Engine) retire(r *run) {
	r.cancel()
	if e.current == r {
		e.current = nil
		e.setState(Idle)
	}
}

// claim decides whether a candidate found by r may still be published and
// records it. It returns false once r is no longer current.
func (e *Engine) claim(r *run) (publish, more bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != r {
		return false, false
	}
	r.shares++
	if e.cfg.SingleShare {
		e.retire(r)
		return true, false
	}
	return true, true
}

// search scans every header variant of r.job until the space is exhausted or
// the run is cancelled.
func (e *Engine) search(r *run) {
	logger := e.logger.WithJob(r.job.ID)

	header, err := SerializeHeader(NewHeader(r.job))
	if err != nil {
		logger.WithError(err).Error("cannot build header")
		e.finish(r)
		return
	}

	swg := sizedwaitgroup.New(e.cfg.Workers)
	versions := uint64(1) << bits.OnesCount32(e.cfg.VersionRollingMask)

scan:
	for t := uint64(0); t <= ntimeRolls(r.job.NTime, e.cfg.NTimeRollLimit); t++ {
		for v := uint64(0); v < versions; v++ {
			version := rollVersion(r.job.Version, e.cfg.VersionRollingMask, uint32(v))
			ntime := r.job.NTime + uint32(t)

			variant := header
			headerVariant(&variant, version, ntime)

			for start := uint64(0); start < e.cfg.NonceSpace; start += e.cfg.ChunkSize {
				if r.ctx.Err() != nil {
					break scan
				}
				end := min(start+e.cfg.ChunkSize, e.cfg.NonceSpace)

				swg.Add()
				go func(raw [HeaderSize]byte, version, ntime uint32, start, end uint64) {
					defer swg.Done()
					e.scan(r, raw, version, ntime, start, end)
				}(variant, version, ntime, start, end)
			}
		}
	}
	swg.Wait()

	if r.ctx.Err() == nil {
		logger.Info("search space exhausted", "shares", e.sharesOf(r))
	}
	e.finish(r)
}

func (e *Engine) sharesOf(r *run) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.shares
}

// finish returns the engine to Idle if r is still the current run.
func (e *Engine) finish(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retire(r)
}

// scan hashes nonces [start, end) of one header variant.
func (e *Engine) scan(r *run, raw [HeaderSize]byte, version, ntime uint32, start, end uint64) {
	check := uint64(e.cfg.CancelCheckInterval)

	for n := start; n < end; n++ {
		if (n-start)%check == 0 && r.ctx.Err() != nil {
			return
		}

		nonce := uint32(n)
		putNonce(&raw, nonce)
		if !HashMeetsTarget(DoubleSHA256(raw[:]), r.target) {
			continue
		}

		publish, more := e.claim(r)
		if publish {
			e.publish(r, version, ntime, nonce)
		}
		if !more {
			return
		}
	}
}

func (e *Engine) publish(r *run, version, ntime, nonce uint32) {
	share := wire.Share{JobID: r.job.ID, Nonce: nonce}
	if version != r.job.Version {
		v := version
		share.RolledVersion = &v
	}
	if ntime != r.job.NTime {
		t := ntime
		share.RolledNTime = &t
	}

	e.logger.LogShareFound(share.JobID, nonce, version, ntime)
	if err := dispatch.Publish(e.base, e.out, wire.ShareTopic, share); err != nil {
		e.logger.WithJob(share.JobID).WithError(err).Warn("share not published")
	}
}

// ntimeRolls bounds the ntime roll so that ntime+roll never wraps.
func ntimeRolls(ntime, limit uint32) uint64 {
	return uint64(min(limit, math.MaxUint32-ntime))
}

// rollVersion flips the version bits selected by mask according to the bits
// of i. Variant 0 is the Job's own version.
func rollVersion(base, mask, i uint32) uint32 {
	var rolled uint32
	for m := mask; m != 0; m &= m - 1 {
		bit := m & -m
		if i&1 == 1 {
			rolled |= bit
		}
		i >>= 1
	}
	return base ^ rolled
}

func putNonce(raw *[HeaderSize]byte, nonce uint32) {
	raw[nonceField] = byte(nonce)
	raw[nonceField+1] = byte(nonce >> 8)
	raw[nonceField+2] = byte(nonce >> 16)
	raw[nonceField+3] = byte(nonce >> 24)
}
