package device

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/cuemby/bfscore/pkg/metrics"
	"github.com/cuemby/bfscore/pkg/types"
)

// consecutiveFailureThreshold marks a device dying once this many
// back-to-back I/Os fail, mirroring the worker's container health monitor
// (ConsecutiveFailures) but applied to device I/O instead of app checks.
const consecutiveFailureThreshold = 5

// smallChangeGateProbability is the odds a latency sample within half the
// current EWMA value is still applied, so the average doesn't freeze
// entirely once it settles (spec §5's "small random-time gate").
const smallChangeGateProbability = 0.1

// Device is one backing store in the pool: a Backend plus the accounting
// the write/read/move pipelines need to pick, avoid, and retire it.
type Device struct {
	ID   int
	Tier types.Tier

	Backend Backend

	generation atomic.Uint64
	dying      atomic.Bool
	inFlight   atomic.Int64
	failures   atomic.Int32

	latencyMu    sync.Mutex
	latency      ewma.MovingAverage
	lastSampleAt atomic.Int64
}

// New creates a Device. generation seeds the stale-pointer-detection
// counter a fresh pointer's DeviceGeneration is compared against.
func New(id int, tier types.Tier, backend Backend, generation uint64) *Device {
	d := &Device{
		ID:      id,
		Tier:    tier,
		Backend: backend,
		latency: ewma.NewMovingAverage(),
	}
	d.generation.Store(generation)
	return d
}

// Generation returns the device's current generation, bumped each time it
// is replaced or recovers from removal. A Pointer whose DeviceGeneration
// doesn't match is stale and must be skipped by the read pipeline.
func (d *Device) Generation() uint64 {
	return d.generation.Load()
}

// BumpGeneration advances the device's generation, invalidating any
// cached Pointer stamped with an older value.
func (d *Device) BumpGeneration() uint64 {
	return d.generation.Add(1)
}

// Dying reports whether the device has been marked for removal; the
// allocator and read pipeline both skip a dying device.
func (d *Device) Dying() bool {
	return d.dying.Load()
}

// MarkDying flags the device as being torn down. Any in-flight bio that
// completes afterward is reported with a synthetic "removed" status
// rather than a real I/O error.
func (d *Device) MarkDying() {
	d.dying.Store(true)
}

// InFlight returns the number of I/Os currently outstanding on this
// device.
func (d *Device) InFlight() int64 {
	return d.inFlight.Load()
}

// LatencyMicros returns the current EWMA of observed I/O latency, in
// microseconds.
func (d *Device) LatencyMicros() float64 {
	d.latencyMu.Lock()
	defer d.latencyMu.Unlock()
	return d.latency.Value()
}

// sampleLatency folds one observed latency into the device's EWMA. A CAS
// loop over lastSampleAt decides, without holding latencyMu, whether this
// sample is worth taking at all: a sample within half the current value
// is usually skipped to avoid contending the mutex on every I/O
// completion, except when a small random gate fires so the average still
// tracks slow drift.
func (d *Device) sampleLatency(observed time.Duration) {
	sample := float64(observed.Microseconds())

	for {
		cur := d.LatencyMicros()
		last := d.lastSampleAt.Load()
		now := time.Now().UnixNano()

		smallChange := cur > 0 && math.Abs(sample-cur) < cur/2
		if smallChange && rand.Float64() >= smallChangeGateProbability {
			return
		}
		if d.lastSampleAt.CompareAndSwap(last, now) {
			break
		}
		// Another goroutine updated lastSampleAt concurrently; re-evaluate
		// against the latest latency value before retrying.
	}

	d.latencyMu.Lock()
	d.latency.Add(sample)
	d.latencyMu.Unlock()

	metrics.DeviceLatencyEWMA.WithLabelValues(fmt.Sprint(d.ID)).Set(d.latency.Value())
}

// recordFailure bumps the consecutive-failure counter and marks the
// device dying once it crosses consecutiveFailureThreshold.
func (d *Device) recordFailure() {
	metrics.DeviceIOErrors.WithLabelValues(fmt.Sprint(d.ID)).Inc()
	if d.failures.Add(1) >= consecutiveFailureThreshold {
		d.MarkDying()
	}
}

// recordSuccess resets the consecutive-failure counter.
func (d *Device) recordSuccess() {
	d.failures.Store(0)
}

// SubmitBio performs one read or write against the device's backend at
// byte offset off, sampling latency and failure accounting around it.
func (d *Device) SubmitBio(bio *Bio, off int64, write bool) error {
	if d.Dying() {
		return fmt.Errorf("device %d: %w", d.ID, types.ErrDeviceRemoved)
	}

	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	start := time.Now()
	var err error
	if write {
		_, err = d.Backend.WriteAt(bio.Data, off)
	} else {
		_, err = d.Backend.ReadAt(bio.Data, off)
	}
	d.sampleLatency(time.Since(start))

	if d.Dying() {
		return fmt.Errorf("device %d: %w", d.ID, types.ErrDeviceRemoved)
	}
	if err != nil {
		d.recordFailure()
		return fmt.Errorf("device %d io at offset %d: %w: %w", d.ID, off, err, types.ErrDeviceIO)
	}
	d.recordSuccess()
	return nil
}
