// Package alloc implements the allocator contract the write pipeline
// consumes: reservation, write-point opening, replica pointer assignment,
// and bucket reuse (spec §4.3, §6). The real space-accounting/superblock
// engine is out of scope; this is the minimal implementation the write
// pipeline needs to drive against a live device.Registry.
package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/bfscore/pkg/device"
	"github.com/cuemby/bfscore/pkg/types"
)

// Reservation is a caller's claim on sector capacity, checked out from an
// Allocator's (optional) overall capacity budget and returned when the
// write it backs completes or fails.
type Reservation struct {
	Sectors uint64
}

// openBucket is one checkout of a device's write point. The offset itself
// lives in a counter shared by every checkout of the same device, so two
// overlapping writers targeting the same device never hand out the same
// offset: each AllocSectorsAppendPtrs call atomically claims and advances
// past its own slice of the counter instead of racing to fabricate a
// fresh zero-offset bucket.
type openBucket struct {
	deviceID int
	offset   *atomic.Uint64
}

// Allocator assigns replica pointers to live, non-dying devices, picking
// the least-loaded device by in-flight I/O count — the same "fewest
// active work items wins" rule the scheduler's selectNode uses for
// workload placement, applied here to device write-point selection.
type Allocator struct {
	registry *device.Registry

	capacitySectors uint64 // 0 = unlimited
	reserved        atomic.Uint64

	mu      sync.Mutex
	offsets map[int]*atomic.Uint64
}

// New creates an Allocator over registry. capacitySectors bounds the total
// outstanding reservation across all callers; 0 means unbounded.
func New(registry *device.Registry, capacitySectors uint64) *Allocator {
	return &Allocator{
		registry:        registry,
		capacitySectors: capacitySectors,
		offsets:         make(map[int]*atomic.Uint64),
	}
}

// Reserve claims nSectors against the allocator's capacity budget.
func (a *Allocator) Reserve(nSectors uint64) (*Reservation, error) {
	if a.capacitySectors == 0 {
		a.reserved.Add(nSectors)
		return &Reservation{Sectors: nSectors}, nil
	}

	for {
		cur := a.reserved.Load()
		if cur+nSectors > a.capacitySectors {
			return nil, fmt.Errorf("alloc: reserve %d sectors exceeds capacity (in use %d/%d): %w", nSectors, cur, a.capacitySectors, types.ErrOutOfSpace)
		}
		if a.reserved.CompareAndSwap(cur, cur+nSectors) {
			return &Reservation{Sectors: nSectors}, nil
		}
	}
}

// ReleaseReservation returns unused sectors to the capacity budget, called
// when a write completes having used fewer sectors than reserved, or
// fails outright.
func (a *Allocator) ReleaseReservation(r *Reservation) {
	if r == nil || r.Sectors == 0 {
		return
	}
	a.reserved.Add(^(r.Sectors - 1)) // atomic subtract
}

// Bucket represents wantReplicas open write points, one per selected
// device, for the duration of one write's encode loop.
type Bucket struct {
	devices []*openBucket
}

// AllocSectorsStart opens a Bucket with up to wantReplicas write points on
// distinct live devices, excluding op.ExcludeDevices (used by the move
// engine when evacuating a device) and any device already in
// op.FailedDevices.
func (a *Allocator) AllocSectorsStart(op *types.WriteOp, wantReplicas int) (*Bucket, error) {
	excluded := make(map[int]struct{}, len(op.ExcludeDevices))
	for _, id := range op.ExcludeDevices {
		excluded[id] = struct{}{}
	}
	for id := range op.FailedDevices {
		excluded[id] = struct{}{}
	}

	candidates := a.registry.Live()
	var picked []*device.Device
	for _, d := range candidates {
		if _, bad := excluded[d.ID]; bad {
			continue
		}
		picked = append(picked, d)
	}
	if len(picked) == 0 {
		return nil, fmt.Errorf("alloc: no live devices available: %w", types.ErrNoSurvivingReplica)
	}

	// Fewest in-flight I/Os wins, same load-balancing rule the scheduler
	// uses for container placement.
	sortByLoad(picked)

	if wantReplicas > len(picked) {
		wantReplicas = len(picked)
	}

	b := &Bucket{}
	for i := 0; i < wantReplicas; i++ {
		b.devices = append(b.devices, a.openBucketGet(picked[i].ID))
	}
	return b, nil
}

// AllocSectorsAppendPtrs hands out one Pointer per device in the bucket,
// each at that device's current write-point offset, then atomically
// advances the shared per-device counter past size bytes. Safe to call
// from multiple overlapping Buckets checked out against the same device:
// the fetch-and-add on the shared counter is the only thing that decides
// each Pointer's offset, so two concurrent writers to one device always
// claim disjoint ranges.
func (a *Allocator) AllocSectorsAppendPtrs(b *Bucket, size uint64) []types.Pointer {
	ptrs := make([]types.Pointer, 0, len(b.devices))
	for _, ob := range b.devices {
		dev, ok := a.registry.Get(ob.deviceID)
		if !ok {
			continue
		}
		offset := ob.offset.Add(size) - size
		ptrs = append(ptrs, types.Pointer{
			DeviceID:         ob.deviceID,
			DeviceOffset:     offset,
			DeviceGeneration: dev.Generation(),
		})
	}
	return ptrs
}

// AllocSectorsDone releases a Bucket's checkout. The write-point offsets
// themselves live in per-device counters shared across checkouts, not in
// the Bucket, so there is nothing to return to a pool; this exists to keep
// the Start/Done pairing the write pipeline drives symmetrical.
func (a *Allocator) AllocSectorsDone(b *Bucket) {}

// openBucketGet returns a checkout of the device's write-point counter,
// creating one the first time a device is referenced. The counter is
// never removed from the map, so concurrent checkouts of the same device
// always share the same counter rather than racing to fabricate separate
// ones starting at offset 0.
func (a *Allocator) openBucketGet(deviceID int) *openBucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.offsets[deviceID]
	if !ok {
		c = new(atomic.Uint64)
		a.offsets[deviceID] = c
	}
	return &openBucket{deviceID: deviceID, offset: c}
}

func sortByLoad(devices []*device.Device) {
	for i := 1; i < len(devices); i++ {
		for j := i; j > 0 && devices[j].InFlight() < devices[j-1].InFlight(); j-- {
			devices[j], devices[j-1] = devices[j-1], devices[j]
		}
	}
}
