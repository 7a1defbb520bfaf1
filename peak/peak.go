// Package peak implements the sliding-window peak-active-pages
// tracker, grounded exactly on peak_demand.c: a circular buffer of
// per-epoch maxima, with a skip-ahead optimization so a clock jump of
// arbitrarily many missed epochs never costs more than NBuckets work
// (spec.md §4.4).
package peak

import "time"

// NBuckets is PEAK_DEMAND_NBUCKETS (spec.md §12.3): the circular
// buffer's bucket count, fixed rather than configurable per the Open
// Question resolution recorded in SPEC_FULL.md §12.3.
const NBuckets = 32

// Demand tracks the maximum observed active-page count within a
// trailing window, bucketed into NBuckets equal sub-intervals so that
// a value ages out gradually rather than all at once at the window
// boundary.
type Demand struct {
	epoch           uint64
	epochIntervalNS uint64
	nactiveMax      [NBuckets]uint64
}

// NewDemand constructs a Demand tracking a trailing window of
// interval. interval must be positive; it is divided evenly across
// NBuckets sub-intervals (peak_demand_init).
func NewDemand(interval time.Duration) *Demand {
	if interval <= 0 {
		panic("peak: interval must be positive")
	}
	return &Demand{
		epochIntervalNS: uint64(interval.Nanoseconds()) / NBuckets,
	}
}

func (d *Demand) epochInd() uint64 {
	return d.epoch % NBuckets
}

// nowNS is the caller-supplied clock reading expressed as nanoseconds
// since an arbitrary fixed origin (peak_demand.c's nstime_t); Demand
// never reads a real clock itself, matching hooks.Hooks.Curtime being
// the only time source elsewhere in this module.
func (d *Demand) nextEpochAdvanceNS() uint64 {
	return (d.epoch + 1) * d.epochIntervalNS
}

func (d *Demand) maybeAdvanceEpoch(nowNS uint64) uint64 {
	if nowNS < d.nextEpochAdvanceNS() {
		return d.epochInd()
	}
	nextEpoch := nowNS / d.epochIntervalNS
	// nextEpoch > d.epoch is guaranteed by the condition above.

	// A clock jump ahead by more than a full window's worth of epochs
	// would otherwise force zeroing every bucket one at a time up to
	// nextEpoch; skip straight to "NBuckets epochs behind" since
	// zeroing the same bucket twice is wasted work either way.
	if d.epoch+NBuckets < nextEpoch {
		d.epoch = nextEpoch - NBuckets
	}
	for d.epoch < nextEpoch {
		d.epoch++
		d.nactiveMax[d.epochInd()] = 0
	}
	return d.epochInd()
}

// Update records an nactive observation at time nowNS (nanoseconds
// since the same fixed origin used throughout a single Demand's
// lifetime), advancing the window as needed first (peak_demand_update).
func (d *Demand) Update(nowNS uint64, nactive uint64) {
	ind := d.maybeAdvanceEpoch(nowNS)
	if nactive > d.nactiveMax[ind] {
		d.nactiveMax[ind] = nactive
	}
}

// Max returns the largest nactive observed across all buckets
// currently in the window (peak_demand_nactive_max).
func (d *Demand) Max() uint64 {
	max := d.nactiveMax[0]
	for i := 1; i < NBuckets; i++ {
		if d.nactiveMax[i] > max {
			max = d.nactiveMax[i]
		}
	}
	return max
}
