// Package progress exposes race progress to readers outside the tick loop.
//
// The tick loop is the only writer. The two values are stored independently,
// so a reader may see one value a tick newer than the other.
package progress

import (
	"math"
	"sync/atomic"
)

// Unknown marks a value that cannot be computed yet.
const Unknown uint32 = math.MaxUint32

type Snapshot struct {
	RemainingTicks    uint32
	CompletionPercent uint32
}

func (s Snapshot) RemainingKnown() bool  { return s.RemainingTicks != Unknown }
func (s Snapshot) CompletionKnown() bool { return s.CompletionPercent != Unknown }

type Estimator struct {
	remaining atomic.Uint32
	percent   atomic.Uint32
}

func New() *Estimator {
	e := &Estimator{}
	e.Reset()
	return e
}

func (e *Estimator) Update(remainingTicks, completionPercent uint32) {
	e.remaining.Store(remainingTicks)
	e.percent.Store(completionPercent)
}

func (e *Estimator) Reset() {
	e.Update(Unknown, Unknown)
}

func (e *Estimator) RemainingTicks() uint32    { return e.remaining.Load() }
func (e *Estimator) CompletionPercent() uint32 { return e.percent.Load() }

func (e *Estimator) Read() Snapshot {
	return Snapshot{RemainingTicks: e.remaining.Load(), CompletionPercent: e.percent.Load()}
}
