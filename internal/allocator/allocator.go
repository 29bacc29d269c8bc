// Package allocator implements the fixed-block allocator over a free-space
// bitmap: first/next/best-fit allocation of contiguous block runs, free,
// and fragmentation measurement.
package allocator

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// Strategy selects how Allocate picks among candidate free runs.
type Strategy int

const (
	// NextFit resumes scanning from the end of the previous allocation,
	// the default (mirrors the teacher's own per-cache policy fields
	// rather than a single hard-coded choice).
	NextFit Strategy = iota
	FirstFit
	BestFit
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "next-fit":
		return NextFit, nil
	case "first-fit":
		return FirstFit, nil
	case "best-fit":
		return BestFit, nil
	default:
		return 0, ferrors.New(ferrors.ErrCodeInvalidConfig, "unknown allocator strategy: "+s).
			WithComponent("allocator")
	}
}

// Run is a contiguous span of blocks, [Start, Start+Length).
type Run struct {
	Start  uint64
	Length uint64
}

// End returns the exclusive end block index.
func (r Run) End() uint64 { return r.Start + r.Length }

// Allocator owns the bitmap of total_blocks = data_region_size/block_size and
// hands out contiguous runs. Every Allocate call is recorded as a
// success/failure for the pressure-sampling feedback loop consumed by the
// GC's adaptive trigger.
type Allocator struct {
	mu          sync.Mutex
	bits        *bitset.BitSet
	totalBlocks uint64
	strategy    Strategy
	nextPtr     uint64

	successes uint64 // atomic
	failures  uint64 // atomic
}

// New creates an Allocator over totalBlocks blocks, all initially free.
func New(totalBlocks uint64, strategy Strategy) *Allocator {
	return &Allocator{
		bits:        bitset.New(uint(totalBlocks)),
		totalBlocks: totalBlocks,
		strategy:    strategy,
	}
}

// LoadBitmap restores an Allocator from a previously persisted bitmap
// (used by the raw-disk engine when it loads metadata on startup).
func LoadBitmap(bits *bitset.BitSet, totalBlocks uint64, strategy Strategy) *Allocator {
	return &Allocator{
		bits:        bits,
		totalBlocks: totalBlocks,
		strategy:    strategy,
	}
}

// Bitmap returns the underlying bitset for persistence. Callers must not
// mutate it directly; all mutation goes through Allocate/Free/MarkUsed.
func (a *Allocator) Bitmap() *bitset.BitSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits
}

// TotalBlocks returns the device's total block count.
func (a *Allocator) TotalBlocks() uint64 { return a.totalBlocks }

// Allocate reserves a contiguous run of nBlocks blocks, returning NoSpace
// if none is available under the configured strategy.
func (a *Allocator) Allocate(nBlocks uint64) (Run, error) {
	if nBlocks == 0 {
		return Run{}, ferrors.New(ferrors.ErrCodeInvalidRun, "cannot allocate zero blocks").
			WithComponent("allocator")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var run Run
	var found bool
	switch a.strategy {
	case FirstFit:
		run, found = a.findRunFrom(0, nBlocks)
	case BestFit:
		run, found = a.findBestRun(nBlocks)
	default: // NextFit
		run, found = a.findRunFrom(a.nextPtr, nBlocks)
		if !found && a.nextPtr != 0 {
			run, found = a.findRunFrom(0, nBlocks)
		}
	}

	if !found {
		atomic.AddUint64(&a.failures, 1)
		return Run{}, ferrors.New(ferrors.ErrCodeNoSpace, "no contiguous run available").
			WithComponent("allocator").WithDetail("blocks_requested", nBlocks)
	}

	for i := run.Start; i < run.End(); i++ {
		a.bits.Set(uint(i))
	}
	if a.strategy == NextFit {
		a.nextPtr = run.End() % a.totalBlocks
	}
	atomic.AddUint64(&a.successes, 1)
	return run, nil
}

// findRunFrom scans forward from start to the end of the bitmap (without
// wrapping) for the first contiguous run of nBlocks clear bits.
func (a *Allocator) findRunFrom(start, nBlocks uint64) (Run, bool) {
	if start >= a.totalBlocks {
		start = 0
	}
	i := start
	for i < a.totalBlocks {
		if a.bits.Test(uint(i)) {
			i++
			continue
		}
		runStart := i
		for i < a.totalBlocks && !a.bits.Test(uint(i)) && i-runStart < nBlocks {
			i++
		}
		if i-runStart >= nBlocks {
			return Run{Start: runStart, Length: nBlocks}, true
		}
	}
	return Run{}, false
}

// findBestRun scans the whole bitmap for the smallest free run that still
// fits nBlocks.
func (a *Allocator) findBestRun(nBlocks uint64) (Run, bool) {
	var bestStart, bestLen uint64
	haveBest := false

	i := uint64(0)
	for i < a.totalBlocks {
		if a.bits.Test(uint(i)) {
			i++
			continue
		}
		runStart := i
		for i < a.totalBlocks && !a.bits.Test(uint(i)) {
			i++
		}
		runLen := i - runStart
		if runLen >= nBlocks && (!haveBest || runLen < bestLen) {
			bestStart, bestLen = runStart, runLen
			haveBest = true
		}
	}
	if !haveBest {
		return Run{}, false
	}
	return Run{Start: bestStart, Length: nBlocks}, true
}

// Free clears the bits covering run. Never fails; freeing an already-free
// run is a no-op (idempotent).
func (a *Allocator) Free(run Run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := run.Start; i < run.End() && i < a.totalBlocks; i++ {
		a.bits.Clear(uint(i))
	}
}

// MarkUsed marks run as used without going through allocation bookkeeping
// (no pressure counters, no next-fit pointer); the defragmenter uses it to
// reserve a move target inside a known gap.
func (a *Allocator) MarkUsed(run Run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := run.Start; i < run.End() && i < a.totalBlocks; i++ {
		a.bits.Set(uint(i))
	}
}

// Fragmentation computes (sum_of_gap_sizes - largest_gap) / used_size. Zero
// when there is at most one gap; approaches 1 as gaps multiply.
func (a *Allocator) Fragmentation() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	used := a.bits.Count()
	if used == 0 {
		return 0
	}

	var totalGap, largestGap uint64
	var gapCount int
	i := uint64(0)
	for i < a.totalBlocks {
		if a.bits.Test(uint(i)) {
			i++
			continue
		}
		gapStart := i
		for i < a.totalBlocks && !a.bits.Test(uint(i)) {
			i++
		}
		gapLen := i - gapStart
		totalGap += gapLen
		if gapLen > largestGap {
			largestGap = gapLen
		}
		gapCount++
	}

	if gapCount <= 1 {
		return 0
	}
	return float64(totalGap-largestGap) / float64(used)
}

// Pressure returns the allocate success/failure counts observed since the
// last call and resets them. The GC's SamplePressure consumes them once per
// call.
func (a *Allocator) Pressure() (successes, failures uint64) {
	successes = atomic.SwapUint64(&a.successes, 0)
	failures = atomic.SwapUint64(&a.failures, 0)
	return
}

// UsedBlocks returns the number of blocks currently marked used.
func (a *Allocator) UsedBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Count()
}

// FreeRatio returns the fraction of blocks currently free.
func (a *Allocator) FreeRatio() float64 {
	if a.totalBlocks == 0 {
		return 0
	}
	return 1 - float64(a.UsedBlocks())/float64(a.totalBlocks)
}

// Gaps returns every free run in block order, for the defragmenter's
// head-gap search.
func (a *Allocator) Gaps() []Run {
	a.mu.Lock()
	defer a.mu.Unlock()

	var gaps []Run
	i := uint64(0)
	for i < a.totalBlocks {
		if a.bits.Test(uint(i)) {
			i++
			continue
		}
		start := i
		for i < a.totalBlocks && !a.bits.Test(uint(i)) {
			i++
		}
		gaps = append(gaps, Run{Start: start, Length: i - start})
	}
	return gaps
}
