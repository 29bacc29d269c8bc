// Package defrag implements the defragmenter (spec.md §4.8): move tail
// entries into head gaps with checksum re-verify and an atomic directory
// swap. Grounded on the allocator's gap/bitmap model and on
// PersistentCache.Optimize()'s "scan, rewrite index, continue" batch/yield
// shape.
package defrag

import (
	"time"

	"go.uber.org/multierr"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/allocator"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/directory"
)

// Config controls batching and the block size used to convert
// Location.StoredSize (bytes) into allocator block counts.
type Config struct {
	BatchSize   int
	Incremental bool
	BlockSize   uint64
}

// DefaultConfig returns sane batching defaults for a 4 KiB block size.
func DefaultConfig() Config {
	return Config{BatchSize: 32, Incremental: true, BlockSize: 4096}
}

// Mover relocates one entry's bytes from its current location to a newly
// allocated run, verifying checksums before and after, and returns the
// Location to install at the new run. Implementations read old, verify,
// write to newRun, verify again.
type Mover func(key string, old directory.Location, newRun allocator.Run) (directory.Location, error)

// Stats reports the outcome of a defrag pass.
type Stats struct {
	Moved       int
	FailedMoves int
	Err         error // combined per-move Mover errors, via multierr
}

// Defragmenter moves live entries toward the head of the device to
// compress free space into one large trailing region.
type Defragmenter struct {
	cfg   Config
	dir   *directory.Directory
	alloc *allocator.Allocator
	move  Mover
}

// New binds a defragmenter to dir/alloc, relocating entries via move.
func New(cfg Config, dir *directory.Directory, alloc *allocator.Allocator, move Mover) *Defragmenter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultConfig().BlockSize
	}
	return &Defragmenter{cfg: cfg, dir: dir, alloc: alloc, move: move}
}

// candidate pairs a tail entry's key/location with its current offset, so
// tail selection can sort by offset descending.
type candidate struct {
	key string
	loc directory.Location
}

// Run performs one defragmentation pass: compute head gaps, select tail
// entries that fit them, move each with verify-then-swap, honoring
// BatchSize and yielding between batches when Incremental.
func (d *Defragmenter) Run() Stats {
	var stats Stats

	gaps := d.alloc.Gaps()
	if len(gaps) == 0 {
		return stats
	}

	candidates := d.tailCandidates()
	batch := 0

	for _, gap := range gaps {
		remaining := gap.Length
		cursor := gap.Start

		for len(candidates) > 0 && remaining > 0 {
			c := candidates[len(candidates)-1]
			blocksNeeded := (c.loc.StoredSize + d.cfg.BlockSize - 1) / d.cfg.BlockSize
			if blocksNeeded == 0 {
				blocksNeeded = 1
			}
			if blocksNeeded > remaining {
				break
			}
			// only relocate entries that currently sit after the gap
			if c.loc.Offset/d.cfg.BlockSize <= gap.Start {
				break
			}

			candidates = candidates[:len(candidates)-1]

			newRun := allocator.Run{Start: cursor, Length: blocksNeeded}
			if err := d.moveOne(c.key, c.loc, newRun); err == nil {
				stats.Moved++
				cursor += blocksNeeded
				remaining -= blocksNeeded
			} else {
				stats.FailedMoves++
				stats.Err = multierr.Append(stats.Err, err)
			}

			batch++
			if batch >= d.cfg.BatchSize {
				batch = 0
				if d.cfg.Incremental {
					time.Sleep(0)
				}
			}
		}
	}

	return stats
}

func (d *Defragmenter) tailCandidates() []candidate {
	var cands []candidate
	for _, key := range d.dir.KeysWithPrefix("") {
		loc, ok := d.dir.Peek(key)
		if !ok {
			continue
		}
		cands = append(cands, candidate{key: key, loc: loc})
	}

	// Sort ascending by offset so popping from the back yields the
	// tail-most (highest offset) entry first.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j-1].loc.Offset > cands[j].loc.Offset; j-- {
			cands[j-1], cands[j] = cands[j], cands[j-1]
		}
	}
	return cands
}

func (d *Defragmenter) moveOne(key string, old directory.Location, newRun allocator.Run) error {
	// Reserve the target run before writing to it; release it again if the
	// move fails so the entry stays where it was.
	d.alloc.MarkUsed(newRun)
	newLoc, err := d.move(key, old, newRun)
	if err != nil {
		d.alloc.Free(newRun)
		return err
	}

	d.dir.Relocate(key, newLoc)
	d.alloc.Free(allocator.Run{
		Start:  old.Offset / d.cfg.BlockSize,
		Length: (old.StoredSize + d.cfg.BlockSize - 1) / d.cfg.BlockSize,
	})
	return nil
}
