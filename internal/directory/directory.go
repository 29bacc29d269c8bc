// Package directory implements the in-memory cache directory: the
// key→location map plus the LRU/LFU/FIFO secondary orderings used for
// eviction, and its persistence to the on-disk metadata region.
//
// All three secondary indexes are kept in sync by every mutator; callers
// never touch them individually, per the "cyclic/multi-owner structure"
// design note — the Directory owns LRU queue, LFU buckets, and FIFO order
// as one unit behind a narrow API, the way internal/cache/lru.go owns its
// evictList alongside its item map.
package directory

import (
	"bytes"
	"container/list"
	"encoding/gob"
	"hash/crc32"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/codec"
	"github.com/yingcaihuang/pingora-slice-sub000/pkg/ferrors"
)

// FormatVersion is bumped whenever the persisted layout changes shape.
const FormatVersion uint32 = 1

// EvictionPolicy selects which secondary ordering GC victim selection
// consults after expired entries are exhausted.
type EvictionPolicy int

const (
	PolicyLRU EvictionPolicy = iota
	PolicyLFU
	PolicyFIFO
)

// ParsePolicy maps a config string to an EvictionPolicy.
func ParsePolicy(s string) (EvictionPolicy, error) {
	switch s {
	case "", "lru":
		return PolicyLRU, nil
	case "lfu":
		return PolicyLFU, nil
	case "fifo":
		return PolicyFIFO, nil
	default:
		return 0, ferrors.New(ferrors.ErrCodeInvalidConfig, "unknown eviction policy: "+s).
			WithComponent("directory")
	}
}

// Location describes where one entry lives on L2, per spec.md §3's "Disk
// location record".
type Location struct {
	Offset       uint64
	StoredSize   uint64
	OriginalSize uint64
	Checksum     uint64
	ChecksumAlg  codec.ChecksumAlgorithm
	Compressed   bool
	CompressAlg  codec.CompressionAlgorithm
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  uint64
}

// record is the internal bookkeeping wrapper threading one key through all
// three secondary orderings at once.
type record struct {
	key  string
	loc  Location
	lru  *list.Element // element in Directory.lruList, value is *record
	fifo *list.Element // element in Directory.fifoList, value is *record
	freq uint64        // LFU frequency bucket this record currently sits in
	lfu  *list.Element // element in Directory.lfuBuckets[freq], value is *record
}

// Directory is the in-memory key→location map plus LRU/LFU/FIFO orderings.
type Directory struct {
	mu sync.RWMutex

	entries map[string]*record

	lruList  *list.List // front = most recently used, back = least
	fifoList *list.List // front = oldest inserted, back = newest

	lfuBuckets map[uint64]*list.List
	minFreq    uint64
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		entries:    make(map[string]*record),
		lruList:    list.New(),
		fifoList:   list.New(),
		lfuBuckets: make(map[uint64]*list.List),
	}
}

// Len returns the number of live entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Put inserts or replaces the location for key, resetting its eviction
// bookkeeping to "just touched". Returns the previous location, if any, so
// the caller (the raw-disk engine) can free its blocks once the new entry
// is durable.
func (d *Directory) Put(key string, loc Location) (old Location, hadOld bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[key]; ok {
		old = existing.loc
		hadOld = true
		d.removeFromOrderings(existing)
		existing.loc = loc
		d.insertOrderings(existing)
		return old, hadOld
	}

	r := &record{key: key, loc: loc}
	d.entries[key] = r
	d.insertOrderings(r)
	return Location{}, false
}

// Relocate updates key's on-disk location in place without touching any of
// the three eviction orderings. Unlike Put, this does not count as a touch:
// the entry's LRU/LFU/FIFO position is exactly as it was before the move.
// Used by the defragmenter, whose relocation moves bytes on disk but must
// not reset eviction priority for the moved key. Returns false if key is not
// present.
func (d *Directory) Relocate(key string, loc Location) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.entries[key]
	if !ok {
		return false
	}
	r.loc = loc
	return true
}

// insertOrderings adds r fresh into all three orderings: MRU end of LRU,
// back of FIFO, frequency-1 bucket of LFU.
func (d *Directory) insertOrderings(r *record) {
	r.lru = d.lruList.PushFront(r)
	r.fifo = d.fifoList.PushBack(r)
	r.freq = 1
	bucket := d.bucket(1)
	r.lfu = bucket.PushBack(r)
	d.minFreq = 1
}

func (d *Directory) bucket(freq uint64) *list.List {
	b, ok := d.lfuBuckets[freq]
	if !ok {
		b = list.New()
		d.lfuBuckets[freq] = b
	}
	return b
}

func (d *Directory) removeFromOrderings(r *record) {
	if r.lru != nil {
		d.lruList.Remove(r.lru)
		r.lru = nil
	}
	if r.fifo != nil {
		d.fifoList.Remove(r.fifo)
		r.fifo = nil
	}
	if r.lfu != nil {
		b := d.lfuBuckets[r.freq]
		if b != nil {
			b.Remove(r.lfu)
			if b.Len() == 0 {
				delete(d.lfuBuckets, r.freq)
				if d.minFreq == r.freq {
					d.minFreq++
				}
			}
		}
		r.lfu = nil
	}
}

// Get looks up key and, on hit, updates its access fields in place
// (last_accessed := now, access_count++) and touches all three orderings.
func (d *Directory) Get(key string) (Location, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.entries[key]
	if !ok {
		return Location{}, false
	}
	d.touch(r)
	return r.loc, true
}

// Peek returns key's location without updating access bookkeeping; used by
// the defragmenter and verifier, which must not perturb eviction order
// while inspecting entries.
func (d *Directory) Peek(key string) (Location, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.entries[key]
	if !ok {
		return Location{}, false
	}
	return r.loc, true
}

// touch moves r to the MRU end of the LRU list, increments its LFU
// frequency (moving it to the new bucket's back), and bumps access fields.
// FIFO order is never touched by access — only by insertion.
func (d *Directory) touch(r *record) {
	now := time.Now()
	r.loc.LastAccessed = now
	r.loc.AccessCount++

	d.lruList.MoveToFront(r.lru)

	oldFreq := r.freq
	oldBucket := d.lfuBuckets[oldFreq]
	oldBucket.Remove(r.lfu)
	if oldBucket.Len() == 0 {
		delete(d.lfuBuckets, oldFreq)
		if d.minFreq == oldFreq {
			d.minFreq = oldFreq + 1
		}
	}
	r.freq = oldFreq + 1
	r.lfu = d.bucket(r.freq).PushBack(r)
}

// Delete removes key, returning its last known location.
func (d *Directory) Delete(key string) (Location, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.entries[key]
	if !ok {
		return Location{}, false
	}
	d.removeFromOrderings(r)
	delete(d.entries, key)
	return r.loc, true
}

// Clear removes every entry, resetting the directory to empty. Used by
// purge_all.
func (d *Directory) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.entries)
	d.entries = make(map[string]*record)
	d.lruList = list.New()
	d.fifoList = list.New()
	d.lfuBuckets = make(map[uint64]*list.List)
	d.minFreq = 0
	return n
}

// KeysWithPrefix returns every live key starting with prefix, for
// purge_by_prefix.
func (d *Directory) KeysWithPrefix(prefix string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for k := range d.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ExpiredKeys returns every key whose entry's age (now - created_at) is >=
// ttl, oldest first.
func (d *Directory) ExpiredKeys(now time.Time, ttl time.Duration) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type aged struct {
		key string
		age time.Duration
	}
	var candidates []aged
	for k, r := range d.entries {
		age := now.Sub(r.loc.CreatedAt)
		if age >= ttl {
			candidates = append(candidates, aged{k, age})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].age > candidates[j].age })

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys
}

// VictimsLRU returns keys ordered oldest-last_accessed-first.
func (d *Directory) VictimsLRU() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, d.lruList.Len())
	for e := d.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(*record).key)
	}
	return keys
}

// VictimsLFU returns keys ordered lowest-access_count-first, tie-broken by
// oldest last_accessed first (spec.md §9 Open Question decision).
func (d *Directory) VictimsLFU() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	freqs := make([]uint64, 0, len(d.lfuBuckets))
	for f := range d.lfuBuckets {
		freqs = append(freqs, f)
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })

	var keys []string
	for _, f := range freqs {
		bucket := d.lfuBuckets[f]
		recs := make([]*record, 0, bucket.Len())
		for e := bucket.Front(); e != nil; e = e.Next() {
			recs = append(recs, e.Value.(*record))
		}
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].loc.LastAccessed.Before(recs[j].loc.LastAccessed)
		})
		for _, r := range recs {
			keys = append(keys, r.key)
		}
	}
	return keys
}

// VictimsFIFO returns keys ordered oldest-inserted-first.
func (d *Directory) VictimsFIFO() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, d.fifoList.Len())
	for e := d.fifoList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*record).key)
	}
	return keys
}

// Victims dispatches to the ordering named by policy.
func (d *Directory) Victims(policy EvictionPolicy) []string {
	switch policy {
	case PolicyLFU:
		return d.VictimsLFU()
	case PolicyFIFO:
		return d.VictimsFIFO()
	default:
		return d.VictimsLRU()
	}
}

// --- persistence ---

type persistedEntry struct {
	Key string
	Loc Location
}

type persistedDirectory struct {
	FormatVersion uint32
	Bitmap        []byte
	Entries       []persistedEntry
}

// Save serializes (bitmap, entries) into w as one gob-encoded payload
// followed by a trailing CRC32 (IEEE) over the encoded bytes, satisfying
// spec.md §4.3's "save_metadata serializes into the metadata region as one
// write". Using gob rather than JSON (unlike persistent.go's JSON index
// sidecar) because this is a fixed, versioned binary region, not a
// human-editable file.
func (d *Directory) Save(w io.Writer, bits *bitset.BitSet) error {
	d.mu.RLock()
	entries := make([]persistedEntry, 0, len(d.entries))
	for k, r := range d.entries {
		entries = append(entries, persistedEntry{Key: k, Loc: r.loc})
	}
	d.mu.RUnlock()

	bitmapBytes, err := bits.MarshalBinary()
	if err != nil {
		return ferrors.New(ferrors.ErrCodeMetadataCorrupt, "failed to marshal bitmap").
			WithComponent("directory").WithCause(err)
	}

	payload := persistedDirectory{
		FormatVersion: FormatVersion,
		Bitmap:        bitmapBytes,
		Entries:       entries,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return ferrors.New(ferrors.ErrCodeMetadataCorrupt, "failed to encode metadata").
			WithComponent("directory").WithCause(err)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	var trailer [4]byte
	trailer[0] = byte(sum >> 24)
	trailer[1] = byte(sum >> 16)
	trailer[2] = byte(sum >> 8)
	trailer[3] = byte(sum)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return ferrors.New(ferrors.ErrCodeIO, "failed to write metadata region").
			WithComponent("directory").WithCause(err)
	}
	if _, err := w.Write(trailer[:]); err != nil {
		return ferrors.New(ferrors.ErrCodeIO, "failed to write metadata trailer").
			WithComponent("directory").WithCause(err)
	}
	return nil
}

// Load reads a Save-produced payload from r, verifying the trailing CRC32
// and format version. On any mismatch it returns an error; per spec.md
// §4.3 the caller must treat this as cold start (empty cache), never a
// silent partial recovery.
func Load(r io.Reader) (*Directory, *bitset.BitSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, ferrors.New(ferrors.ErrCodeIO, "failed to read metadata region").
			WithComponent("directory").WithCause(err)
	}
	if len(data) < 4 {
		return nil, nil, ferrors.New(ferrors.ErrCodeMetadataCorrupt, "metadata region too short").
			WithComponent("directory")
	}

	body := data[:len(data)-4]
	trailer := data[len(data)-4:]
	wantSum := uint32(trailer[0])<<24 | uint32(trailer[1])<<16 | uint32(trailer[2])<<8 | uint32(trailer[3])
	gotSum := crc32.ChecksumIEEE(body)
	if gotSum != wantSum {
		return nil, nil, ferrors.New(ferrors.ErrCodeMetadataCorrupt, "metadata checksum mismatch").
			WithComponent("directory")
	}

	var payload persistedDirectory
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		return nil, nil, ferrors.New(ferrors.ErrCodeMetadataCorrupt, "failed to decode metadata").
			WithComponent("directory").WithCause(err)
	}
	if payload.FormatVersion != FormatVersion {
		return nil, nil, ferrors.New(ferrors.ErrCodeVersionMismatch, "metadata format version mismatch").
			WithComponent("directory").
			WithDetail("want", FormatVersion).WithDetail("got", payload.FormatVersion)
	}

	bits := &bitset.BitSet{}
	if err := bits.UnmarshalBinary(payload.Bitmap); err != nil {
		return nil, nil, ferrors.New(ferrors.ErrCodeMetadataCorrupt, "failed to unmarshal bitmap").
			WithComponent("directory").WithCause(err)
	}

	// Rebuild orderings deterministically: LRU from last_accessed ascending
	// (oldest first, so PushFront in that order ends with the newest at
	// front), FIFO from created_at ascending, LFU buckets from access_count.
	sort.Slice(payload.Entries, func(i, j int) bool {
		return payload.Entries[i].Loc.LastAccessed.Before(payload.Entries[j].Loc.LastAccessed)
	})

	d := New()
	for _, pe := range payload.Entries {
		r := &record{key: pe.Key, loc: pe.Loc}
		r.lru = d.lruList.PushFront(r)
		r.freq = pe.Loc.AccessCount
		if r.freq == 0 {
			r.freq = 1
		}
		r.lfu = d.bucket(r.freq).PushBack(r)
		d.entries[pe.Key] = r
	}
	sortFIFO := append([]persistedEntry(nil), payload.Entries...)
	sort.Slice(sortFIFO, func(i, j int) bool {
		return sortFIFO[i].Loc.CreatedAt.Before(sortFIFO[j].Loc.CreatedAt)
	})
	for _, pe := range sortFIFO {
		d.entries[pe.Key].fifo = d.fifoList.PushBack(d.entries[pe.Key])
	}
	if len(d.lfuBuckets) > 0 {
		min := ^uint64(0)
		for f := range d.lfuBuckets {
			if f < min {
				min = f
			}
		}
		d.minFreq = min
	}

	return d, bits, nil
}
