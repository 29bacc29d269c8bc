package rawdisk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yingcaihuang/pingora-slice-sub000/internal/allocator"
	"github.com/yingcaihuang/pingora-slice-sub000/internal/codec"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 4 * 1024 * 1024
	cfg.MetadataRegionSize = 64 * 1024
	cfg.AllocStrategy = allocator.FirstFit

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, path
}

func TestStoreLookupRoundTrip(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	if err := e.Store("k1", []byte("hello world")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, ok := e.Lookup("k1")
	if !ok {
		t.Fatal("Lookup() miss, want hit")
	}
	if string(got) != "hello world" {
		t.Errorf("Lookup() = %q, want %q", got, "hello world")
	}
}

// TestLookupSeesUnflushedStore is the round-trip invariant's critical case:
// a store must be visible to a same-process lookup before Flush/SaveMetadata
// ever run, via the write buffer's pending-write overlay.
func TestLookupSeesUnflushedStore(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	payload := make([]byte, 9000) // spans multiple blocks
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := e.Store("big", payload); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, ok := e.Lookup("big")
	if !ok {
		t.Fatal("Lookup() miss before flush, want hit from write-buffer overlay")
	}
	if len(got) != len(payload) {
		t.Fatalf("Lookup() length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestStoreReplaceFreesOldBlocks(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	if err := e.Store("k", []byte("first value")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	before := e.Snapshot().FreeRatio

	if err := e.Store("k", []byte("second")); err != nil {
		t.Fatalf("Store() replace error = %v", err)
	}
	after := e.Snapshot().FreeRatio

	if after < before {
		t.Errorf("FreeRatio after replace = %v, want >= %v (old blocks freed)", after, before)
	}

	got, ok := e.Lookup("k")
	if !ok || string(got) != "second" {
		t.Errorf("Lookup() = %q, %v, want %q, true", got, ok, "second")
	}
}

func TestLookupMissOnUnknownKey(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	if _, ok := e.Lookup("nope"); ok {
		t.Error("Lookup() hit on unknown key, want miss")
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 4 * 1024 * 1024
	cfg.MetadataRegionSize = 64 * 1024
	cfg.TTL = time.Millisecond
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	if err := e.Store("expiring", []byte("data")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, ok := e.Lookup("expiring"); ok {
		t.Error("Lookup() hit on expired entry, want miss")
	}
	if e.Snapshot().Entries != 0 {
		t.Errorf("Entries = %d, want 0 after lazy expiry", e.Snapshot().Entries)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	if err := e.Store("k", []byte("v")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !e.Remove("k") {
		t.Error("Remove() = false, want true for existing key")
	}
	if e.Remove("k") {
		t.Error("Remove() = true on second call, want false (already gone)")
	}
	if _, ok := e.Lookup("k"); ok {
		t.Error("Lookup() hit after Remove(), want miss")
	}
}

func TestPurgeByPrefix(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	e.Store("images/a", []byte("1"))
	e.Store("images/b", []byte("2"))
	e.Store("videos/a", []byte("3"))

	n := e.PurgeByPrefix("images/")
	if n != 2 {
		t.Errorf("PurgeByPrefix() = %d, want 2", n)
	}
	if _, ok := e.Lookup("videos/a"); !ok {
		t.Error("Lookup() miss for key outside purged prefix")
	}
}

func TestPurgeAllIsIdempotent(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	e.Store("a", []byte("1"))
	e.Store("b", []byte("2"))

	first := e.PurgeAll()
	if first != 2 {
		t.Errorf("PurgeAll() = %d, want 2", first)
	}
	second := e.PurgeAll()
	if second != 0 {
		t.Errorf("PurgeAll() on empty directory = %d, want 0", second)
	}
	if e.Snapshot().Entries != 0 {
		t.Errorf("Entries after PurgeAll = %d, want 0", e.Snapshot().Entries)
	}
}

func TestChecksumCorruptionDetectedAsMiss(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 4 * 1024 * 1024
	cfg.MetadataRegionSize = 64 * 1024
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	if err := e.Store("k", []byte("original bytes")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	loc, ok := e.dir.Peek("k")
	if !ok {
		t.Fatal("directory lost entry after flush")
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open device for corruption: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, int64(loc.Offset)); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}
	f.Close()

	if _, ok := e.Lookup("k"); ok {
		t.Error("Lookup() hit on corrupted entry, want miss")
	}
	if e.Snapshot().ChecksumFail == 0 {
		t.Error("ChecksumFail counter not incremented")
	}
	if _, ok := e.dir.Peek("k"); ok {
		t.Error("corrupted entry should be removed from directory after detection")
	}
}

func TestSaveLoadMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 4 * 1024 * 1024
	cfg.MetadataRegionSize = 64 * 1024

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := e.Store("k1", []byte("value one")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := e.Store("k2", []byte("value two")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := e.SaveMetadata(); err != nil {
		t.Fatalf("SaveMetadata() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(cfg)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Lookup("k1")
	if !ok || string(got) != "value one" {
		t.Errorf("Lookup(k1) after reopen = %q, %v, want %q, true", got, ok, "value one")
	}
	got2, ok := reopened.Lookup("k2")
	if !ok || string(got2) != "value two" {
		t.Errorf("Lookup(k2) after reopen = %q, %v, want %q, true", got2, ok, "value two")
	}
	if reopened.Snapshot().Entries != 2 {
		t.Errorf("Entries after reopen = %d, want 2", reopened.Snapshot().Entries)
	}
}

func TestNewColdStartsOnFreshDevice(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	if e.Snapshot().Entries != 0 {
		t.Errorf("Entries on fresh device = %d, want 0", e.Snapshot().Entries)
	}
	if e.Snapshot().FreeRatio != 1 {
		t.Errorf("FreeRatio on fresh device = %v, want 1", e.Snapshot().FreeRatio)
	}
}

func TestNewColdStartsOnBadSuperblock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 4 * 1024 * 1024
	cfg.MetadataRegionSize = 64 * 1024

	if err := os.WriteFile(path, make([]byte, cfg.DeviceSize), 0o600); err != nil {
		t.Fatalf("pre-seed device: %v", err)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	if e.Snapshot().Entries != 0 {
		t.Errorf("Entries on zero-filled device = %d, want 0 (cold start, not a crash)", e.Snapshot().Entries)
	}
}

func TestDefragmentMovesTailIntoHeadGap(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		if err := e.Store(key, []byte("payload-"+key)); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	e.Remove("a")
	e.Remove("b")

	moved := e.Defragment()
	if moved == 0 {
		t.Error("Defragment() moved 0 entries, want at least 1 given head gaps")
	}

	for i := 2; i < 5; i++ {
		key := string(rune('a' + i))
		if _, ok := e.Lookup(key); !ok {
			t.Errorf("Lookup(%s) miss after defragment", key)
		}
	}
}

func TestRunSmartGCEvictsUnderPressure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 256 * 1024
	cfg.BlockSize = 4096
	cfg.MetadataRegionSize = 64 * 1024
	cfg.GC.MinFreeRatio = 0.9
	cfg.GC.TargetFreeRatio = 0.95
	cfg.GC.MinInterval = 0

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	payload := make([]byte, 3000)
	for i := 0; i < 10; i++ {
		if err := e.Store(string(rune('a'+i)), payload); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}

	evicted := e.RunSmartGC()
	if evicted == 0 {
		t.Error("RunSmartGC() evicted 0 entries under configured pressure, want > 0")
	}
}

func TestVerifyOnceRepairsCorruptedEntry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 4 * 1024 * 1024
	cfg.MetadataRegionSize = 64 * 1024

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	if err := e.Store("k", []byte("verifier target bytes")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	loc, _ := e.dir.Peek("k")
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	f.WriteAt([]byte{0x00}, int64(loc.Offset))
	f.Close()

	stats := e.VerifyOnce()
	if stats.Checked == 0 {
		t.Fatal("VerifyOnce() checked 0 entries")
	}
	if stats.Mismatch == 0 {
		t.Error("VerifyOnce() found 0 mismatches, want 1 for corrupted entry")
	}
	if stats.Repaired == 0 {
		t.Error("VerifyOnce() repaired 0 entries, want repair from recent-writes ring")
	}

	got, ok := e.Lookup("k")
	if !ok || string(got) != "verifier target bytes" {
		t.Errorf("Lookup(k) after repair = %q, %v, want original bytes", got, ok)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	if !e.HealthCheck() {
		t.Error("HealthCheck() = false on mostly-empty fresh device, want true")
	}
}

func TestFragmentationZeroOnFreshDevice(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	if f := e.Fragmentation(); f != 0 {
		t.Errorf("Fragmentation() on fresh device = %v, want 0", f)
	}
}

func TestStoreWithCompression(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device.img")
	cfg := DefaultConfig()
	cfg.DevicePath = path
	cfg.DeviceSize = 4 * 1024 * 1024
	cfg.MetadataRegionSize = 64 * 1024
	cfg.Codec = codec.Config{Compression: codec.CompressionZstd, MinSize: 16, Checksum: codec.ChecksumXXH3}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte('x')
	}

	if err := e.Store("compressible", payload); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, ok := e.Lookup("compressible")
	if !ok {
		t.Fatal("Lookup() miss, want hit")
	}
	if len(got) != len(payload) {
		t.Fatalf("Lookup() length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch after decompression", i)
		}
	}
}

func TestStoreContextCancellationFreesAllocatedBlocks(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)

	usedBefore := e.alloc.UsedBlocks()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.StoreContext(ctx, "k", []byte("payload that needs at least one block"))
	if err == nil {
		t.Fatal("StoreContext() error = nil, want context.Canceled")
	}

	if _, ok := e.Lookup("k"); ok {
		t.Error("Lookup() hit after canceled StoreContext(), want miss")
	}

	usedAfter := e.alloc.UsedBlocks()
	if usedAfter != usedBefore {
		t.Errorf("UsedBlocks() = %d after canceled store, want %d (blocks must be freed, not leaked)", usedAfter, usedBefore)
	}

	// A later, uncancelled store must still be able to use the device
	// normally, confirming the freed run is actually back in the bitmap.
	if err := e.Store("k", []byte("now it works")); err != nil {
		t.Fatalf("Store() after cancellation error = %v", err)
	}
	got, ok := e.Lookup("k")
	if !ok || string(got) != "now it works" {
		t.Errorf("Lookup() = %q, %v, want %q, true", got, ok, "now it works")
	}
}
