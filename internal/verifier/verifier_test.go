package verifier

import (
	"testing"
)

func TestRingRecordAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRing(2)
	r.Record("a", []byte("aaa"))
	r.Record("b", []byte("bbb"))

	data, ok := r.Lookup("a")
	if !ok {
		t.Fatal("expected to find key a")
	}
	if string(data) != "aaa" {
		t.Errorf("data = %q, want %q", data, "aaa")
	}
}

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	r := NewRing(2)
	r.Record("a", []byte("1"))
	r.Record("b", []byte("2"))
	r.Record("c", []byte("3"))

	if _, ok := r.Lookup("a"); ok {
		t.Error("expected oldest entry a to have been evicted")
	}
	if _, ok := r.Lookup("c"); !ok {
		t.Error("expected newest entry c to still be present")
	}
}

func TestRunOnceRepairsFromRing(t *testing.T) {
	t.Parallel()

	ring := NewRing(4)
	ring.Record("bad-key", []byte("good bytes"))

	var rewrote bool
	v := New(Config{AutoRepair: true, MaxEntriesPerRun: 10}, ring,
		func() []string { return []string{"bad-key"} },
		func(key string) (bool, error) { return false, nil },
		func(key string, data []byte) error { rewrote = true; return nil },
		func(key string) error { t.Fatal("should not remove when repair succeeds"); return nil },
	)

	stats := v.RunOnce()
	if !rewrote {
		t.Error("expected repair rewrite to be called")
	}
	if stats.Repaired != 1 || stats.Removed != 0 {
		t.Errorf("stats = %+v, want Repaired=1 Removed=0", stats)
	}
}

func TestRunOnceRemovesWhenNoBackup(t *testing.T) {
	t.Parallel()

	ring := NewRing(4)

	var removed bool
	v := New(Config{AutoRepair: true, MaxEntriesPerRun: 10}, ring,
		func() []string { return []string{"bad-key"} },
		func(key string) (bool, error) { return false, nil },
		func(key string, data []byte) error { t.Fatal("no backup available, rewrite should not be called"); return nil },
		func(key string) error { removed = true; return nil },
	)

	stats := v.RunOnce()
	if !removed {
		t.Error("expected entry to be removed when no backup is available")
	}
	if stats.Mismatch != 1 || stats.Removed != 1 {
		t.Errorf("stats = %+v, want Mismatch=1 Removed=1", stats)
	}
}

func TestRunOnceSkipsHealthyEntries(t *testing.T) {
	t.Parallel()

	v := New(Config{MaxEntriesPerRun: 10}, NewRing(4),
		func() []string { return []string{"ok-key"} },
		func(key string) (bool, error) { return true, nil },
		func(key string, data []byte) error { t.Fatal("should not repair healthy entry"); return nil },
		func(key string) error { t.Fatal("should not remove healthy entry"); return nil },
	)

	stats := v.RunOnce()
	if stats.Checked != 1 || stats.Mismatch != 0 {
		t.Errorf("stats = %+v, want Checked=1 Mismatch=0", stats)
	}
}

func TestRunOnceEmptyKeyListIsNoOp(t *testing.T) {
	t.Parallel()

	v := New(Config{}, NewRing(4),
		func() []string { return nil },
		func(key string) (bool, error) { return true, nil },
		func(key string, data []byte) error { return nil },
		func(key string) error { return nil },
	)

	stats := v.RunOnce()
	if stats.Checked != 0 {
		t.Errorf("Checked = %d, want 0", stats.Checked)
	}
}
