package us

import "testing"

func TestProgressTrackerReload(t *testing.T) {
	dir := t.TempDir()

	pt, err := newProgressTracker(dir, "2025-02-10")
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.MarkDone([]string{"AAAA", "BBBB"}); err != nil {
		t.Fatal(err)
	}
	pt.Close()

	pt2, err := newProgressTracker(dir, "2025-02-10")
	if err != nil {
		t.Fatal(err)
	}
	defer pt2.Close()
	for _, sym := range []string{"AAAA", "BBBB"} {
		if !pt2.IsDone(sym) {
			t.Errorf("expected %q done after reload", sym)
		}
	}
	if pt2.IsDone("CCCC") {
		t.Error("CCCC should not be done")
	}
}

func TestProgressTrackerNewTargetResets(t *testing.T) {
	dir := t.TempDir()

	pt, err := newProgressTracker(dir, "2025-02-10")
	if err != nil {
		t.Fatal(err)
	}
	pt.MarkDone([]string{"AAAA"})
	if err := pt.MarkCompleted("2025-02-10"); err != nil {
		t.Fatal(err)
	}
	if !pt.IsCompleted("2025-02-10") {
		t.Error("should be completed after marking")
	}
	pt.Close()

	pt2, err := newProgressTracker(dir, "2025-02-11")
	if err != nil {
		t.Fatal(err)
	}
	defer pt2.Close()
	if pt2.IsDone("AAAA") {
		t.Error("progress for an older target should be discarded")
	}
	if pt2.IsCompleted("2025-02-11") {
		t.Error("new target should not be completed")
	}
}
