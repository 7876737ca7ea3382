package shm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateOpenRemoveSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-1-data")

	seg, err := CreateSegment(path, 4096, 0o644)
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	if seg.Path() != path {
		t.Fatalf("expected path %q, got %q", path, seg.Path())
	}
	if seg.ReadOnly() {
		t.Fatal("created segment must not be read-only")
	}

	ptr, obj, err := AllocateTyped[int64](seg.Arena())
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	*obj = 42
	if err := seg.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	reopened, err := OpenSegment(path, true)
	if err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}
	defer reopened.Remove()

	if !reopened.ReadOnly() {
		t.Fatal("reopened segment should be read-only")
	}
	got := ptr.Get(reopened.Arena().BaseAddr())
	if got == nil || *got != 42 {
		t.Fatalf("expected reopened segment to preserve data, got %v", got)
	}
}

func TestSegmentPaths(t *testing.T) {
	if got, want := DataSegmentPath(10, 2), "/dev/shm/lola/lola-data-000000000000000a-00002"; got != want {
		t.Errorf("DataSegmentPath(10, 2) = %q, want %q", got, want)
	}
	if got, want := ControlSegmentPath(10, 2, 1000, KindControlQM), "/dev/shm/lola/lola-ctl-000000000000000a-00002-1000-qm"; got != want {
		t.Errorf("ControlSegmentPath qm = %q, want %q", got, want)
	}
	if got, want := ControlSegmentPath(10, 2, 1000, KindControlASILB), "/dev/shm/lola/lola-ctl-000000000000000a-00002-1000-asilb"; got != want {
		t.Errorf("ControlSegmentPath asilb = %q, want %q", got, want)
	}
	if got, want := MethodsSegmentPath(10, 2, 1000, 8), "/dev/shm/lola/lola-methods-000000000000000a-00002-1000-8"; got != want {
		t.Errorf("MethodsSegmentPath = %q, want %q", got, want)
	}
}

func TestRemoveDeletesBackingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2-1-data")

	seg, err := CreateSegment(path, 4096, 0o644)
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	if err := seg.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected backing file to be removed")
	}
}
