package sharedpids

import (
	"fmt"
	"os"
	"testing"
)

func testSegmentName(t *testing.T) string {
	name := fmt.Sprintf("capframex_pids_test_%d", os.Getpid())
	t.Cleanup(func() { Unlink(name) })
	return name
}

func TestUpdateSnapshotRoundTrip(t *testing.T) {
	name := testSegmentName(t)
	tbl, err := Create(name)
	if err != nil {
		t.Skipf("shared memory unavailable in this environment: %v", err)
	}
	defer tbl.Close()

	want := []uint32{101, 202, 303}
	tbl.Update(want)

	got := tbl.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestUpdateTruncatesOverflow(t *testing.T) {
	name := testSegmentName(t)
	tbl, err := Create(name)
	if err != nil {
		t.Skipf("shared memory unavailable in this environment: %v", err)
	}
	defer tbl.Close()

	overflow := make([]uint32, MaxTrackedProcesses+10)
	for i := range overflow {
		overflow[i] = uint32(i + 1)
	}
	tbl.Update(overflow)

	got := tbl.Snapshot()
	if len(got) != MaxTrackedProcesses {
		t.Fatalf("got %d entries, want %d", len(got), MaxTrackedProcesses)
	}
}

func TestSnapshotEmptyByDefault(t *testing.T) {
	name := testSegmentName(t)
	tbl, err := Create(name)
	if err != nil {
		t.Skipf("shared memory unavailable in this environment: %v", err)
	}
	defer tbl.Close()

	if got := tbl.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot on a fresh table, got %v", got)
	}
}
