package ubi

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/trustelem/ubi/mtd"
)

// Scenario 5 (spec.md §8): writing the same LEB twice then "crashing" (here:
// closing the partition without closing the device, then remounting) must
// recover the latest write, with the loser's PEB reclassified to dirty.
func TestDuplicateLEBCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partition.bin")

	part := newTestPartitionAt(t, path)
	cfg := DefaultConfig()
	dev, err := NewDevice(part, cfg)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}

	volID, err := dev.VolumeCreate(VolumeConfig{Name: "/v", Type: VolumeDynamic, LEBCount: 4})
	if err != nil {
		t.Fatalf("volume create: %v", err)
	}

	buf1 := bytes.Repeat([]byte{0xAA}, 64)
	buf2 := bytes.Repeat([]byte{0xBB}, 64)

	if err := dev.LebWrite(volID, 1, buf1); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := dev.LebWrite(volID, 1, buf2); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	dirtyBefore := dev.Info().DirtyLEBs

	// Simulate a crash: drop in-memory state without any further flash
	// mutation, then remount from the same backing file.
	if err := part.Close(); err != nil {
		t.Fatalf("close partition: %v", err)
	}

	part2 := newTestPartitionAt(t, path)
	dev2, err := NewDevice(part2, cfg)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}

	out := make([]byte, 64)
	if err := dev2.LebRead(volID, 1, 0, out); err != nil {
		t.Fatalf("read after remount: %v", err)
	}
	if !bytes.Equal(out, buf2) {
		t.Errorf("expected latest write to survive remount")
	}
	if got := dev2.Info().DirtyLEBs; got != dirtyBefore {
		t.Errorf("dirty lebs after remount = %d, want %d (the superseded peb)", got, dirtyBefore)
	}
}

// Scenario 6 (spec.md §8): volume table persistence with vol_idx compaction
// after removing a middle volume.
func TestVolumeTablePersistenceAndCompaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partition.bin")

	part := newTestPartitionAt(t, path)
	cfg := DefaultConfig()
	dev, err := NewDevice(part, cfg)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}

	id0, err := dev.VolumeCreate(VolumeConfig{Name: "/a", Type: VolumeDynamic, LEBCount: 2})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	id1, err := dev.VolumeCreate(VolumeConfig{Name: "/b", Type: VolumeDynamic, LEBCount: 4})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	id2, err := dev.VolumeCreate(VolumeConfig{Name: "/c", Type: VolumeDynamic, LEBCount: 8})
	if err != nil {
		t.Fatalf("create c: %v", err)
	}

	if err := part.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	part2 := newTestPartitionAt(t, path)
	dev2, err := NewDevice(part2, cfg)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}

	for _, tc := range []struct {
		id       uint32
		wantName string
		wantLebs int
	}{
		{id0, "/a", 2},
		{id1, "/b", 4},
		{id2, "/c", 8},
	} {
		vcfg, _, err := dev2.VolumeInfo(tc.id)
		if err != nil {
			t.Fatalf("volume info %d: %v", tc.id, err)
		}
		want := VolumeConfig{Name: tc.wantName, Type: VolumeDynamic, LEBCount: uint32(tc.wantLebs)}
		if diff := deep.Equal(vcfg, want); diff != nil {
			t.Errorf("volume %d config diff: %v", tc.id, diff)
		}
	}

	if err := dev2.VolumeRemove(id1); err != nil {
		t.Fatalf("remove b: %v", err)
	}

	if err := part2.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	part3 := newTestPartitionAt(t, path)
	dev3, err := NewDevice(part3, cfg)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}

	volA, ok := dev3.vols[id0]
	if !ok {
		t.Fatalf("volume a missing after remount")
	}
	volC, ok := dev3.vols[id2]
	if !ok {
		t.Fatalf("volume c missing after remount")
	}
	if volA.VolIdx != 0 {
		t.Errorf("volA.VolIdx = %d, want 0", volA.VolIdx)
	}
	if volC.VolIdx != 1 {
		t.Errorf("volC.VolIdx = %d, want 1", volC.VolIdx)
	}
	if volA.VolID != id0 || volC.VolID != id2 {
		t.Errorf("vol_ids changed across compaction")
	}

	info := dev3.Info()
	if info.AllocatedLEBs != 0 {
		t.Errorf("allocated = %d, want 0 (nothing was ever written)", info.AllocatedLEBs)
	}
}

// TestNoTypoKeyReplication documents spec.md §9's instruction not to
// replicate the source's apparent typo (item->key = pnum immediately after
// item->key = lnum in the duplicate-resolution branch). The LEB is written
// twice and the partition remounted, so the scan rebuilds the EBA from two
// PEBs claiming the same lnum; the winning entry must be keyed by lnum, so
// looking the winner up by its lnum must succeed and return the latest
// payload.
func TestNoTypoKeyReplication(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partition.bin")
	part := newTestPartitionAt(t, path)
	dev, err := NewDevice(part, DefaultConfig())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	volID, err := dev.VolumeCreate(VolumeConfig{Name: "/v", Type: VolumeDynamic, LEBCount: 4})
	if err != nil {
		t.Fatalf("volume create: %v", err)
	}
	if err := dev.LebWrite(volID, 2, []byte("stale")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := dev.LebWrite(volID, 2, []byte("hello")); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if err := part.Close(); err != nil {
		t.Fatalf("close partition: %v", err)
	}

	dev2, err := NewDevice(reopenPartition(t, path), DefaultConfig())
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	mapped, err := dev2.LebIsMapped(volID, 2)
	if err != nil {
		t.Fatalf("is mapped: %v", err)
	}
	if !mapped {
		t.Fatal("expected lnum 2 to be looked up successfully by its own key")
	}
	out := make([]byte, 5)
	if err := dev2.LebRead(volID, 2, 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, []byte("hello")) {
		t.Errorf("read %q, want %q", out, "hello")
	}
}

// TestDualBankAsymmetryReturnsNotImpl documents spec.md §9's open question 5:
// when the two metadata banks disagree (one decodes validly, the other does
// not, or both decode but to different revisions), readDevHdr refuses to
// arbitrate and reports ErrNotImpl rather than guessing a winner. Here bank B
// is desynced from bank A by writing a higher-revision header directly to
// it, bypassing writeBothBanks, then any operation touching d.readDevHdr
// must surface ErrNotImpl.
func TestDualBankAsymmetryReturnsNotImpl(t *testing.T) {
	dev, part := newTestDevice(t)

	desynced := devHdr{
		PartitionOffset: 0,
		PartitionSize:   uint32(part.Geometry().PEBCount * part.Geometry().EraseBlockSize),
		Revision:        dev.devRevision + 1,
		VolCount:        0,
	}
	buf := encodeBank(desynced, nil)
	if err := part.Erase(bankBIndex); err != nil {
		t.Fatalf("erase bank b: %v", err)
	}
	if err := part.WriteAt(bankBIndex, 0, buf); err != nil {
		t.Fatalf("desync bank b: %v", err)
	}

	_, err := dev.VolumeCreate(VolumeConfig{Name: "/v", Type: VolumeDynamic, LEBCount: 1})
	if !errors.Is(err, ErrNotImpl) {
		t.Fatalf("volume create after bank desync: got %v, want ErrNotImpl", err)
	}
}

func newTestPartitionAt(t *testing.T, path string) *mtd.Partition {
	t.Helper()
	geo := mtd.Geometry{
		EraseBlockSize:  testPEBSize,
		WriteBlockAlign: WriteBlockAlign,
		PEBCount:        testPEBCount,
	}
	if _, err := os.Stat(path); err != nil {
		f, ferr := os.Create(path)
		if ferr != nil {
			t.Fatalf("create partition file: %v", ferr)
		}
		if err := f.Truncate(testPEBCount * testPEBSize); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		f.Close()
	}
	part, err := mtd.Open(path, geo)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	return part
}
