package ubi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trustelem/ubi/mtd"
)

const (
	// testPEBSize must be large enough to hold a full metadata bank:
	// devHdrSize + DefaultConfig().MaxVolumes*volHdrSize.
	testPEBSize  = 8192
	testPEBCount = 16
)

// newTestPartition creates a fresh backing file of testPEBCount PEBs of
// testPEBSize bytes each and opens it as an mtd.Partition.
func newTestPartition(t *testing.T) *mtd.Partition {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "partition.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create partition file: %v", err)
	}
	if err := f.Truncate(testPEBCount * testPEBSize); err != nil {
		t.Fatalf("truncate partition file: %v", err)
	}
	f.Close()

	geo := mtd.Geometry{
		EraseBlockSize:  testPEBSize,
		WriteBlockAlign: WriteBlockAlign,
		PEBCount:        testPEBCount,
	}
	part, err := mtd.Open(path, geo)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	t.Cleanup(func() { part.Close() })
	return part
}

// reopenPartition opens an existing partition file path a second time,
// standing in for "drop RAM, remount" in crash-recovery scenarios. The
// caller must have closed the prior *mtd.Partition first since Partition
// holds an exclusive flock.
func reopenPartition(t *testing.T, path string) *mtd.Partition {
	t.Helper()
	geo := mtd.Geometry{
		EraseBlockSize:  testPEBSize,
		WriteBlockAlign: WriteBlockAlign,
		PEBCount:        testPEBCount,
	}
	part, err := mtd.Open(path, geo)
	if err != nil {
		t.Fatalf("reopen partition: %v", err)
	}
	t.Cleanup(func() { part.Close() })
	return part
}

func newTestDevice(t *testing.T) (*Device, *mtd.Partition) {
	t.Helper()
	part := newTestPartition(t)
	cfg := DefaultConfig()
	cfg.TestAPIEnable = true
	dev, err := NewDevice(part, cfg)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	return dev, part
}
