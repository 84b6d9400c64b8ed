package ubi

import "testing"

// Scenario 1 (spec.md §8): fresh partition, device_init, device_get_info
// yields the expected virgin-pool counts.
func TestLifecycleFreshMount(t *testing.T) {
	dev, _ := newTestDevice(t)

	info := dev.Info()
	if info.AllocatedLEBs != 0 {
		t.Errorf("allocated = %d, want 0", info.AllocatedLEBs)
	}
	if info.DirtyLEBs != 0 {
		t.Errorf("dirty = %d, want 0", info.DirtyLEBs)
	}
	if info.BadLEBs != 0 {
		t.Errorf("bad = %d, want 0", info.BadLEBs)
	}
	wantFree := testPEBCount - PEBMeta
	if info.FreeLEBs != wantFree {
		t.Errorf("free = %d, want %d", info.FreeLEBs, wantFree)
	}
	if info.VolumesCount != 0 {
		t.Errorf("volumes = %d, want 0", info.VolumesCount)
	}
	wantLEBSize := int64(testPEBSize) - devHdrSize - 16
	if info.LEBSize != wantLEBSize {
		t.Errorf("leb size = %d, want %d", info.LEBSize, wantLEBSize)
	}
}

// Erase counters are monotone and start at zero on a freshly mounted
// device (spec.md §8 invariants).
func TestFreshMountECsAreZero(t *testing.T) {
	dev, _ := newTestDevice(t)
	ecs, err := dev.PEBErasureCounts()
	if err != nil {
		t.Fatalf("PEBErasureCounts: %v", err)
	}
	for pnum := PEBMeta; pnum < testPEBCount; pnum++ {
		if ecs[pnum] != 0 {
			t.Errorf("peb %d ec = %d, want 0", pnum, ecs[pnum])
		}
	}
}

func TestPEBErasureCountsRequiresTestAPI(t *testing.T) {
	part := newTestPartition(t)
	cfg := DefaultConfig()
	cfg.TestAPIEnable = false
	dev, err := NewDevice(part, cfg)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if _, err := dev.PEBErasureCounts(); err == nil {
		t.Fatal("expected error when TestAPIEnable is false")
	}
}
