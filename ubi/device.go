// Package ubi implements the Unsorted Block Images layer: named volumes of
// logical erase blocks remapped over a raw flash partition, with
// crash-consistent dual-bank metadata and wear-leveled PEB allocation.
package ubi

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/trustelem/ubi/mtd"
)

// Config carries the compile/bind-time tunables of spec.md §6.
type Config struct {
	// MaxVolumes bounds the on-media volume table (source's
	// CONFIG_UBI_MAX_NR_OF_VOLUMES).
	MaxVolumes int
	// TestAPIEnable gates PEBErasureCounts, the test-only introspection
	// verb of spec.md §6.
	TestAPIEnable bool
}

// DefaultConfig matches the reference platform's bind-time constants.
func DefaultConfig() Config {
	return Config{
		MaxVolumes:    128,
		TestAPIEnable: false,
	}
}

// Device is the in-memory UbiDevice of spec.md §3: owns the partition
// handle, the device mutex, the free/dirty/bad PEB pools, the volume
// registry, and the global/volume sequence counters.
type Device struct {
	mu sync.Mutex

	part *mtd.Partition
	cfg  Config
	log  *logrus.Entry

	free  *pebPool
	dirty *pebPool
	bad   *badList

	vols map[uint32]*Volume

	globalSeqnr uint64
	volSeqnr    uint32
	devRevision uint32
}

// LEBMax is the maximum payload size for an erase block of the given size
// (spec.md §3: erase_block_size - 16 - 32).
func LEBMax(eraseBlockSize int64) int64 {
	return eraseBlockSize - ecHdrSize - vidHdrSize
}

// NewDevice mounts (or freshly initializes) a UBI device over part, scanning
// every usable PEB to reconstruct the free/dirty/bad pools, the volume
// registry, and every volume's EBA (spec.md §4.6).
func NewDevice(part *mtd.Partition, cfg Config) (*Device, error) {
	if part == nil {
		return nil, fmt.Errorf("ubi: nil partition: %w", ErrInvalidArg)
	}
	if cfg.MaxVolumes <= 0 {
		cfg.MaxVolumes = DefaultConfig().MaxVolumes
	}
	d := &Device{
		part:  part,
		cfg:   cfg,
		log:   logrus.WithField("component", "ubi.Device"),
		free:  newPEBPool(),
		dirty: newPEBPool(),
		bad:   &badList{},
		vols:  make(map[uint32]*Volume),
	}

	if err := d.mountAndScan(); err != nil {
		return nil, err
	}
	return d, nil
}

// Close drops the device's in-memory pools and volumes and syncs the backing
// partition. The partition itself stays open; closing it is left to whoever
// opened it. Close does not erase or flush any pending state beyond what the
// partition's own Sync does; spec.md's
// device_deinit is a pure in-memory teardown (no special flash activity is
// required since every committed mutation is already durable on media).
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vols = nil
	d.free = nil
	d.dirty = nil
	d.bad = nil
	return d.part.Sync()
}

// DeviceInfo mirrors spec.md §6's device_get_info result.
type DeviceInfo struct {
	AllocatedLEBs int
	FreeLEBs      int
	DirtyLEBs     int
	BadLEBs       int
	LEBTotal      int
	LEBSize       int64
	VolumesCount  int
}

// Info reports aggregate pool/volume counts (spec.md §6 device_get_info).
func (d *Device) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	allocated := 0
	for _, v := range d.vols {
		allocated += v.allocatedCount()
	}
	geo := d.part.Geometry()
	return DeviceInfo{
		AllocatedLEBs: allocated,
		FreeLEBs:      d.free.len(),
		DirtyLEBs:     d.dirty.len(),
		BadLEBs:       d.bad.len(),
		LEBTotal:      int(geo.PEBCount) - PEBMeta,
		LEBSize:       geo.EraseBlockSize - devHdrSize - 16,
		VolumesCount:  len(d.vols),
	}
}

// PEBErasureCounts is the test-only device_get_peb_ec verb of spec.md §6,
// available only when Config.TestAPIEnable is set.
func (d *Device) PEBErasureCounts() ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cfg.TestAPIEnable {
		return nil, fmt.Errorf("ubi: test API disabled: %w", ErrDenied)
	}
	geo := d.part.Geometry()
	out := make([]uint32, geo.PEBCount)
	for pnum := int64(PEBMeta); pnum < geo.PEBCount; pnum++ {
		ec, err := d.readPEBEC(pnum)
		if err != nil {
			continue
		}
		out[pnum] = ec
	}
	return out, nil
}

func (d *Device) readPEBEC(pnum int64) (uint32, error) {
	buf := make([]byte, ecHdrSize)
	if err := d.part.ReadAt(pnum, 0, buf); err != nil {
		return 0, err
	}
	h, err := decodeECHdr(buf)
	if err != nil {
		return 0, err
	}
	return h.EC, nil
}
