package ubi

import (
	"github.com/bits-and-blooms/bitset"
	uuid "github.com/satori/go.uuid"
)

// VolumeType mirrors spec.md §3's Config.type.
type VolumeType uint8

const (
	// VolumeStatic volumes have an immutable LEB count (spec.md §4.8
	// resize rules).
	VolumeStatic VolumeType = 0
	// VolumeDynamic volumes may grow or shrink.
	VolumeDynamic VolumeType = 1
)

// VolumeConfig is the caller-supplied Config of spec.md §3.
type VolumeConfig struct {
	Name     string
	Type     VolumeType
	LEBCount uint32
}

func (c VolumeConfig) nameBytes() [volNameSize]byte {
	var out [volNameSize]byte
	copy(out[:], c.Name)
	return out
}

func nameFromBytes(b [volNameSize]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Volume is the in-memory entity of spec.md §3: a stable vol_id, its
// position in the on-media volume table (vol_idx), its Config, and its
// LEB->PEB association table (EBA).
type Volume struct {
	VolIdx int
	VolID  uint32
	Config VolumeConfig

	eba map[uint32]uint32
	// mapped is a fast-path bitmap mirroring which keys of eba are
	// present, sized to Config.LEBCount. It is purely a cache over eba:
	// set and unset update it bit by bit, resizeBitmap rebuilds it when
	// Config.LEBCount changes, and eba remains the source of truth.
	mapped *bitset.BitSet

	// correlationID is a random per-volume UUID assigned in newVolume; it
	// has no on-media representation and does not appear in the
	// diagnostics output of ubi/diagnostics.go.
	correlationID uuid.UUID
}

func newVolume(volIdx int, volID uint32, cfg VolumeConfig) *Volume {
	return &Volume{
		VolIdx:        volIdx,
		VolID:         volID,
		Config:        cfg,
		eba:           make(map[uint32]uint32),
		mapped:        bitset.New(uint(cfg.LEBCount)),
		correlationID: uuid.NewV4(),
	}
}

func (v *Volume) lookup(lnum uint32) (uint32, bool) {
	pnum, ok := v.eba[lnum]
	return pnum, ok
}

func (v *Volume) set(lnum uint32, pnum uint32) {
	v.eba[lnum] = pnum
	if uint(lnum) < v.mapped.Len() {
		v.mapped.Set(uint(lnum))
	}
}

func (v *Volume) unset(lnum uint32) {
	delete(v.eba, lnum)
	if uint(lnum) < v.mapped.Len() {
		v.mapped.Clear(uint(lnum))
	}
}

func (v *Volume) isMapped(lnum uint32) bool {
	if uint(lnum) >= v.mapped.Len() {
		_, ok := v.eba[lnum]
		return ok
	}
	return v.mapped.Test(uint(lnum))
}

func (v *Volume) allocatedCount() int {
	return len(v.eba)
}

// resizeBitmap rebuilds the mapped bitmap after Config.LEBCount changes
// (spec.md §4.8 resize).
func (v *Volume) resizeBitmap() {
	nb := bitset.New(uint(v.Config.LEBCount))
	for lnum := range v.eba {
		if uint(lnum) < nb.Len() {
			nb.Set(uint(lnum))
		}
	}
	v.mapped = nb
}
