package ubi

import (
	"fmt"
)

// Bank PEB indices: spec.md §3 reserves PEB 0 and PEB 1 for the dual-bank
// device/volume-table metadata. Usable PEBs start at PEBMeta.
const (
	bankAIndex = 0
	bankBIndex = 1
	// PEBMeta is the first usable (non-metadata) PEB index.
	PEBMeta = 2
)

// bankSize is the number of bytes a bank occupies: the device header plus
// one volume-table entry per configured maximum volume.
func (d *Device) bankSize() int64 {
	return int64(devHdrSize) + int64(d.cfg.MaxVolumes)*int64(volHdrSize)
}

// readBankRaw reads the full bank buffer from the given metadata PEB.
func (d *Device) readBankRaw(pebIdx int64) ([]byte, error) {
	buf := make([]byte, d.bankSize())
	if err := d.part.ReadAt(pebIdx, 0, buf); err != nil {
		return nil, fmt.Errorf("ubi: read bank %d: %w", pebIdx, ErrIO)
	}
	return buf, nil
}

// decodeBank decodes a bank buffer into a device header and its vol_count
// volume-table entries. Returns ErrBadMsg on any decode failure.
func decodeBank(buf []byte) (devHdr, []volHdr, error) {
	dh, err := decodeDevHdr(buf[:devHdrSize])
	if err != nil {
		return devHdr{}, nil, err
	}
	vols := make([]volHdr, 0, dh.VolCount)
	for i := uint32(0); i < dh.VolCount; i++ {
		off := devHdrSize + int(i)*volHdrSize
		if off+volHdrSize > len(buf) {
			return devHdr{}, nil, fmt.Errorf("ubi: bank vol table truncated: %w", ErrBadMsg)
		}
		vh, err := decodeVolHdr(buf[off : off+volHdrSize])
		if err != nil {
			return devHdr{}, nil, err
		}
		vols = append(vols, vh)
	}
	return dh, vols, nil
}

func encodeBank(dh devHdr, vols []volHdr) []byte {
	buf := make([]byte, devHdrSize+len(vols)*volHdrSize)
	copy(buf[:devHdrSize], dh.encode())
	for i, vh := range vols {
		off := devHdrSize + i*volHdrSize
		copy(buf[off:off+volHdrSize], vh.encode())
	}
	return buf
}

// isMounted reports whether both metadata banks decode validly (spec.md
// §4.3's is_mounted: no cross-bank agreement check, just independent
// validity).
func (d *Device) isMounted() bool {
	for _, idx := range []int64{bankAIndex, bankBIndex} {
		buf, err := d.readBankRawHeaderOnly(idx)
		if err != nil {
			return false
		}
		if _, err := decodeDevHdr(buf); err != nil {
			return false
		}
	}
	return true
}

func (d *Device) readBankRawHeaderOnly(pebIdx int64) ([]byte, error) {
	buf := make([]byte, devHdrSize)
	if err := d.part.ReadAt(pebIdx, 0, buf); err != nil {
		return nil, fmt.Errorf("ubi: read bank header %d: %w", pebIdx, ErrIO)
	}
	return buf, nil
}

// mountFresh assembles a zeroed device header (revision 0, vol_count 0) and
// writes it to both banks (spec.md §4.3 mount_fresh).
func (d *Device) mountFresh() error {
	dh := devHdr{
		PartitionOffset: 0,
		PartitionSize:   uint32(d.part.Geometry().PEBCount * d.part.Geometry().EraseBlockSize),
		Revision:        0,
		VolCount:        0,
	}
	buf := encodeBank(dh, nil)
	for _, idx := range []int64{bankAIndex, bankBIndex} {
		if err := d.part.Erase(idx); err != nil {
			return fmt.Errorf("ubi: mount_fresh erase bank %d: %w", idx, ErrIO)
		}
		if err := d.part.WriteAt(idx, 0, buf); err != nil {
			return fmt.Errorf("ubi: mount_fresh write bank %d: %w", idx, ErrIO)
		}
	}
	return nil
}

// bankState classifies the agreement between the two metadata banks.
type bankState int

const (
	banksInvalid bankState = iota
	banksValid
	bank1Valid
	bank2Valid
)

// readDevHdr reads both banks and requires full agreement (equal CRC and
// equal revision) per spec.md §4.3. Asymmetric states are reported but not
// recovered from (§9 open question 5: dual-bank single-valid recovery is
// unimplemented).
func (d *Device) readDevHdr() (devHdr, error) {
	dh, _, state, err := d.readBanks()
	if err != nil {
		return devHdr{}, err
	}
	switch state {
	case banksValid:
		return dh, nil
	case bank1Valid, bank2Valid:
		d.log.WithField("state", state).Warn("dual-bank asymmetry on dev header read")
		return devHdr{}, fmt.Errorf("ubi: dual-bank asymmetric recovery: %w", ErrNotImpl)
	default:
		return devHdr{}, fmt.Errorf("ubi: both metadata banks invalid: %w", ErrBadMsg)
	}
}

// readBanks decodes both banks and classifies their agreement, returning the
// bank-A header/table as the canonical value when banksValid.
func (d *Device) readBanks() (devHdr, []volHdr, bankState, error) {
	bufA, errA := d.readBankRaw(bankAIndex)
	bufB, errB := d.readBankRaw(bankBIndex)
	if errA != nil && errB != nil {
		return devHdr{}, nil, banksInvalid, fmt.Errorf("ubi: read both banks: %w", ErrIO)
	}

	dhA, volsA, decA := devHdr{}, []volHdr(nil), error(nil)
	if errA == nil {
		dhA, volsA, decA = decodeBank(bufA)
	} else {
		decA = errA
	}
	dhB, volsB, decB := devHdr{}, []volHdr(nil), error(nil)
	if errB == nil {
		dhB, volsB, decB = decodeBank(bufB)
	} else {
		decB = errB
	}

	aValid := decA == nil
	bValid := decB == nil

	switch {
	case aValid && bValid:
		if dhA.Revision == dhB.Revision && sameCRC(dhA, volsA, dhB, volsB) {
			return dhA, volsA, banksValid, nil
		}
		// Both decode but disagree: neither bank1Valid nor bank2Valid
		// captures this cleanly; surface as bank1Valid/bank2Valid by
		// preferring the higher revision as the "candidate" bank for
		// the caller's NotImpl message, matching the source's refusal
		// to arbitrate.
		if dhA.Revision >= dhB.Revision {
			return dhA, volsA, bank1Valid, nil
		}
		return dhB, volsB, bank2Valid, nil
	case aValid && !bValid:
		return dhA, volsA, bank1Valid, nil
	case !aValid && bValid:
		return dhB, volsB, bank2Valid, nil
	default:
		return devHdr{}, nil, banksInvalid, nil
	}
}

func sameCRC(dhA devHdr, volsA []volHdr, dhB devHdr, volsB []volHdr) bool {
	bufA := encodeBank(dhA, volsA)
	bufB := encodeBank(dhB, volsB)
	if len(bufA) != len(bufB) {
		return false
	}
	for i := range bufA {
		if bufA[i] != bufB[i] {
			return false
		}
	}
	return true
}

// readVolHdr reads the volume-table entry at index after confirming both
// banks agree (spec.md §4.3 vol_hdr_read).
func (d *Device) readVolHdr(index int) (volHdr, error) {
	_, vols, state, err := d.readBanks()
	if err != nil {
		return volHdr{}, err
	}
	if state != banksValid {
		return volHdr{}, fmt.Errorf("ubi: dual-bank asymmetric recovery: %w", ErrNotImpl)
	}
	if index < 0 || index >= len(vols) {
		return volHdr{}, fmt.Errorf("ubi: vol table index %d out of range: %w", index, ErrNoEntity)
	}
	return vols[index], nil
}

func (d *Device) writeBothBanks(dh devHdr, vols []volHdr) error {
	buf := encodeBank(dh, vols)
	for _, idx := range []int64{bankAIndex, bankBIndex} {
		if err := d.part.Erase(idx); err != nil {
			return fmt.Errorf("ubi: erase bank %d: %w", idx, ErrIO)
		}
		if err := d.part.WriteAt(idx, 0, buf); err != nil {
			return fmt.Errorf("ubi: write bank %d: %w", idx, ErrIO)
		}
	}
	d.devRevision = dh.Revision
	return nil
}

// appendVolHdr implements spec.md §4.3 vol_hdr_append: requires both banks
// valid, newDev.VolCount == old.VolCount+1, and old.VolCount < MaxVolumes.
func (d *Device) appendVolHdr(newDev devHdr, newVol volHdr) error {
	old, vols, state, err := d.readBanks()
	if err != nil {
		return err
	}
	if state != banksValid {
		return fmt.Errorf("ubi: dual-bank asymmetric recovery: %w", ErrNotImpl)
	}
	if newDev.VolCount != old.VolCount+1 {
		return fmt.Errorf("ubi: vol_hdr_append vol_count mismatch: %w", ErrInvalidArg)
	}
	if int(old.VolCount) >= d.cfg.MaxVolumes {
		return fmt.Errorf("ubi: max volumes reached: %w", ErrNoSpace)
	}
	next := append(append([]volHdr{}, vols...), newVol)
	return d.writeBothBanks(newDev, next)
}

// updateVolHdr implements spec.md §4.3 vol_hdr_update: requires
// newDev.Revision == old.Revision+1 and index < old.VolCount.
func (d *Device) updateVolHdr(newDev devHdr, index int, newVol volHdr) error {
	old, vols, state, err := d.readBanks()
	if err != nil {
		return err
	}
	if state != banksValid {
		return fmt.Errorf("ubi: dual-bank asymmetric recovery: %w", ErrNotImpl)
	}
	if newDev.Revision != old.Revision+1 {
		return fmt.Errorf("ubi: vol_hdr_update revision mismatch: %w", ErrInvalidArg)
	}
	if index < 0 || index >= int(old.VolCount) {
		return fmt.Errorf("ubi: vol table index %d out of range: %w", index, ErrNoEntity)
	}
	next := append([]volHdr{}, vols...)
	next[index] = newVol
	return d.writeBothBanks(newDev, next)
}

// removeVolHdr implements spec.md §4.3 vol_hdr_remove: requires
// newDev.VolCount == old.VolCount-1 and newDev.Revision == old.Revision+1.
func (d *Device) removeVolHdr(newDev devHdr, index int) error {
	old, vols, state, err := d.readBanks()
	if err != nil {
		return err
	}
	if state != banksValid {
		return fmt.Errorf("ubi: dual-bank asymmetric recovery: %w", ErrNotImpl)
	}
	if newDev.VolCount != old.VolCount-1 {
		return fmt.Errorf("ubi: vol_hdr_remove vol_count mismatch: %w", ErrInvalidArg)
	}
	if newDev.Revision != old.Revision+1 {
		return fmt.Errorf("ubi: vol_hdr_remove revision mismatch: %w", ErrInvalidArg)
	}
	if index < 0 || index >= len(vols) {
		return fmt.Errorf("ubi: vol table index %d out of range: %w", index, ErrNoEntity)
	}
	next := make([]volHdr, 0, len(vols)-1)
	next = append(next, vols[:index]...)
	next = append(next, vols[index+1:]...)
	return d.writeBothBanks(newDev, next)
}
