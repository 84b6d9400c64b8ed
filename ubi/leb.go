package ubi

import "fmt"

// lookupVolume validates vol_id and returns the Volume, matching spec.md
// §4.7's shared entry validation (vol_id present in vols).
func (d *Device) lookupVolume(volID uint32) (*Volume, error) {
	if len(d.vols) == 0 {
		return nil, fmt.Errorf("ubi: no volumes: %w", ErrNoEntity)
	}
	vol, ok := d.vols[volID]
	if !ok {
		return nil, fmt.Errorf("ubi: no such volume %d: %w", volID, ErrNoEntity)
	}
	return vol, nil
}

// checkLnum reproduces spec.md §4.7's exact bounds guard, including its
// documented off-by-one: the source compares lnum > leb_count, not >=, so
// lnum == leb_count is (incorrectly) accepted here. This is intentional —
// see spec.md §9 and TestLebWriteOffByOneBoundary.
func checkLnum(vol *Volume, lnum uint32) error {
	if lnum > vol.Config.LEBCount {
		return fmt.Errorf("ubi: lnum %d exceeds leb_count %d: %w", lnum, vol.Config.LEBCount, ErrDenied)
	}
	return nil
}

// LebWrite implements spec.md §4.7 leb_write: remap-on-write. Any existing
// mapping for (volID, lnum) is retired to dirty before a fresh PEB is
// allocated from free and stamped with a new sqnum.
func (d *Device) LebWrite(volID uint32, lnum uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.lookupVolume(volID)
	if err != nil {
		return err
	}
	if err := checkLnum(vol, lnum); err != nil {
		return err
	}
	if len(buf) == 0 {
		return fmt.Errorf("ubi: empty write buffer: %w", ErrInvalidArg)
	}
	lebMax := LEBMax(d.part.Geometry().EraseBlockSize)
	if int64(len(buf)) > lebMax {
		return fmt.Errorf("ubi: write len %d exceeds LEB_MAX %d: %w", len(buf), lebMax, ErrNoSpace)
	}
	return d.lebWrite(vol, lnum, buf, uint32(len(buf)))
}

// LebMap implements spec.md §4.7 leb_map: equivalent to leb_write with an
// empty buffer, producing a VID header with data_size 0 and no payload
// write.
func (d *Device) LebMap(volID uint32, lnum uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.lookupVolume(volID)
	if err != nil {
		return err
	}
	if err := checkLnum(vol, lnum); err != nil {
		return err
	}
	return d.lebWrite(vol, lnum, nil, 0)
}

// lebWrite is the shared remap-on-write helper used by both LebWrite and
// LebMap, mirroring the source's static leb_write (spec.md §4.7).
func (d *Device) lebWrite(vol *Volume, lnum uint32, payload []byte, dataSize uint32) error {
	if oldPnum, ok := vol.lookup(lnum); ok {
		ec, err := d.readPEBEC(int64(oldPnum))
		if err != nil {
			return fmt.Errorf("ubi: read EC of old peb %d: %w", oldPnum, ErrIO)
		}
		vol.unset(lnum)
		d.dirty.insert(ec, oldPnum)
	}

	entry, ok := d.free.extractMin()
	if !ok {
		return fmt.Errorf("ubi: free pool exhausted: %w", ErrNoSpace)
	}

	sqnum := d.globalSeqnr
	d.globalSeqnr++

	vh := vidHdr{
		Lnum:     lnum,
		VolID:    vol.VolID,
		Sqnum:    sqnum,
		DataSize: dataSize,
	}
	if err := d.part.Erase(int64(entry.pnum)); err != nil {
		d.bad.append(entry.pnum, entry.ec)
		return fmt.Errorf("ubi: erase new peb %d: %w", entry.pnum, ErrIO)
	}
	ecH := ecHdr{EC: entry.ec}
	if err := d.part.WriteAt(int64(entry.pnum), 0, ecH.encode()); err != nil {
		d.bad.append(entry.pnum, entry.ec)
		return fmt.Errorf("ubi: rewrite ec hdr on peb %d: %w", entry.pnum, ErrIO)
	}
	if err := d.part.WriteAt(int64(entry.pnum), ecHdrSize, vh.encode()); err != nil {
		// Partial write: entry.pnum is now out of both EBA and free,
		// left for a later scan to reclassify (spec.md §4.7 note).
		return fmt.Errorf("ubi: write vid hdr on peb %d: %w", entry.pnum, ErrIO)
	}
	if len(payload) > 0 {
		if err := d.part.WriteAt(int64(entry.pnum), ecHdrSize+vidHdrSize, payload); err != nil {
			return fmt.Errorf("ubi: write payload on peb %d: %w", entry.pnum, ErrIO)
		}
	}

	vol.set(lnum, entry.pnum)
	return nil
}

// LebRead implements spec.md §4.7 leb_read: a pure read from the PEB backing
// the current EBA entry. No CRC is computed over payload bytes.
func (d *Device) LebRead(volID uint32, lnum uint32, offset int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.lookupVolume(volID)
	if err != nil {
		return err
	}
	if err := checkLnum(vol, lnum); err != nil {
		return err
	}
	pnum, ok := vol.lookup(lnum)
	if !ok {
		return fmt.Errorf("ubi: lnum %d not mapped: %w", lnum, ErrNoEntity)
	}
	lebMax := LEBMax(d.part.Geometry().EraseBlockSize)
	if len(buf) == 0 || int64(offset)+int64(len(buf)) > lebMax {
		return fmt.Errorf("ubi: read range exceeds LEB_MAX: %w", ErrInvalidArg)
	}
	return d.part.ReadAt(int64(pnum), int64(ecHdrSize+vidHdrSize+offset), buf)
}

// LebUnmap implements spec.md §4.7 leb_unmap: the LEB must currently be
// mapped. Its PEB is retired to dirty; the on-media VID header is left
// untouched until a later ErasePEB recycles it.
func (d *Device) LebUnmap(volID uint32, lnum uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.lookupVolume(volID)
	if err != nil {
		return err
	}
	if err := checkLnum(vol, lnum); err != nil {
		return err
	}
	pnum, ok := vol.lookup(lnum)
	if !ok {
		return fmt.Errorf("ubi: lnum %d not mapped: %w", lnum, ErrDenied)
	}
	ec, err := d.readPEBEC(int64(pnum))
	if err != nil {
		return fmt.Errorf("ubi: read EC of peb %d: %w", pnum, ErrIO)
	}
	vol.unset(lnum)
	d.dirty.insert(ec, pnum)
	return nil
}

// LebIsMapped implements spec.md §4.7 leb_is_mapped: a pure in-memory read.
func (d *Device) LebIsMapped(volID uint32, lnum uint32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.lookupVolume(volID)
	if err != nil {
		return false, err
	}
	if err := checkLnum(vol, lnum); err != nil {
		return false, err
	}
	return vol.isMapped(lnum), nil
}

// LebGetSize implements spec.md §4.7 leb_get_size: reads data_size from the
// on-media VID header of the mapped PEB.
func (d *Device) LebGetSize(volID uint32, lnum uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.lookupVolume(volID)
	if err != nil {
		return 0, err
	}
	if err := checkLnum(vol, lnum); err != nil {
		return 0, err
	}
	pnum, ok := vol.lookup(lnum)
	if !ok {
		return 0, fmt.Errorf("ubi: lnum %d not mapped: %w", lnum, ErrNoEntity)
	}
	buf := make([]byte, vidHdrSize)
	if err := d.part.ReadAt(int64(pnum), ecHdrSize, buf); err != nil {
		return 0, fmt.Errorf("ubi: read vid hdr of peb %d: %w", pnum, ErrIO)
	}
	vh, err := decodeVIDHdr(buf)
	if err != nil {
		return 0, fmt.Errorf("ubi: decode vid hdr of peb %d: %w", pnum, err)
	}
	return vh.DataSize, nil
}
