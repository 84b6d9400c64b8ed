package ubi

import "fmt"

// mountAndScan realizes spec.md §4.6 device_init: establish (or create) the
// dual-bank metadata, load the volume table, then scan every usable PEB to
// rebuild the free/dirty/bad pools and every volume's EBA.
func (d *Device) mountAndScan() error {
	geo := d.part.Geometry()
	nPEB := geo.PEBCount

	// Step 1: fresh-format if unmounted.
	if !d.isMounted() {
		if err := d.mountFresh(); err != nil {
			return err
		}
		for pnum := int64(PEBMeta); pnum < nPEB; pnum++ {
			if err := d.part.Erase(pnum); err != nil {
				return fmt.Errorf("ubi: mount fresh-format erase pnum %d: %w", pnum, ErrIO)
			}
			h := ecHdr{EC: 0}
			if err := d.part.WriteAt(pnum, 0, h.encode()); err != nil {
				return fmt.Errorf("ubi: mount fresh-format write ec hdr pnum %d: %w", pnum, ErrIO)
			}
		}
	}

	// Step 2: load the volume table.
	dh, err := d.readDevHdr()
	if err != nil {
		return err
	}
	d.devRevision = dh.Revision
	maxVolID := uint32(0)
	haveVol := false
	for i := 0; i < int(dh.VolCount); i++ {
		vh, err := d.readVolHdr(i)
		if err != nil {
			return err
		}
		cfg := VolumeConfig{
			Name:     nameFromBytes(vh.Name),
			Type:     VolumeType(vh.VolType),
			LEBCount: vh.LebsCount,
		}
		vol := newVolume(i, vh.VolID, cfg)
		d.vols[vh.VolID] = vol
		if vh.VolID >= maxVolID {
			maxVolID = vh.VolID
			haveVol = true
		}
	}
	if haveVol {
		d.volSeqnr = maxVolID + 1
	} else {
		d.volSeqnr = 0
	}

	// Step 3: EC pass.
	var sum uint64
	var count uint64
	ecs := make(map[int64]uint32, nPEB-PEBMeta)
	for pnum := int64(PEBMeta); pnum < nPEB; pnum++ {
		buf := make([]byte, ecHdrSize)
		if err := d.part.ReadAt(pnum, 0, buf); err != nil {
			continue
		}
		h, err := decodeECHdr(buf)
		if err != nil {
			continue
		}
		ecs[pnum] = h.EC
		sum += uint64(h.EC)
		count++
	}
	ecAvg := uint32(0)
	if count > 0 {
		ecAvg = uint32(sum / count)
	}

	// Step 4: scan pass.
	for pnum := int64(PEBMeta); pnum < nPEB; pnum++ {
		ec, valid := ecs[pnum]
		if !valid {
			d.log.WithField("pnum", pnum).Warn("peb has no valid ec header, retiring to bad")
			d.bad.append(uint32(pnum), ecAvg)
			continue
		}
		vidBuf := make([]byte, vidHdrSize)
		if err := d.part.ReadAt(pnum, ecHdrSize, vidBuf); err != nil {
			d.log.WithField("pnum", pnum).WithError(err).Warn("vid header read failed, retiring to bad")
			d.bad.append(uint32(pnum), ec)
			continue
		}
		if isErased(vidBuf) {
			d.log.WithField("pnum", pnum).Debug("peb is erased, returning to free pool")
			d.free.insert(ec, uint32(pnum))
			continue
		}
		vh, err := decodeVIDHdr(vidBuf)
		if err != nil {
			d.log.WithField("pnum", pnum).WithError(err).Warn("vid header decode failed, retiring to bad")
			d.bad.append(uint32(pnum), ec)
			continue
		}
		if vh.Sqnum >= d.globalSeqnr {
			d.globalSeqnr = vh.Sqnum + 1
		}

		vol, known := d.vols[vh.VolID]
		if !known {
			d.log.WithField("pnum", pnum).WithField("vol_id", vh.VolID).Info("peb belongs to unknown volume, moving to dirty")
			d.dirty.insert(ec, uint32(pnum))
			continue
		}
		existing, present := vol.lookup(vh.Lnum)
		switch {
		case !present && vh.Lnum >= vol.Config.LEBCount:
			d.log.WithField("pnum", pnum).WithField("lnum", vh.Lnum).Info("lnum out of range for volume, moving to dirty")
			d.dirty.insert(ec, uint32(pnum))
		case !present:
			vol.set(vh.Lnum, uint32(pnum))
		default:
			d.log.WithField("lnum", vh.Lnum).WithField("existing_pnum", existing).WithField("new_pnum", pnum).Info("duplicate lnum found during scan, resolving")
			d.resolveDuplicate(vol, vh.Lnum, existing, uint32(pnum), ec)
		}
	}

	d.part.TagScanRevision(d.devRevision)
	return nil
}

// resolveDuplicate implements spec.md §4.6 step 4's duplicate-LEB branch:
// the existing EBA entry p' is re-validated, and if still good, the two
// candidates are compared by sqnum, the smaller-sqnum loser going to dirty
// with its own erase count (spec.md §9 open question 2: the loser's EC, not
// the winner's) and the larger-sqnum winner occupying the EBA slot. A tie is
// resolved in favor of the existing (older-resident) entry, per spec.md
// §4.6's tie-break note.
func (d *Device) resolveDuplicate(vol *Volume, lnum uint32, existingPnum uint32, newPnum uint32, newEC uint32) {
	existingEC, existingVID, ok := d.readECAndVID(int64(existingPnum))
	if !ok {
		// p' no longer validates: it is retired to bad, and p takes
		// over the EBA slot outright (spec.md §4.6 step 4's note that
		// "the current algorithm reports progress and continues").
		d.log.WithField("lnum", lnum).WithField("existing_pnum", existingPnum).Warn("existing eba slot no longer validates, retiring to bad")
		d.bad.append(existingPnum, existingEC)
		vol.set(lnum, newPnum)
		return
	}

	newVIDBuf := make([]byte, vidHdrSize)
	if err := d.part.ReadAt(int64(newPnum), ecHdrSize, newVIDBuf); err != nil {
		d.log.WithField("pnum", newPnum).WithError(err).Warn("candidate vid header read failed, retiring to bad")
		d.bad.append(newPnum, newEC)
		return
	}
	newVID, err := decodeVIDHdr(newVIDBuf)
	if err != nil {
		d.log.WithField("pnum", newPnum).WithError(err).Warn("candidate vid header decode failed, retiring to bad")
		d.bad.append(newPnum, newEC)
		return
	}

	switch {
	case existingVID.Sqnum > newVID.Sqnum:
		// existing wins; new loses, goes to dirty with its own EC.
		d.log.WithField("lnum", lnum).WithField("winner_pnum", existingPnum).WithField("loser_pnum", newPnum).Info("duplicate lnum resolved, existing entry wins")
		d.dirty.insert(newEC, newPnum)
	case newVID.Sqnum > existingVID.Sqnum:
		// new wins; existing loses, goes to dirty with its own EC.
		d.log.WithField("lnum", lnum).WithField("winner_pnum", newPnum).WithField("loser_pnum", existingPnum).Info("duplicate lnum resolved, new entry wins")
		d.dirty.insert(existingEC, existingPnum)
		vol.set(lnum, newPnum)
	default:
		// Tie: prefer the existing (older-resident) entry.
		d.log.WithField("lnum", lnum).WithField("pnum", existingPnum).Info("duplicate lnum resolved by sqnum tie, preferring existing entry")
		d.dirty.insert(newEC, newPnum)
	}
}

// readECAndVID re-reads the EC and VID headers of pnum, returning ok=false
// if either fails to validate (spec.md §4.6 step 4's re-validation of the
// existing EBA slot before comparing sqnums).
func (d *Device) readECAndVID(pnum int64) (uint32, vidHdr, bool) {
	ecBuf := make([]byte, ecHdrSize)
	if err := d.part.ReadAt(pnum, 0, ecBuf); err != nil {
		return 0, vidHdr{}, false
	}
	eh, err := decodeECHdr(ecBuf)
	if err != nil {
		return 0, vidHdr{}, false
	}
	vidBuf := make([]byte, vidHdrSize)
	if err := d.part.ReadAt(pnum, ecHdrSize, vidBuf); err != nil {
		return eh.EC, vidHdr{}, false
	}
	vh, err := decodeVIDHdr(vidBuf)
	if err != nil {
		return eh.EC, vidHdr{}, false
	}
	return eh.EC, vh, true
}
