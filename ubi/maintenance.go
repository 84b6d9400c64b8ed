package ubi

import "fmt"

// ErasePEB implements spec.md §4.8 erase_peb: recycles the smallest-EC dirty
// PEB into the free pool, incrementing its erase counter. A flash error
// along the way retires the PEB to bad and still reports success, leaving
// the pools consistent (spec.md §4.8).
func (d *Device) ErasePEB() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.dirty.extractMin()
	if !ok {
		return nil
	}

	if err := d.part.Erase(int64(entry.pnum)); err != nil {
		d.log.WithField("pnum", entry.pnum).WithError(err).Warn("erase failed, retiring peb to bad")
		d.bad.append(entry.pnum, entry.ec)
		return nil
	}
	newEC := entry.ec + 1
	h := ecHdr{EC: newEC}
	if err := d.part.WriteAt(int64(entry.pnum), 0, h.encode()); err != nil {
		d.log.WithField("pnum", entry.pnum).WithError(err).Warn("ec header write failed, retiring peb to bad")
		d.bad.append(entry.pnum, newEC)
		return nil
	}
	d.log.WithField("pnum", entry.pnum).WithField("ec", newEC).Debug("dirty peb recycled to free pool")
	d.free.insert(newEC, entry.pnum)
	return nil
}

// VolumeCreate implements spec.md §4.8's create: idempotent by name, else
// allocates a new vol_id and appends a volume-table entry via the
// transactor.
func (d *Device) VolumeCreate(cfg VolumeConfig) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, v := range d.vols {
		if v.Config.Name == cfg.Name {
			d.log.WithField("name", cfg.Name).WithField("vol_id", v.VolID).Debug("volume create is idempotent, volume already exists")
			return v.VolID, nil
		}
	}

	total := int(d.part.Geometry().PEBCount) - PEBMeta
	allocated := 0
	for _, v := range d.vols {
		allocated += v.allocatedCount()
	}
	if int64(cfg.LEBCount) > int64(total-allocated) {
		return 0, fmt.Errorf("ubi: not enough free space for %d LEBs: %w", cfg.LEBCount, ErrNoSpace)
	}

	curDH, err := d.readDevHdr()
	if err != nil {
		return 0, err
	}
	newDH := curDH
	newDH.Revision = curDH.Revision + 1
	newDH.VolCount = curDH.VolCount + 1

	volID := d.volSeqnr
	vh := volHdr{
		VolType:   uint8(cfg.Type),
		VolID:     volID,
		LebsCount: cfg.LEBCount,
		Name:      cfg.nameBytes(),
	}
	if err := d.appendVolHdr(newDH, vh); err != nil {
		return 0, err
	}
	d.volSeqnr++

	vol := newVolume(int(curDH.VolCount), volID, cfg)
	d.vols[volID] = vol
	d.log.WithField("name", cfg.Name).WithField("vol_id", volID).WithField("lebs", cfg.LEBCount).Info("volume created")
	return volID, nil
}

// VolumeRemove implements spec.md §4.8's remove: evicts every EBA entry to
// dirty, removes the volume-table entry, and compacts the remaining
// volumes' vol_idx to match the new on-media positions.
func (d *Device) VolumeRemove(volID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, ok := d.vols[volID]
	if !ok {
		return fmt.Errorf("ubi: no such volume %d: %w", volID, ErrNoEntity)
	}

	curDH, err := d.readDevHdr()
	if err != nil {
		return err
	}
	newDH := curDH
	newDH.Revision = curDH.Revision + 1
	newDH.VolCount = curDH.VolCount - 1

	if err := d.removeVolHdr(newDH, vol.VolIdx); err != nil {
		return err
	}

	for lnum, pnum := range vol.eba {
		ec, err := d.readPEBEC(int64(pnum))
		if err != nil {
			continue
		}
		d.dirty.insert(ec, pnum)
		vol.unset(lnum)
	}
	delete(d.vols, volID)

	for _, v := range d.vols {
		if v.VolIdx > vol.VolIdx {
			v.VolIdx--
		}
	}
	d.log.WithField("vol_id", volID).WithField("name", vol.Config.Name).Info("volume removed")
	return nil
}

// VolumeResize implements spec.md §4.8's resize: STATIC volumes and
// same-size requests are refused; growing requires free headroom; shrinking
// evicts the LEBs above the new count to dirty.
func (d *Device) VolumeResize(volID uint32, newCfg VolumeConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, ok := d.vols[volID]
	if !ok {
		return fmt.Errorf("ubi: no such volume %d: %w", volID, ErrNoEntity)
	}
	if vol.Config.Type == VolumeStatic {
		return fmt.Errorf("ubi: static volumes cannot be resized: %w", ErrCanceled)
	}
	if newCfg.LEBCount == vol.Config.LEBCount {
		return fmt.Errorf("ubi: resize to same LEB count: %w", ErrCanceled)
	}

	if newCfg.LEBCount > vol.Config.LEBCount {
		total := int(d.part.Geometry().PEBCount) - PEBMeta
		allocated := 0
		for _, v := range d.vols {
			allocated += v.allocatedCount()
		}
		grow := int(newCfg.LEBCount - vol.Config.LEBCount)
		if grow > total-allocated {
			return fmt.Errorf("ubi: not enough free space to grow to %d LEBs: %w", newCfg.LEBCount, ErrNoSpace)
		}
		d.log.WithField("vol_id", volID).WithField("from", vol.Config.LEBCount).WithField("to", newCfg.LEBCount).Info("growing volume")
	} else {
		d.log.WithField("vol_id", volID).WithField("from", vol.Config.LEBCount).WithField("to", newCfg.LEBCount).Info("shrinking volume, evicting trailing lebs")
		for lnum := newCfg.LEBCount; lnum < vol.Config.LEBCount; lnum++ {
			pnum, mapped := vol.lookup(lnum)
			if !mapped {
				continue
			}
			ec, err := d.readPEBEC(int64(pnum))
			if err != nil {
				continue
			}
			d.dirty.insert(ec, pnum)
			vol.unset(lnum)
		}
	}

	curVH, err := d.readVolHdr(vol.VolIdx)
	if err != nil {
		return err
	}
	curDH, err := d.readDevHdr()
	if err != nil {
		return err
	}
	newDH := curDH
	newDH.Revision = curDH.Revision + 1
	newVH := curVH
	newVH.LebsCount = newCfg.LEBCount

	if err := d.updateVolHdr(newDH, vol.VolIdx, newVH); err != nil {
		return err
	}

	vol.Config.LEBCount = newCfg.LEBCount
	vol.resizeBitmap()
	return nil
}

// VolumeInfo implements spec.md §6's volume_get_info: returns the volume's
// Config and its current allocated-LEB count.
func (d *Device) VolumeInfo(volID uint32) (VolumeConfig, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, ok := d.vols[volID]
	if !ok {
		return VolumeConfig{}, 0, fmt.Errorf("ubi: no such volume %d: %w", volID, ErrNoEntity)
	}
	return vol.Config, vol.allocatedCount(), nil
}
