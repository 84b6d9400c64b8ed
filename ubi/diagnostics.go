package ubi

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/djherbis/times.v1"
)

// Fingerprint computes a stable content digest of both metadata banks and
// the current volume table, suitable for deduplicating support bundles. It
// is never used for on-media integrity — CRC-32/IEEE (ubi/headers.go)
// remains the sole integrity mechanism for headers, per spec.md's
// no-encryption non-goal.
func (d *Device) Fingerprint() ([32]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dh, vols, state, err := d.readBanks()
	if err != nil {
		return [32]byte{}, err
	}
	if state != banksValid {
		return [32]byte{}, fmt.Errorf("ubi: dual-bank asymmetric recovery: %w", ErrNotImpl)
	}
	return blake2b.Sum256(encodeBank(dh, vols)), nil
}

// PEBSnapshot is one entry of a HotSnapshot: a PEB's erase counter and, if
// mapped, its VID header fields.
type PEBSnapshot struct {
	PNum  uint32
	EC    uint32
	Mapped bool
	VolID uint32
	Lnum  uint32
	Sqnum uint64
}

// HotSnapshot captures every usable PEB's EC + VID header pair in a single
// mutex-protected pass and returns it lz4-compressed, for attaching to a bug
// report without pausing the device for the length of a full backup.
func (d *Device) HotSnapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	geo := d.part.Geometry()
	snaps := make([]PEBSnapshot, 0, geo.PEBCount-PEBMeta)
	for pnum := int64(PEBMeta); pnum < geo.PEBCount; pnum++ {
		ec, err := d.readPEBEC(pnum)
		if err != nil {
			continue
		}
		s := PEBSnapshot{PNum: uint32(pnum), EC: ec}
		vidBuf := make([]byte, vidHdrSize)
		if err := d.part.ReadAt(pnum, ecHdrSize, vidBuf); err == nil {
			if vh, err := decodeVIDHdr(vidBuf); err == nil {
				s.Mapped = true
				s.VolID = vh.VolID
				s.Lnum = vh.Lnum
				s.Sqnum = vh.Sqnum
			}
		}
		snaps = append(snaps, s)
	}

	raw := encodeSnapshot(snaps)
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("ubi: lz4 compress snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ubi: lz4 close snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeSnapshot(snaps []PEBSnapshot) []byte {
	var b bytes.Buffer
	for _, s := range snaps {
		fmt.Fprintf(&b, "%d,%d,%t,%d,%d,%d\n", s.PNum, s.EC, s.Mapped, s.VolID, s.Lnum, s.Sqnum)
	}
	return b.Bytes()
}

// ColdBackup writes an xz-compressed archival copy of the entire partition
// to w, holding the device mutex for the whole operation. Unlike
// HotSnapshot, this blocks the device for as long as the backup takes and is
// meant for offline/maintenance use, not routine diagnostics.
func (d *Device) ColdBackup(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("ubi: xz writer: %w", err)
	}
	defer xw.Close()

	geo := d.part.Geometry()
	buf := make([]byte, geo.EraseBlockSize)
	for pnum := int64(0); pnum < geo.PEBCount; pnum++ {
		if err := d.part.ReadAt(pnum, 0, buf); err != nil {
			return fmt.Errorf("ubi: backup read pnum %d: %w", pnum, ErrIO)
		}
		if _, err := xw.Write(buf); err != nil {
			return fmt.Errorf("ubi: backup write pnum %d: %w", pnum, err)
		}
	}
	return nil
}

// Provenance reports the backing partition file's birth time, where the host
// filesystem exposes one, for operators correlating a partition image with
// when it was provisioned.
func (d *Device) Provenance() (birth time.Time, ok bool, err error) {
	t, err := times.Stat(d.part.File().Name())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ubi: stat provenance: %w", err)
	}
	if !t.HasBirthTime() {
		return time.Time{}, false, nil
	}
	return t.BirthTime(), true, nil
}

// sortedVolIDs returns volume ids in ascending order, a stable ordering over
// the map. No function in this package calls it.
func sortedVolIDs(vols map[uint32]*Volume) []uint32 {
	ids := make([]uint32, 0, len(vols))
	for id := range vols {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
