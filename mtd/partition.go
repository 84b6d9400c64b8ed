// Package mtd implements the flash/MTD partition adapter that backs a UBI
// device: a fixed-geometry, erase-before-write region realized over a
// regular file.
package mtd

import (
	"fmt"
	"os"

	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Geometry describes the fixed, immutable shape of a partition: total size,
// erase block size, and the minimum aligned write granularity.
type Geometry struct {
	EraseBlockSize  int64
	WriteBlockAlign int64
	PEBCount        int64
}

// Partition is a single backing file standing in for an MTD/flash partition.
// It owns an advisory exclusive lock on the file for its lifetime so that a
// second process cannot mount the same partition concurrently; this
// complements, but does not replace, the in-process mutex held by
// ubi.Device.
type Partition struct {
	f   *os.File
	geo Geometry
	log *logrus.Entry
}

// Open opens path as a partition with the given geometry. The file must
// already exist and be at least geo.PEBCount*geo.EraseBlockSize bytes long.
func Open(path string, geo Geometry) (*Partition, error) {
	if geo.EraseBlockSize <= 0 || geo.PEBCount <= 0 {
		return nil, fmt.Errorf("mtd: invalid geometry %+v", geo)
	}
	if geo.WriteBlockAlign <= 0 {
		geo.WriteBlockAlign = 16
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mtd: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("mtd: partition %s already locked: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mtd: stat %s: %w", path, err)
	}
	want := geo.PEBCount * geo.EraseBlockSize
	if fi.Size() < want {
		f.Close()
		return nil, fmt.Errorf("mtd: %s is %d bytes, need at least %d", path, fi.Size(), want)
	}
	return &Partition{
		f:   f,
		geo: geo,
		log: logrus.WithField("partition", path),
	}, nil
}

// Geometry returns the partition's fixed geometry.
func (p *Partition) Geometry() Geometry {
	return p.geo
}

func (p *Partition) offset(pnum int64) (int64, error) {
	if pnum < 0 || pnum >= p.geo.PEBCount {
		return 0, fmt.Errorf("mtd: pnum %d out of range [0,%d)", pnum, p.geo.PEBCount)
	}
	return pnum * p.geo.EraseBlockSize, nil
}

// ReadAt reads len(buf) bytes from PEB pnum at the given intra-block offset.
func (p *Partition) ReadAt(pnum int64, offset int64, buf []byte) error {
	base, err := p.offset(pnum)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(buf)) > p.geo.EraseBlockSize {
		return fmt.Errorf("mtd: read [%d,%d) exceeds erase block size %d", offset, offset+int64(len(buf)), p.geo.EraseBlockSize)
	}
	if _, err := p.f.ReadAt(buf, base+offset); err != nil {
		return fmt.Errorf("mtd: read pnum %d: %w", pnum, err)
	}
	return nil
}

// WriteAt writes buf to PEB pnum at the given intra-block offset, padding
// out to the next WriteBlockAlign boundary with zero bytes so the write
// lands on an aligned, whole-write-block boundary the way real flash
// requires.
func (p *Partition) WriteAt(pnum int64, offset int64, buf []byte) error {
	base, err := p.offset(pnum)
	if err != nil {
		return err
	}
	aligned := alignUp(int64(len(buf)), p.geo.WriteBlockAlign)
	if offset < 0 || offset+aligned > p.geo.EraseBlockSize {
		return fmt.Errorf("mtd: write [%d,%d) exceeds erase block size %d", offset, offset+aligned, p.geo.EraseBlockSize)
	}
	padded := buf
	if aligned != int64(len(buf)) {
		padded = make([]byte, aligned)
		copy(padded, buf)
	}
	if _, err := p.f.WriteAt(padded, base+offset); err != nil {
		return fmt.Errorf("mtd: write pnum %d: %w", pnum, err)
	}
	return nil
}

// Erase resets an entire PEB to the erased state (all 0xFF, matching NOR/NAND
// flash erase polarity).
func (p *Partition) Erase(pnum int64) error {
	base, err := p.offset(pnum)
	if err != nil {
		return err
	}
	blank := make([]byte, p.geo.EraseBlockSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := p.f.WriteAt(blank, base); err != nil {
		return fmt.Errorf("mtd: erase pnum %d: %w", pnum, err)
	}
	p.log.WithField("pnum", pnum).Debug("erased peb")
	return nil
}

// TagScanRevision best-effort records the last-synced device-header revision
// as an extended attribute on the backing file, for host tooling that wants
// to know whether a mount has happened without speaking the UBI protocol
// itself. Failure (no xattr support on the host filesystem) is logged and
// never returned as an error.
func (p *Partition) TagScanRevision(revision uint32) {
	val := fmt.Sprintf("%d", revision)
	if err := xattr.FSet(p.f, "user.ubi.last_scan_revision", []byte(val)); err != nil {
		p.log.WithError(err).Debug("could not set scan-revision xattr")
	}
}

// Sync flushes any buffered writes to stable storage.
func (p *Partition) Sync() error {
	return p.f.Sync()
}

// Close releases the partition's lock and underlying file handle.
func (p *Partition) Close() error {
	return p.f.Close()
}

// File exposes the underlying *os.File for diagnostics (provenance lookups,
// fingerprinting) that need raw file access alongside the partition API.
func (p *Partition) File() *os.File {
	return p.f
}

func alignUp(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	r := n % align
	if r == 0 {
		return n
	}
	return n + (align - r)
}
