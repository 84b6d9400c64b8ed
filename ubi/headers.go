package ubi

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// On-media magic numbers, bit-exact per spec (§3/§6). Version byte is 1 for
// all four header types.
const (
	magicDevHdr = 0x55424925 // "UBI%"
	magicVolHdr = 0x55424926 // "UBI&"
	magicECHdr  = 0x55424923 // "UBI#"
	magicVIDHdr = 0x55424921 // "UBI!"

	headerVersion = 1

	devHdrSize = 32
	volHdrSize = 48
	ecHdrSize  = 16
	vidHdrSize = 32

	volNameSize = 16

	// WriteBlockAlign is the minimum aligned write granularity; every
	// header size is a multiple of it.
	WriteBlockAlign = 16
)

var crcIEEE = crc32.MakeTable(crc32.IEEE)

func headerCRC(buf []byte) uint32 {
	return crc32.Checksum(buf, crcIEEE)
}

// devHdr is the 32-byte device header stored at bytes 0..32 of PEB 0 and
// PEB 1.
type devHdr struct {
	Magic           uint32
	Version         uint8
	PartitionOffset uint32
	PartitionSize   uint32
	Revision        uint32
	VolCount        uint32
	// hdr_crc trailer, not stored as a field, computed on encode/decode.
}

func (h *devHdr) encode() []byte {
	buf := make([]byte, devHdrSize)
	binary.LittleEndian.PutUint32(buf[0:4], magicDevHdr)
	buf[4] = headerVersion
	binary.LittleEndian.PutUint32(buf[8:12], h.PartitionOffset)
	binary.LittleEndian.PutUint32(buf[12:16], h.PartitionSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.Revision)
	binary.LittleEndian.PutUint32(buf[20:24], h.VolCount)
	crc := headerCRC(buf[:devHdrSize-4])
	binary.LittleEndian.PutUint32(buf[devHdrSize-4:devHdrSize], crc)
	return buf
}

func decodeDevHdr(buf []byte) (devHdr, error) {
	var h devHdr
	if len(buf) < devHdrSize {
		return h, fmt.Errorf("ubi: dev header short read: %w", ErrBadMsg)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != magicDevHdr {
		return h, fmt.Errorf("ubi: dev header bad magic: %w", ErrBadMsg)
	}
	stored := binary.LittleEndian.Uint32(buf[devHdrSize-4 : devHdrSize])
	if got := headerCRC(buf[:devHdrSize-4]); got != stored {
		return h, fmt.Errorf("ubi: dev header CRC mismatch: %w", ErrBadMsg)
	}
	h.Magic = magic
	h.Version = buf[4]
	h.PartitionOffset = binary.LittleEndian.Uint32(buf[8:12])
	h.PartitionSize = binary.LittleEndian.Uint32(buf[12:16])
	h.Revision = binary.LittleEndian.Uint32(buf[16:20])
	h.VolCount = binary.LittleEndian.Uint32(buf[20:24])
	return h, nil
}

// volHdr is a single 48-byte volume table entry.
type volHdr struct {
	Magic     uint32
	Version   uint8
	VolType   uint8
	VolID     uint32
	LebsCount uint32
	Name      [volNameSize]byte
}

func (h *volHdr) encode() []byte {
	buf := make([]byte, volHdrSize)
	binary.LittleEndian.PutUint32(buf[0:4], magicVolHdr)
	buf[4] = headerVersion
	buf[5] = h.VolType
	binary.LittleEndian.PutUint32(buf[8:12], h.VolID)
	binary.LittleEndian.PutUint32(buf[12:16], h.LebsCount)
	copy(buf[16:16+volNameSize], h.Name[:])
	crc := headerCRC(buf[:volHdrSize-4])
	binary.LittleEndian.PutUint32(buf[volHdrSize-4:volHdrSize], crc)
	return buf
}

func decodeVolHdr(buf []byte) (volHdr, error) {
	var h volHdr
	if len(buf) < volHdrSize {
		return h, fmt.Errorf("ubi: vol header short read: %w", ErrBadMsg)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != magicVolHdr {
		return h, fmt.Errorf("ubi: vol header bad magic: %w", ErrBadMsg)
	}
	stored := binary.LittleEndian.Uint32(buf[volHdrSize-4 : volHdrSize])
	if got := headerCRC(buf[:volHdrSize-4]); got != stored {
		return h, fmt.Errorf("ubi: vol header CRC mismatch: %w", ErrBadMsg)
	}
	h.Magic = magic
	h.Version = buf[4]
	h.VolType = buf[5]
	h.VolID = binary.LittleEndian.Uint32(buf[8:12])
	h.LebsCount = binary.LittleEndian.Uint32(buf[12:16])
	copy(h.Name[:], buf[16:16+volNameSize])
	return h, nil
}

// ecHdr is the 16-byte erase counter header at bytes 0..16 of every data PEB.
type ecHdr struct {
	Magic   uint32
	Version uint8
	EC      uint32
}

func (h *ecHdr) encode() []byte {
	buf := make([]byte, ecHdrSize)
	binary.LittleEndian.PutUint32(buf[0:4], magicECHdr)
	buf[4] = headerVersion
	binary.LittleEndian.PutUint32(buf[8:12], h.EC)
	crc := headerCRC(buf[:ecHdrSize-4])
	binary.LittleEndian.PutUint32(buf[ecHdrSize-4:ecHdrSize], crc)
	return buf
}

func decodeECHdr(buf []byte) (ecHdr, error) {
	var h ecHdr
	if len(buf) < ecHdrSize {
		return h, fmt.Errorf("ubi: ec header short read: %w", ErrBadMsg)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != magicECHdr {
		return h, fmt.Errorf("ubi: ec header bad magic: %w", ErrBadMsg)
	}
	stored := binary.LittleEndian.Uint32(buf[ecHdrSize-4 : ecHdrSize])
	if got := headerCRC(buf[:ecHdrSize-4]); got != stored {
		return h, fmt.Errorf("ubi: ec header CRC mismatch: %w", ErrBadMsg)
	}
	h.Magic = magic
	h.Version = buf[4]
	h.EC = binary.LittleEndian.Uint32(buf[8:12])
	return h, nil
}

// isErased reports whether buf looks like an untouched, fully-erased flash
// region (all 0xFF bytes), the state scan step 4 checks before attempting a
// CRC-checked VID header decode.
func isErased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// vidHdr is the 32-byte volume identifier header at bytes 16..48 of a mapped
// data PEB.
type vidHdr struct {
	Magic    uint32
	Version  uint8
	Lnum     uint32
	VolID    uint32
	Sqnum    uint64
	DataSize uint32
}

func (h *vidHdr) encode() []byte {
	buf := make([]byte, vidHdrSize)
	binary.LittleEndian.PutUint32(buf[0:4], magicVIDHdr)
	buf[4] = headerVersion
	binary.LittleEndian.PutUint32(buf[8:12], h.Lnum)
	binary.LittleEndian.PutUint32(buf[12:16], h.VolID)
	binary.LittleEndian.PutUint64(buf[16:24], h.Sqnum)
	binary.LittleEndian.PutUint32(buf[24:28], h.DataSize)
	crc := headerCRC(buf[:vidHdrSize-4])
	binary.LittleEndian.PutUint32(buf[vidHdrSize-4:vidHdrSize], crc)
	return buf
}

// decodeVIDHdrRaw decodes fields without validating magic or CRC;
// decodeVIDHdr calls it once its own checks pass. The scan pass does not
// call it: it tests the raw bytes with isErased before decodeVIDHdr.
func decodeVIDHdrRaw(buf []byte) (vidHdr, error) {
	var h vidHdr
	if len(buf) < vidHdrSize {
		return h, fmt.Errorf("ubi: vid header short read: %w", ErrBadMsg)
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.Lnum = binary.LittleEndian.Uint32(buf[8:12])
	h.VolID = binary.LittleEndian.Uint32(buf[12:16])
	h.Sqnum = binary.LittleEndian.Uint64(buf[16:24])
	h.DataSize = binary.LittleEndian.Uint32(buf[24:28])
	return h, nil
}

func decodeVIDHdr(buf []byte) (vidHdr, error) {
	if len(buf) < vidHdrSize {
		return vidHdr{}, fmt.Errorf("ubi: vid header short read: %w", ErrBadMsg)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != magicVIDHdr {
		return vidHdr{}, fmt.Errorf("ubi: vid header bad magic: %w", ErrBadMsg)
	}
	stored := binary.LittleEndian.Uint32(buf[vidHdrSize-4 : vidHdrSize])
	if got := headerCRC(buf[:vidHdrSize-4]); got != stored {
		return vidHdr{}, fmt.Errorf("ubi: vid header CRC mismatch: %w", ErrBadMsg)
	}
	return decodeVIDHdrRaw(buf)
}
