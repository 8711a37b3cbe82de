// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package sector defines the on-flash sector record for the MM2 pool.
package sector

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

var (
	ErrInvalidSectorSize = errors.New("sector size must be a power of 2 and at least 128 bytes")
)

// None is the sentinel Next value meaning "no next sector".
const None uint32 = 0xFFFFFFFF

const (
	HeaderSize    = 32
	MinSectorSize = 128 // Must fit header + some payload

	// Header flags
	FlagInUse        uint32 = 1 << 0 // Sector is owned by a chain
	FlagPendingErase uint32 = 1 << 1 // Sector is logically freed, awaiting physical erase
)

// Header is stored at the beginning of each sector on flash.
// Total size: 32 bytes (fixed)
//
// The (Flags, Owner, Next) triple is always written in a single sealed
// header update so a power loss mid-write leaves either the old or the
// new header, or a checksum failure the validator can classify.
type Header struct {
	Flags       uint32 // In-use / pending-erase
	Owner       uint32 // Owning stream id (0 when free)
	Next        uint32 // Next sector in the owning chain, or None
	WriteOffset uint32 // Payload bytes written so far
	Reserved    uint32
	Checksum    uint32 // CRC-32 of the fields above
}

const checksumOffset = 20

// Encode serializes a Header to bytes. buf must be at least HeaderSize.
func (h *Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], h.Owner)
	binary.LittleEndian.PutUint32(buf[8:12], h.Next)
	binary.LittleEndian.PutUint32(buf[12:16], h.WriteOffset)
	binary.LittleEndian.PutUint32(buf[16:20], h.Reserved)
	binary.LittleEndian.PutUint32(buf[20:24], h.Checksum)
	// bytes 24-31 padding
}

// Decode deserializes bytes into a Header.
func (h *Header) Decode(buf []byte) {
	h.Flags = binary.LittleEndian.Uint32(buf[0:4])
	h.Owner = binary.LittleEndian.Uint32(buf[4:8])
	h.Next = binary.LittleEndian.Uint32(buf[8:12])
	h.WriteOffset = binary.LittleEndian.Uint32(buf[12:16])
	h.Reserved = binary.LittleEndian.Uint32(buf[16:20])
	h.Checksum = binary.LittleEndian.Uint32(buf[20:24])
}

// Seal computes and stores the header checksum. Must be called before
// the header is written to flash.
func (h *Header) Seal() {
	h.Checksum = h.sum()
}

// Sealed reports whether the stored checksum matches the header fields.
func (h *Header) Sealed() bool {
	return h.Checksum == h.sum()
}

func (h *Header) sum() uint32 {
	var buf [checksumOffset]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], h.Owner)
	binary.LittleEndian.PutUint32(buf[8:12], h.Next)
	binary.LittleEndian.PutUint32(buf[12:16], h.WriteOffset)
	binary.LittleEndian.PutUint32(buf[16:20], h.Reserved)
	return crc32.ChecksumIEEE(buf[:])
}

// IsInUse returns true if the sector is owned by a chain.
func (h *Header) IsInUse() bool {
	return h.Flags&FlagInUse != 0
}

// IsPendingErase returns true if the sector awaits physical erase.
func (h *Header) IsPendingErase() bool {
	return h.Flags&FlagPendingErase != 0
}

// IsFree returns true if the sector is neither owned nor pending erase.
func (h *Header) IsFree() bool {
	return h.Flags&(FlagInUse|FlagPendingErase) == 0
}

// ValidateSectorSize checks if size is a power of 2 and >= MinSectorSize.
func ValidateSectorSize(size uint32) error {
	if size < MinSectorSize {
		return ErrInvalidSectorSize
	}
	// Check power of 2: only one bit set
	if size&(size-1) != 0 {
		return ErrInvalidSectorSize
	}
	return nil
}

// UsablePayloadSize returns how much payload fits in a sector.
func UsablePayloadSize(sectorSize uint32) uint32 {
	return sectorSize - HeaderSize
}
