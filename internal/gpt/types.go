// Package gpt reads and writes GUID partition tables on raw block images.
// See the UEFI specification at https://uefi.org/specifications for details.
package gpt

import (
	"encoding/binary"
	"unicode/utf16"
)

var (
	SizeOfPMBRInBytes    = binary.Size(ProtectiveMBR{})
	SizeOfHeaderInBytes  = binary.Size(Header{})
	SizeOfPartitionEntry = binary.Size(PartitionEntry{})

	ProtectiveMBRStartingCHS       = [3]byte{0x00, 0x02, 0x00}
	ProtectiveMBREndingCHSMaxArray = [3]byte{0xff, 0xff, 0xff}

	// LinuxFilesystemDataGUID is the partition type for Linux filesystem data.
	LinuxFilesystemDataGUID = GUID{
		Data1: 0x0FC63DAF,
		Data2: 0x8483,
		Data3: 0x4772,
		Data4: [8]uint8{0x8E, 0x79, 0x3D, 0x69, 0xD8, 0x47, 0x7D, 0xE4},
	}
)

const (
	MaxPartitions int = 128

	// Partition entry array reserves at least 16 KiB regardless of the
	// logical block size.
	MinEntryArrayBytes = 16384

	PrimaryHeaderLBA           uint64 = 1
	PrimaryEntryArrayLBA       uint64 = 2
	HeaderSize                 uint32 = 92
	HeaderRevision             uint32 = 0x00010000
	HeaderSignature            uint64 = 0x5452415020494645 // ASCII "EFI PART"
	HeaderSizeOfPartitionEntry uint32 = 128

	ProtectiveMBRSignature         uint16 = 0xAA55
	ProtectiveMBRTypeOS            uint8  = 0xEE
	ProtectiveMBREndingCHSMaxValue uint32 = 0xFFFFFF
)

// PartitionMBR is one of the four primary MBR partition records.
type PartitionMBR struct {
	BootIndicator uint8
	StartingCHS   [3]byte
	OSType        uint8   // 0xEE (GPT protective)
	EndingCHS     [3]byte // last logical block, or 0xffffff when unrepresentable
	StartingLBA   uint32  // LBA of the GPT header, always 1
	SizeInLBA     uint32  // disk size in blocks - 1, or 0xffffffff when too big
}

// ProtectiveMBR occupies LBA 0 and shields the GPT from legacy tools. Only
// the first partition record is populated.
type ProtectiveMBR struct {
	BootCode               [440]byte
	UniqueMBRDiskSignature uint32
	Unknown                uint16
	PartitionRecord        [4]PartitionMBR
	Signature              uint16 // 0xAA55
}

// Header is the GPT header. The primary copy lives in LBA 1, the alternate
// in the last LBA of the disk.
type Header struct {
	Signature                uint64
	Revision                 uint32
	HeaderSize               uint32
	HeaderCRC32              uint32 // computed with this field zeroed, over HeaderSize bytes
	ReservedMiddle           uint32
	MyLBA                    uint64
	AlternateLBA             uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 GUID
	PartitionEntryLBA        uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry     uint32 // 128 * 2^n
	PartitionEntryArrayCRC32 uint32
}

// PartitionEntry is one slot in the partition entry array. An all-zero type
// GUID marks the slot unused.
type PartitionEntry struct {
	PartitionTypeGUID   GUID
	UniquePartitionGUID GUID
	StartingLBA         uint64
	EndingLBA           uint64
	Attributes          uint64
	PartitionName       [72]byte // UTF-16LE, null padded
}

// SetName stores name as UTF-16LE, truncating to the 36 code units the entry
// can hold.
func (p *PartitionEntry) SetName(name string) {
	units := utf16.Encode([]rune(name))
	if len(units) > 36 {
		units = units[:36]
	}
	p.PartitionName = [72]byte{}
	for i, u := range units {
		binary.LittleEndian.PutUint16(p.PartitionName[i*2:], u)
	}
}

// Name decodes the UTF-16LE partition name up to the first null.
func (p *PartitionEntry) Name() string {
	var units []uint16
	for i := 0; i+1 < len(p.PartitionName); i += 2 {
		u := binary.LittleEndian.Uint16(p.PartitionName[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// IsUsed reports whether the entry describes a partition.
func (p *PartitionEntry) IsUsed() bool {
	return !p.PartitionTypeGUID.IsZero()
}

// The layout of a GPT disk:
//
//	| Protective MBR               | 1 block
//	| Primary header               | 1 block
//	| Partition entry array        | >= 16 KiB
//	| Partition 0 .. n             |
//	| Backup partition entry array |
//	| Backup header                | last block
