package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// ErrNoGPT is returned by Read when the device does not carry a valid GUID
// partition table. Callers probing arbitrary block devices treat it as "not
// one of ours" rather than a failure.
var ErrNoGPT = errors.New("no GPT found on device")

// Disk is a decoded GUID partition table together with the logical block
// size it was read or written with.
type Disk struct {
	BlockSize int64
	Header    Header
	Entries   []PartitionEntry
}

// Partitions returns the used entries of the partition array.
func (d *Disk) Partitions() []PartitionEntry {
	var used []PartitionEntry
	for _, e := range d.Entries {
		if e.IsUsed() {
			used = append(used, e)
		}
	}
	return used
}

func entryArrayBlocks(blockSize int64) uint64 {
	bytes := int64(MaxPartitions * int(HeaderSizeOfPartitionEntry))
	if bytes < MinEntryArrayBytes {
		bytes = MinEntryArrayBytes
	}
	return uint64((bytes + blockSize - 1) / blockSize)
}

// UsableRange returns the first and last LBA available for partition data on
// a disk of the given size.
func UsableRange(sizeInBytes, blockSize int64) (first, last uint64) {
	blocks := uint64(sizeInBytes / blockSize)
	arr := entryArrayBlocks(blockSize)
	first = PrimaryEntryArrayLBA + arr
	last = blocks - 2 - arr
	return first, last
}

func headerChecksum(h Header) (uint32, error) {
	buf := &bytes.Buffer{}
	h.HeaderCRC32 = 0
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(buf.Bytes()[:HeaderSize]), nil
}

func entryArrayChecksum(entries []PartitionEntry) (uint32, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, entries); err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(buf.Bytes()), nil
}

func endingCHS(sizeInLBA uint64) [3]byte {
	if sizeInLBA >= uint64(ProtectiveMBREndingCHSMaxValue) {
		return ProtectiveMBREndingCHSMaxArray
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(sizeInLBA))
	var chs [3]byte
	copy(chs[:], tmp[:3])
	return chs
}

func protectiveMBR(totalBlocks uint64) ProtectiveMBR {
	sizeInLBA := totalBlocks - 1
	mbr := ProtectiveMBR{Signature: ProtectiveMBRSignature}
	record := PartitionMBR{
		StartingCHS: ProtectiveMBRStartingCHS,
		OSType:      ProtectiveMBRTypeOS,
		EndingCHS:   endingCHS(sizeInLBA),
		StartingLBA: uint32(PrimaryHeaderLBA),
	}
	if sizeInLBA > 0xFFFFFFFF {
		record.SizeInLBA = 0xFFFFFFFF
	} else {
		record.SizeInLBA = uint32(sizeInLBA)
	}
	mbr.PartitionRecord[0] = record
	return mbr
}

func writeAt(w io.WriteSeeker, lba uint64, blockSize int64, v interface{}) error {
	if _, err := w.Seek(int64(lba)*blockSize, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

// Format writes a protective MBR, a primary and a backup GPT describing
// parts onto w, which must be at least sizeInBytes long. Entry slots beyond
// the provided partitions are left zeroed.
func Format(w io.WriteSeeker, sizeInBytes, blockSize int64, diskGUID GUID, parts []PartitionEntry) error {
	if sizeInBytes%blockSize != 0 {
		return errors.Errorf("disk size %d is not a multiple of the block size %d", sizeInBytes, blockSize)
	}
	totalBlocks := uint64(sizeInBytes / blockSize)
	arr := entryArrayBlocks(blockSize)
	if totalBlocks < 2*(arr+1)+2 {
		return errors.Errorf("disk of %d blocks is too small for a GPT", totalBlocks)
	}
	if len(parts) > MaxPartitions {
		return errors.Errorf("%d partitions exceed the maximum of %d", len(parts), MaxPartitions)
	}

	entries := make([]PartitionEntry, MaxPartitions)
	copy(entries, parts)
	entriesCRC, err := entryArrayChecksum(entries)
	if err != nil {
		return err
	}

	first, last := UsableRange(sizeInBytes, blockSize)
	primary := Header{
		Signature:                HeaderSignature,
		Revision:                 HeaderRevision,
		HeaderSize:               HeaderSize,
		MyLBA:                    PrimaryHeaderLBA,
		AlternateLBA:             totalBlocks - 1,
		FirstUsableLBA:           first,
		LastUsableLBA:            last,
		DiskGUID:                 diskGUID,
		PartitionEntryLBA:        PrimaryEntryArrayLBA,
		NumberOfPartitionEntries: uint32(MaxPartitions),
		SizeOfPartitionEntry:     HeaderSizeOfPartitionEntry,
		PartitionEntryArrayCRC32: entriesCRC,
	}
	if primary.HeaderCRC32, err = headerChecksum(primary); err != nil {
		return err
	}

	backup := primary
	backup.MyLBA, backup.AlternateLBA = primary.AlternateLBA, primary.MyLBA
	backup.PartitionEntryLBA = last + 1
	if backup.HeaderCRC32, err = headerChecksum(backup); err != nil {
		return err
	}

	if err := writeAt(w, 0, blockSize, protectiveMBR(totalBlocks)); err != nil {
		return errors.Wrap(err, "write protective MBR")
	}
	if err := writeAt(w, primary.MyLBA, blockSize, primary); err != nil {
		return errors.Wrap(err, "write primary header")
	}
	if err := writeAt(w, primary.PartitionEntryLBA, blockSize, entries); err != nil {
		return errors.Wrap(err, "write primary entry array")
	}
	if err := writeAt(w, backup.PartitionEntryLBA, blockSize, entries); err != nil {
		return errors.Wrap(err, "write backup entry array")
	}
	if err := writeAt(w, backup.MyLBA, blockSize, backup); err != nil {
		return errors.Wrap(err, "write backup header")
	}
	return nil
}

func readAt(r io.ReadSeeker, lba uint64, blockSize int64, v interface{}) error {
	if _, err := r.Seek(int64(lba)*blockSize, io.SeekStart); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, v)
}

// Read decodes and validates the GPT on r using the given logical block
// size. It returns ErrNoGPT when the signature is absent, and a descriptive
// error when a structure is present but corrupt.
func Read(r io.ReadSeeker, blockSize int64) (*Disk, error) {
	var hdr Header
	if err := readAt(r, PrimaryHeaderLBA, blockSize, &hdr); err != nil {
		return nil, ErrNoGPT
	}
	if hdr.Signature != HeaderSignature {
		return nil, ErrNoGPT
	}
	if hdr.HeaderSize != HeaderSize || hdr.SizeOfPartitionEntry != HeaderSizeOfPartitionEntry {
		return nil, fmt.Errorf("unsupported GPT geometry: header size %d, entry size %d",
			hdr.HeaderSize, hdr.SizeOfPartitionEntry)
	}
	wantCRC := hdr.HeaderCRC32
	gotCRC, err := headerChecksum(hdr)
	if err != nil {
		return nil, err
	}
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("GPT header checksum mismatch: computed %08x, stored %08x", gotCRC, wantCRC)
	}
	if hdr.NumberOfPartitionEntries == 0 || hdr.NumberOfPartitionEntries > uint32(MaxPartitions) {
		return nil, fmt.Errorf("invalid partition entry count %d", hdr.NumberOfPartitionEntries)
	}

	entries := make([]PartitionEntry, hdr.NumberOfPartitionEntries)
	if err := readAt(r, hdr.PartitionEntryLBA, blockSize, entries); err != nil {
		return nil, errors.Wrap(err, "read partition entry array")
	}
	entriesCRC, err := entryArrayChecksum(entries)
	if err != nil {
		return nil, err
	}
	if entriesCRC != hdr.PartitionEntryArrayCRC32 {
		return nil, fmt.Errorf("partition entry array checksum mismatch: computed %08x, stored %08x",
			entriesCRC, hdr.PartitionEntryArrayCRC32)
	}

	return &Disk{BlockSize: blockSize, Header: hdr, Entries: entries}, nil
}
