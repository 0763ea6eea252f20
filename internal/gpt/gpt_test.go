package gpt

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestGUIDRoundTrip(t *testing.T) {
	u := uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
	g := FromUUID(u)
	if diff := cmp.Diff(LinuxFilesystemDataGUID, g); diff != "" {
		t.Errorf("GUID conversion mismatch (-want +got):\n%s", diff)
	}
	if got := g.UUID(); got != u {
		t.Errorf("UUID round trip = %s, want %s", got, u)
	}
	if g.String() != u.String() {
		t.Errorf("String() = %s, want %s", g.String(), u.String())
	}
}

func TestPartitionName(t *testing.T) {
	var e PartitionEntry
	e.SetName("disk")
	if got := e.Name(); got != "disk" {
		t.Errorf("Name() = %q, want %q", got, "disk")
	}
	// UTF-16LE: 'd' 0x00 'i' 0x00 ...
	want := []byte{'d', 0, 'i', 0, 's', 0, 'k', 0, 0, 0}
	if !bytes.Equal(e.PartitionName[:10], want) {
		t.Errorf("PartitionName prefix = %v, want %v", e.PartitionName[:10], want)
	}
}

func newTestImage(t *testing.T, size int64) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.raw")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	return f
}

func formatSingle(t *testing.T, f *os.File, size, blockSize int64) (GUID, GUID) {
	t.Helper()
	diskGUID := NewGUID()
	partGUID := NewGUID()
	first, last := UsableRange(size, blockSize)
	part := PartitionEntry{
		PartitionTypeGUID:   LinuxFilesystemDataGUID,
		UniquePartitionGUID: partGUID,
		StartingLBA:         first,
		EndingLBA:           last,
	}
	part.SetName("disk")
	if err := Format(f, size, blockSize, diskGUID, []PartitionEntry{part}); err != nil {
		t.Fatal(err)
	}
	return diskGUID, partGUID
}

func TestFormatAndRead(t *testing.T) {
	for _, blockSize := range []int64{512, 4096} {
		const size = 1024 * 1024
		f := newTestImage(t, size)
		diskGUID, partGUID := formatSingle(t, f, size, blockSize)

		disk, err := Read(f, blockSize)
		if err != nil {
			t.Fatalf("block size %d: %v", blockSize, err)
		}
		if disk.Header.DiskGUID != diskGUID {
			t.Errorf("disk GUID = %s, want %s", disk.Header.DiskGUID, diskGUID)
		}
		parts := disk.Partitions()
		if len(parts) != 1 {
			t.Fatalf("partition count = %d, want 1", len(parts))
		}
		if parts[0].UniquePartitionGUID != partGUID {
			t.Errorf("partition GUID = %s, want %s", parts[0].UniquePartitionGUID, partGUID)
		}
		if parts[0].PartitionTypeGUID != LinuxFilesystemDataGUID {
			t.Errorf("partition type = %s", parts[0].PartitionTypeGUID)
		}
		if parts[0].Name() != "disk" {
			t.Errorf("partition name = %q", parts[0].Name())
		}
		first, last := UsableRange(size, blockSize)
		if parts[0].StartingLBA != first || parts[0].EndingLBA != last {
			t.Errorf("partition range = [%d, %d], want [%d, %d]",
				parts[0].StartingLBA, parts[0].EndingLBA, first, last)
		}
	}
}

func TestProtectiveMBR(t *testing.T) {
	const size = 1024 * 1024
	const blockSize = 4096
	f := newTestImage(t, size)
	formatSingle(t, f, size, blockSize)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	var sector [512]byte
	if _, err := io.ReadFull(f, sector[:]); err != nil {
		t.Fatal(err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		t.Errorf("MBR signature = %02x%02x", sector[510], sector[511])
	}
	// First partition record starts at offset 446; OS type at +4.
	if sector[446+4] != ProtectiveMBRTypeOS {
		t.Errorf("protective partition type = %02x, want %02x", sector[446+4], ProtectiveMBRTypeOS)
	}
}

func TestReadNoGPT(t *testing.T) {
	f := newTestImage(t, 1024*1024)
	if _, err := Read(f, 512); err != ErrNoGPT {
		t.Errorf("Read on blank image = %v, want ErrNoGPT", err)
	}
}

func TestReadCorruptHeader(t *testing.T) {
	const size = 1024 * 1024
	const blockSize = 512
	f := newTestImage(t, size)
	formatSingle(t, f, size, blockSize)

	// Flip a byte inside the primary header past the signature.
	if _, err := f.WriteAt([]byte{0xFF}, blockSize+40); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(f, blockSize); err == nil || err == ErrNoGPT {
		t.Errorf("Read on corrupt header = %v, want checksum error", err)
	}
}

func TestFormatTooSmall(t *testing.T) {
	f := newTestImage(t, 8192)
	if err := Format(f, 8192, 4096, NewGUID(), nil); err == nil {
		t.Error("expected error formatting an undersized disk")
	}
}
