// Package disk creates and reopens the raw GPT-labeled backing disks handed
// to guest realms.
package disk

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/gpt"
	"github.com/realmkit/realmkit/internal/log"
)

// BlockSize is the logical block size the host writes disk labels with.
const BlockSize = 4096

// SizeMismatchError is returned when a disk file already exists with a
// different size than requested. Resizing in place is never attempted.
type SizeMismatchError struct {
	Path     string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return errors.Errorf("existing disk %s size mismatch, expected %d got %d",
		e.Path, e.Expected, e.Got).Error()
}

// QEMUDisk is a raw disk image carrying a single Linux filesystem partition.
// The partition GUID is the identity the guest uses to locate its storage,
// so it stays stable for the life of the file.
type QEMUDisk struct {
	path     string
	diskGUID uuid.UUID
	partGUID uuid.UUID
}

// New returns a disk handle at path sized sizeMB mebibytes. An existing file
// is reused when its size matches exactly and rejected with a
// SizeMismatchError when it does not. A missing file is created sparse and
// labeled with a GPT holding one partition named "disk" spanning the whole
// usable region.
func New(ctx context.Context, path string, sizeMB int64) (*QEMUDisk, error) {
	size := sizeMB * 1024 * 1024

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Size() != size {
			return nil, &SizeMismatchError{Path: path, Expected: size, Got: info.Size()}
		}
	case os.IsNotExist(err):
		if err := create(ctx, path, size); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(err, "stat disk file %s", path)
	}

	return open(path)
}

func create(ctx context.Context, path string, size int64) (err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Wrapf(err, "create disk file %s", path)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(path)
		}
	}()

	if err = f.Truncate(size); err != nil {
		return errors.Wrapf(err, "extend sparse disk file %s", path)
	}

	first, last := gpt.UsableRange(size, BlockSize)
	part := gpt.PartitionEntry{
		PartitionTypeGUID:   gpt.LinuxFilesystemDataGUID,
		UniquePartitionGUID: gpt.NewGUID(),
		StartingLBA:         first,
		EndingLBA:           last,
	}
	part.SetName("disk")

	if err = gpt.Format(f, size, BlockSize, gpt.NewGUID(), []gpt.PartitionEntry{part}); err != nil {
		return errors.Wrapf(err, "write GPT to %s", path)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "sync disk file %s", path)
	}

	log.G(ctx).WithFields(map[string]interface{}{
		"path":      path,
		"size":      size,
		"partition": part.UniquePartitionGUID.String(),
	}).Debug("created realm disk")
	return nil
}

// open re-reads the label and extracts the disk and partition GUIDs. Any
// disagreement with the expected single-partition layout is a fatal
// provisioning error: the label is the root of the guest's storage identity.
func open(path string) (*QEMUDisk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open disk file %s", path)
	}
	defer f.Close()

	label, err := gpt.Read(f, BlockSize)
	if err != nil {
		return nil, errors.Wrapf(err, "read GPT label of %s", path)
	}
	parts := label.Partitions()
	if len(parts) != 1 {
		return nil, errors.Errorf("disk %s carries %d partitions, expected exactly 1", path, len(parts))
	}

	return &QEMUDisk{
		path:     path,
		diskGUID: label.Header.DiskGUID.UUID(),
		partGUID: parts[0].UniquePartitionGUID.UUID(),
	}, nil
}

// Path returns the location of the backing file.
func (d *QEMUDisk) Path() string { return d.path }

// DiskGUID returns the label's disk identity.
func (d *QEMUDisk) DiskGUID() uuid.UUID { return d.diskGUID }

// PartitionGUID returns the identity of the single data partition.
func (d *QEMUDisk) PartitionGUID() uuid.UUID { return d.partGUID }
