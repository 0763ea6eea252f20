//go:build linux

// Package blockdev discovers the block devices visible to the guest and
// indexes their GPT partitions by partition GUID. The index is built once at
// boot and shared read-only by every application.
package blockdev

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/gpt"
	"github.com/realmkit/realmkit/internal/log"
)

// probeBlockSize is the logical block size used when probing device labels.
const probeBlockSize = 512

// Test dependencies
var (
	procPartitionsPath = "/proc/partitions"
	devRoot            = "/dev"
	sysBlockRoot       = "/sys/class/block"
)

// ErrPartitionNotFound is returned when no discovered partition carries the
// requested GUID.
var ErrPartitionNotFound = errors.New("partition not found")

// Partition is a kernel block device holding one GPT partition.
type Partition struct {
	// Name is the kernel device name, e.g. "vda1".
	Name string
}

// DevPath returns the device node path.
func (p *Partition) DevPath() string {
	return path.Join(devRoot, p.Name)
}

// SizeSectors reads the partition size in 512-byte sectors from sysfs.
func (p *Partition) SizeSectors() (uint64, error) {
	b, err := os.ReadFile(path.Join(sysBlockRoot, p.Name, "size"))
	if err != nil {
		return 0, errors.Wrapf(err, "read size of %s", p.Name)
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse size of %s", p.Name)
	}
	return size, nil
}

// Index maps partition GUIDs to their kernel devices.
type Index struct {
	partitions map[uuid.UUID]*Partition
}

// ByUUID looks a partition up by its GPT partition GUID.
func (ix *Index) ByUUID(id uuid.UUID) (*Partition, error) {
	p, ok := ix.partitions[id]
	if !ok {
		return nil, errors.Wrapf(ErrPartitionNotFound, "uuid %s", id)
	}
	return p, nil
}

// Len returns the number of indexed partitions.
func (ix *Index) Len() int { return len(ix.partitions) }

// Discover scans /proc/partitions and probes every named device for a GPT.
// Devices without one are silently ignored; every partition found is indexed
// under its partition GUID as "<devname><slot>".
func Discover(ctx context.Context) (*Index, error) {
	f, err := os.Open(procPartitionsPath)
	if err != nil {
		return nil, errors.Wrap(err, "open /proc/partitions")
	}
	defer f.Close()

	names, err := parsePartitionNames(f)
	if err != nil {
		return nil, err
	}

	ix := &Index{partitions: make(map[uuid.UUID]*Partition)}
	for _, name := range names {
		if err := ix.probeDevice(ctx, name); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// parsePartitionNames extracts column 4 (the device name) from the
// /proc/partitions listing, skipping the two header lines.
func parsePartitionNames(f *os.File) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if line <= 2 {
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			return nil, errors.Errorf("invalid /proc/partitions format in line %q", scanner.Text())
		}
		names = append(names, fields[3])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read /proc/partitions")
	}
	return names, nil
}

func (ix *Index) probeDevice(ctx context.Context, name string) error {
	devPath := path.Join(devRoot, name)
	f, err := os.Open(devPath)
	if err != nil {
		log.G(ctx).WithError(err).WithField("device", devPath).Debug("skipping unopenable device")
		return nil
	}
	defer f.Close()

	label, err := gpt.Read(f, probeBlockSize)
	if err != nil {
		// Not every block device carries a GPT; only corrupt labels matter.
		if errors.Is(err, gpt.ErrNoGPT) {
			return nil
		}
		log.G(ctx).WithError(err).WithField("device", devPath).Warn("unreadable partition label")
		return nil
	}

	for slot, entry := range label.Entries {
		if !entry.IsUsed() {
			continue
		}
		part := &Partition{Name: fmt.Sprintf("%s%d", name, slot+1)}
		id := entry.UniquePartitionGUID.UUID()
		ix.partitions[id] = part
		log.G(ctx).WithFields(map[string]interface{}{
			"partition": part.Name,
			"uuid":      id.String(),
		}).Info("indexed partition")
	}
	return nil
}
