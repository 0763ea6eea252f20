//go:build linux

// Package devicemapper drives the kernel device-mapper through its control
// device. It exposes the slice of the interface the realm manager needs:
// create a named device, load a single-target table, resume, suspend, and
// recover the block-device node from sysfs.
package devicemapper

import (
	"os"
	"path"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/guest/linux"
)

// Test dependencies
var (
	openControlWrapper = openControl
	osReadDir          = os.ReadDir
	osReadFile         = os.ReadFile
)

//nolint:stylecheck // ST1003: ALL_CAPS
const (
	_DM_IOCTL      = 0xfd
	_DM_IOCTL_SIZE = 312
	_DM_IOCTL_BASE = linux.IocWRBase | _DM_IOCTL<<linux.IocTypeShift | _DM_IOCTL_SIZE<<linux.IocSizeShift

	_DM_SUSPEND_FLAG = 1 << 1
)

//nolint:stylecheck // ST1003: ALL_CAPS
const (
	_DM_VERSION = iota
	_DM_REMOVE_ALL
	_DM_LIST_DEVICES
	_DM_DEV_CREATE
	_DM_DEV_REMOVE
	_DM_DEV_RENAME
	_DM_DEV_SUSPEND
	_DM_DEV_STATUS
	_DM_DEV_WAIT
	_DM_TABLE_LOAD
)

var dmOpName = []string{
	"version",
	"remove all",
	"list devices",
	"device create",
	"device remove",
	"device rename",
	"device suspend",
	"device status",
	"device wait",
	"table load",
}

const maxNameLen = 127

type dmIoctl struct {
	Version     [3]uint32
	DataSize    uint32
	DataStart   uint32
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNumber uint32
	_           uint32
	Dev         uint64
	Name        [128]byte
	UUID        [129]byte
	_           [7]byte
}

type targetSpec struct {
	SectorStart    int64
	LengthInBlocks int64
	Status         int32
	Next           uint32
	Type           [16]byte
}

// OpError is a device-mapper ioctl failure carrying the operation name.
type OpError struct {
	Op  int
	Err error
}

func (e *OpError) Error() string {
	op := "<bad operation>"
	if e.Op < len(dmOpName) {
		op = dmOpName[e.Op]
	}
	return "device-mapper " + op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// NotInSysfsError is returned by Path when the mapped device has no block
// node registered yet; resuming the device makes it appear.
type NotInSysfsError struct {
	Name string
}

func (e *NotInSysfsError) Error() string {
	return "device " + e.Name + " doesn't show as a block device, resume?"
}

// initIoctl initializes a device-mapper ioctl input struct with the given
// size and device name.
func initIoctl(d *dmIoctl, size int, name string) {
	*d = dmIoctl{
		Version:  [3]uint32{4, 0, 0},
		DataSize: uint32(size),
	}
	copy(d.Name[:], name)
}

func ioctl(f *os.File, code int, data *dmIoctl) error {
	if err := linux.Ioctl(f, code|_DM_IOCTL_BASE, unsafe.Pointer(data)); err != nil {
		return &OpError{Op: code, Err: err}
	}
	return nil
}

// openControl opens the device-mapper control device and validates that it
// speaks the expected interface version.
func openControl() (f *os.File, err error) {
	f, err = os.OpenFile("/dev/mapper/control", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()
	var d dmIoctl
	initIoctl(&d, int(unsafe.Sizeof(d)), "")
	if err = ioctl(f, _DM_VERSION, &d); err != nil {
		return nil, err
	}
	return f, nil
}

// DM is an open handle on the device-mapper control device.
type DM struct {
	f *os.File
}

// Open opens /dev/mapper/control.
func Open() (*DM, error) {
	f, err := openControlWrapper()
	if err != nil {
		return nil, errors.Wrap(err, "open device-mapper control")
	}
	return &DM{f: f}, nil
}

// Close releases the control device.
func (dm *DM) Close() error {
	return dm.f.Close()
}

// ValidateName checks a proposed device name against the kernel's dm-name
// rules before it is copied into the fixed-size ioctl field.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("device name is empty")
	}
	if len(name) > maxNameLen {
		return errors.Errorf("device name %q exceeds %d bytes", name, maxNameLen)
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return errors.Errorf("device name %q contains forbidden characters", name)
	}
	return nil
}

// Device is a created device-mapper mapping. It is inert until a table is
// loaded and the device resumed.
type Device struct {
	dm   *DM
	name string
	dev  uint64
}

// Create registers a new mapping named name.
func (dm *DM) Create(name string) (*Device, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var d dmIoctl
	initIoctl(&d, int(unsafe.Sizeof(d)), name)
	if err := ioctl(dm.f, _DM_DEV_CREATE, &d); err != nil {
		return nil, errors.Wrapf(err, "create device %q", name)
	}
	return &Device{dm: dm, name: name, dev: d.Dev}, nil
}

// Name returns the mapping name.
func (d *Device) Name() string { return d.name }

// Target is a single entry in a device's table specification.
type Target struct {
	Type           string
	SectorStart    int64
	LengthInBlocks int64
	Params         string
}

// sizeof returns the size of a targetSpec needed to fit this specification,
// with a null terminator, rounded up to 8-byte alignment.
func (t *Target) sizeof() int {
	return (int(unsafe.Sizeof(targetSpec{})) + len(t.Params) + 1 + 7) &^ 7
}

// makeTableIoctl builds an ioctl input structure with a table of the
// specified targets.
func makeTableIoctl(name string, targets []Target) *dmIoctl {
	off := int(unsafe.Sizeof(dmIoctl{}))
	n := off
	for _, t := range targets {
		n += t.sizeof()
	}
	b := make([]byte, n)
	d := (*dmIoctl)(unsafe.Pointer(&b[0]))
	initIoctl(d, n, name)
	d.DataStart = uint32(off)
	d.TargetCount = uint32(len(targets))
	for _, t := range targets {
		spec := (*targetSpec)(unsafe.Pointer(&b[off]))
		sn := t.sizeof()
		spec.SectorStart = t.SectorStart
		spec.LengthInBlocks = t.LengthInBlocks
		spec.Next = uint32(sn)
		copy(spec.Type[:], t.Type)
		copy(b[off+int(unsafe.Sizeof(*spec)):], t.Params)
		off += sn
	}
	return d
}

// TableLoad loads the inactive table slot with targets. The table becomes
// live on the next Resume.
func (d *Device) TableLoad(targets []Target) error {
	di := makeTableIoctl(d.name, targets)
	if err := ioctl(d.dm.f, _DM_TABLE_LOAD, di); err != nil {
		return errors.Wrapf(err, "load table of %q", d.name)
	}
	return nil
}

// Resume activates the loaded table. The kernel exposes resume as the
// suspend ioctl with the DM_SUSPEND flag cleared.
func (d *Device) Resume() error {
	return d.suspend(0)
}

// Suspend quiesces the device.
func (d *Device) Suspend() error {
	return d.suspend(_DM_SUSPEND_FLAG)
}

func (d *Device) suspend(flags uint32) error {
	var di dmIoctl
	initIoctl(&di, int(unsafe.Sizeof(di)), d.name)
	di.Flags = flags
	if err := ioctl(d.dm.f, _DM_DEV_SUSPEND, &di); err != nil {
		return errors.Wrapf(err, "suspend of %q", d.name)
	}
	return nil
}

// Remove tears the mapping down.
func (d *Device) Remove() error {
	var di dmIoctl
	initIoctl(&di, int(unsafe.Sizeof(di)), d.name)
	if err := ioctl(d.dm.f, _DM_DEV_REMOVE, &di); err != nil {
		return errors.Wrapf(err, "remove device %q", d.name)
	}
	return nil
}

// Path locates the mapped block-device node by scanning
// /sys/class/block/*/dm/name for the mapping name. The device must have been
// resumed at least once for the node to exist.
func (d *Device) Path() (string, error) {
	entries, err := osReadDir("/sys/class/block")
	if err != nil {
		return "", errors.Wrap(err, "enumerate block devices")
	}
	for _, e := range entries {
		b, err := osReadFile(path.Join("/sys/class/block", e.Name(), "dm/name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == d.name {
			return path.Join("/dev", e.Name()), nil
		}
	}
	return "", &NotInSysfsError{Name: d.name}
}
