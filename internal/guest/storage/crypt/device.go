//go:build linux

package crypt

import (
	"github.com/realmkit/realmkit/internal/guest/storage/devicemapper"
)

// Device is a device-mapper device dedicated to a crypt target.
type Device struct {
	*devicemapper.Device
}

// NewDevice wraps an existing device-mapper device.
func NewDevice(d *devicemapper.Device) *Device {
	return &Device{Device: d}
}

// Load composes the crypt target line for table and loads it as the device's
// single table entry. The device must be resumed afterwards before use.
func (d *Device) Load(table Table, devPath string, key Key) error {
	params, err := table.TargetLine(key, devPath)
	if err != nil {
		return err
	}
	return d.TableLoad([]devicemapper.Target{{
		Type:           "crypt",
		SectorStart:    int64(table.Start),
		LengthInBlocks: int64(table.Length),
		Params:         params,
	}})
}
