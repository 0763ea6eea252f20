// Package realm holds the host-side bookkeeping for guest VMs: their
// configuration, their applications' backing disks, and the supervisor that
// owns the running hypervisor and its control channel.
package realm

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/host/disk"
	"github.com/realmkit/realmkit/internal/host/qemu"
	"github.com/realmkit/realmkit/internal/protocol"
)

// AppConfig sizes an application's two storage disks and optionally names
// the registry image it is provisioned from on first boot.
type AppConfig struct {
	MainStorageMB   int64
	SecureStorageMB int64
	ProvisionFrom   *uuid.UUID
}

// Application is the host-side view of one workload: its workdir and the
// two GPT-labeled disks handed to the guest.
type Application struct {
	id      string
	workdir string
	config  AppConfig

	mainStorage   *disk.QEMUDisk
	secureStorage *disk.QEMUDisk
}

// NewApplication creates the application's workdir and both disks. Existing
// disks of the declared size are reused, keeping their partition GUIDs.
func NewApplication(ctx context.Context, workdir, id string, config AppConfig) (*Application, error) {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create workdir for application %s", id)
	}

	mainStorage, err := disk.New(ctx, filepath.Join(workdir, "main.raw"), config.MainStorageMB)
	if err != nil {
		return nil, errors.Wrapf(err, "main storage of application %s", id)
	}
	secureStorage, err := disk.New(ctx, filepath.Join(workdir, "secure.raw"), config.SecureStorageMB)
	if err != nil {
		return nil, errors.Wrapf(err, "secure storage of application %s", id)
	}

	return &Application{
		id:            id,
		workdir:       workdir,
		config:        config,
		mainStorage:   mainStorage,
		secureStorage: secureStorage,
	}, nil
}

// Configure attaches both disks to the hypervisor command line.
func (a *Application) Configure(runner *qemu.Runner) {
	runner.BlockDevice(a.mainStorage.Path())
	runner.BlockDevice(a.secureStorage.Path())
}

// Info returns the identity block pushed to the guest in RealmInfo.
func (a *Application) Info() protocol.ApplicationInfo {
	info := protocol.ApplicationInfo{
		MainPartitionUUID:   a.mainStorage.PartitionGUID(),
		SecurePartitionUUID: a.secureStorage.PartitionGUID(),
	}
	if a.config.ProvisionFrom != nil {
		info.ProvisionInfo = &protocol.ProvisionInfo{UUID: *a.config.ProvisionFrom}
	}
	return info
}
