//go:build linux

package manager

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/guest/storage/crypt"
	"github.com/realmkit/realmkit/internal/guest/storage/ext2"
	"github.com/realmkit/realmkit/internal/guest/storage/overlay"
	"github.com/realmkit/realmkit/internal/image"
	"github.com/realmkit/realmkit/internal/log"
	"github.com/realmkit/realmkit/internal/protocol"
	"github.com/realmkit/realmkit/internal/registry"
)

var (
	// ErrStorageNotDecrypted is returned when a mount or provisioning step
	// runs before the backing partition was decrypted.
	ErrStorageNotDecrypted = errors.New("storage is not decrypted")

	// ErrApplicationNotInstalled is returned by the process operations while
	// no launcher has been installed yet.
	ErrApplicationNotInstalled = errors.New("application is not installed")
)

// Application is the guest-side view of one workload: two encrypted
// partitions, the overlay composed from them, and the launcher running the
// container.
type Application struct {
	id      string
	workdir string
	info    protocol.ApplicationInfo
	shared  *Ctx

	main     *crypt.Device
	secure   *crypt.Device
	launcher *image.Launcher
}

// NewApplication creates the application's workdir and returns its handle.
func NewApplication(id string, shared *Ctx, info protocol.ApplicationInfo) (*Application, error) {
	workdir := filepath.Join(shared.Workdir, id)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create workdir for application %s", id)
	}
	return &Application{
		id:      id,
		workdir: workdir,
		info:    info,
		shared:  shared,
	}, nil
}

func (a *Application) mainDir() string   { return filepath.Join(a.workdir, "main") }
func (a *Application) secureDir() string { return filepath.Join(a.workdir, "secure") }
func (a *Application) rootDir() string   { return filepath.Join(a.workdir, "root") }

// decrypt looks the partition up by GUID, creates a crypt mapping named
// after it covering the whole partition, loads the table and resumes.
func (a *Application) decrypt(ctx context.Context, partUUID uuid.UUID, key crypt.Key) (*crypt.Device, error) {
	part, err := a.shared.Disks.ByUUID(partUUID)
	if err != nil {
		return nil, err
	}
	sectors, err := part.SizeSectors()
	if err != nil {
		return nil, err
	}

	dev, err := a.shared.DM.Create(partUUID.String())
	if err != nil {
		return nil, err
	}
	cd := crypt.NewDevice(dev)
	table := crypt.Table{
		Start:  0,
		Length: sectors,
		Params: &a.shared.Crypto,
		Offset: 0,
	}
	if err := cd.Load(table, part.DevPath(), key); err != nil {
		return nil, err
	}
	if err := cd.Resume(); err != nil {
		return nil, err
	}

	log.G(ctx).WithFields(map[string]interface{}{
		"app":       a.id,
		"partition": partUUID.String(),
		"sectors":   sectors,
	}).Info("storage decrypted")
	return cd, nil
}

// DecryptMainStorage opens the persistent storage partition.
func (a *Application) DecryptMainStorage(ctx context.Context) error {
	key, err := a.shared.Keys.ApplicationSealingKey(a.id)
	if err != nil {
		return errors.Wrap(err, "derive main storage key")
	}
	dev, err := a.decrypt(ctx, a.info.MainPartitionUUID, crypt.RawKey(key[:]))
	if err != nil {
		return errors.Wrap(err, "decrypt main storage")
	}
	a.main = dev
	return nil
}

// DecryptSecureStorage opens the per-boot writable partition.
func (a *Application) DecryptSecureStorage(ctx context.Context) error {
	key, err := a.shared.Keys.ApplicationSealingKey(a.id)
	if err != nil {
		return errors.Wrap(err, "derive secure storage key")
	}
	dev, err := a.decrypt(ctx, a.info.SecurePartitionUUID, crypt.RawKey(key[:]))
	if err != nil {
		return errors.Wrap(err, "decrypt secure storage")
	}
	a.secure = dev
	return nil
}

// ProvisionAppImage installs or validates the application image on main
// storage. First boot (ProvisionInfo present) formats the store, mounts it
// and installs the image fetched from the registry against its root of
// trust; later boots mount and validate what is already there.
func (a *Application) ProvisionAppImage(ctx context.Context, fetcher registry.Fetcher) error {
	if a.main == nil {
		return errors.Wrap(ErrStorageNotDecrypted, "main storage")
	}
	devPath, err := a.main.Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.mainDir(), 0755); err != nil {
		return errors.Wrap(err, "create main mount point")
	}

	installer := image.NewInstaller(a.mainDir())
	if a.info.ProvisionInfo == nil {
		if err := ext2.Mount(devPath, a.mainDir()); err != nil {
			return err
		}
		launcher, err := installer.Validate(ctx)
		if err != nil {
			return err
		}
		a.launcher = launcher
		return nil
	}

	if err := ext2.Format(ctx, devPath, "main"); err != nil {
		return err
	}
	if err := ext2.Mount(devPath, a.mainDir()); err != nil {
		return err
	}

	id := a.info.ProvisionInfo.UUID
	manifest, err := fetcher.FetchManifest(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "fetch install manifest %s", id)
	}
	stream, err := fetcher.FetchImage(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "fetch image %s", id)
	}
	defer stream.Close()

	launcher, err := installer.Install(ctx, manifest.RootOfTrust, stream)
	if err != nil {
		return err
	}
	a.launcher = launcher
	return nil
}

// ProvisionSecureMemory formats and mounts the per-boot writable store.
func (a *Application) ProvisionSecureMemory(ctx context.Context) error {
	if a.secure == nil {
		return errors.Wrap(ErrStorageNotDecrypted, "secure storage")
	}
	devPath, err := a.secure.Path()
	if err != nil {
		return err
	}
	if err := ext2.Format(ctx, devPath, "secure"); err != nil {
		return err
	}
	if err := os.MkdirAll(a.secureDir(), 0755); err != nil {
		return errors.Wrap(err, "create secure mount point")
	}
	return ext2.Mount(devPath, a.secureDir())
}

// MountOverlay composes the writable root: main storage below, secure
// storage on top, mounted at workdir/root. The launcher is rebased onto the
// overlaid copy of its rootfs so application writes land on secure storage.
func (a *Application) MountOverlay(ctx context.Context) error {
	if a.launcher == nil {
		return ErrApplicationNotInstalled
	}
	upper := filepath.Join(a.secureDir(), "data")
	work := filepath.Join(a.secureDir(), "work")
	if err := overlay.Mount(ctx, a.mainDir(), upper, work, a.rootDir()); err != nil {
		return err
	}
	rel, err := filepath.Rel(a.mainDir(), a.launcher.Rootfs())
	if err != nil {
		return errors.Wrap(err, "locate rootfs inside overlay")
	}
	a.launcher.Rebase(filepath.Join(a.rootDir(), rel))
	return nil
}

// Start spawns the application process.
func (a *Application) Start(ctx context.Context) error {
	if a.launcher == nil {
		return ErrApplicationNotInstalled
	}
	return a.launcher.Launch(ctx)
}

// Terminate delivers SIGTERM and waits for exit.
func (a *Application) Terminate() (int32, error) {
	if a.launcher == nil {
		return 0, ErrApplicationNotInstalled
	}
	return a.launcher.Stop()
}

// Kill delivers SIGKILL and waits for exit.
func (a *Application) Kill() (int32, error) {
	if a.launcher == nil {
		return 0, ErrApplicationNotInstalled
	}
	return a.launcher.Kill()
}
