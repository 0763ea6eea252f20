//go:build linux

// Package manager drives the guest side of a realm: it decrypts and mounts
// application storage, installs measured images, launches workloads, and
// serves the host's commands over the vsock control channel.
package manager

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/linuxkit/virtsock/pkg/vsock"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/guest/network"
	"github.com/realmkit/realmkit/internal/guest/storage/blockdev"
	"github.com/realmkit/realmkit/internal/guest/storage/crypt"
	"github.com/realmkit/realmkit/internal/guest/storage/devicemapper"
	"github.com/realmkit/realmkit/internal/keys"
	"github.com/realmkit/realmkit/internal/log"
	"github.com/realmkit/realmkit/internal/protocol"
	"github.com/realmkit/realmkit/internal/registry"
)

// Test dependencies
var dialVsock = func(port uint32) (net.Conn, error) {
	return vsock.Dial(vsock.CIDHost, port)
}

// Ctx is the state shared immutably by every application after setup.
type Ctx struct {
	Workdir string
	Disks   *blockdev.Index
	DM      *devicemapper.DM
	Keys    keys.SealingProvider
	Crypto  crypt.Params
}

// appHandle is the slice of Application the command loop needs; the
// indirection keeps the loop testable without kernel access.
type appHandle interface {
	Start(ctx context.Context) error
	Terminate() (int32, error)
	Kill() (int32, error)
}

// AppManager owns the guest's applications and the host control channel.
type AppManager struct {
	cfg    *Config
	shared *Ctx
	conn   net.Conn
	apps   map[string]appHandle
}

// Setup initializes the shared context and connects to the host: network
// up, partition index built, device-mapper opened, sealing provider
// constructed, vsock dialed.
func Setup(ctx context.Context, cfg *Config) (*AppManager, error) {
	if err := network.Setup(ctx, cfg.Network); err != nil {
		return nil, errors.Wrap(err, "network setup")
	}

	disks, err := blockdev.Discover(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "discover block devices")
	}
	dm, err := devicemapper.Open()
	if err != nil {
		return nil, err
	}
	provider, err := keys.New(ctx, cfg.Sealing)
	if err != nil {
		return nil, err
	}

	conn, err := connect(ctx, cfg.VsockPort)
	if err != nil {
		return nil, err
	}

	return &AppManager{
		cfg: cfg,
		shared: &Ctx{
			Workdir: cfg.Workdir,
			Disks:   disks,
			DM:      dm,
			Keys:    provider,
			Crypto:  cfg.Crypto,
		},
		conn: conn,
		apps: make(map[string]appHandle),
	}, nil
}

// connect dials the host control port, retrying while the vsock device
// settles during early boot.
func connect(ctx context.Context, port uint32) (net.Conn, error) {
	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = dialVsock(port)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 50), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, errors.Wrapf(err, "dial host vsock port %d", port)
	}
	log.G(ctx).WithField("port", port).Info("connected to host")
	return conn, nil
}

// ReadRealmInfo receives the provisioning push the host sends first on
// every connection.
func (m *AppManager) ReadRealmInfo(ctx context.Context) (*protocol.RealmInfo, error) {
	var info protocol.RealmInfo
	if err := protocol.ReadFrame(m.conn, &info); err != nil {
		return nil, errors.Wrap(err, "read realm info")
	}
	log.G(ctx).WithField("apps", len(info.Apps)).Info("received realm info")
	return &info, nil
}

// ProvisionApplications runs the full storage pipeline for every announced
// application: decrypt both partitions, install or validate the image,
// prepare secure memory, mount the overlay.
func (m *AppManager) ProvisionApplications(ctx context.Context, info *protocol.RealmInfo) error {
	fetcher, err := registry.NewHTTPFetcher(m.cfg.ImageRegistry)
	if err != nil {
		return err
	}
	for id, appInfo := range info.Apps {
		appCtx := log.S(ctx, map[string]interface{}{"app": id})
		app, err := NewApplication(id, m.shared, appInfo)
		if err != nil {
			return err
		}
		if err := app.DecryptMainStorage(appCtx); err != nil {
			return errors.Wrapf(err, "application %s", id)
		}
		if err := app.DecryptSecureStorage(appCtx); err != nil {
			return errors.Wrapf(err, "application %s", id)
		}
		if err := app.ProvisionAppImage(appCtx, fetcher); err != nil {
			return errors.Wrapf(err, "application %s", id)
		}
		if err := app.ProvisionSecureMemory(appCtx); err != nil {
			return errors.Wrapf(err, "application %s", id)
		}
		if err := app.MountOverlay(appCtx); err != nil {
			return errors.Wrapf(err, "application %s", id)
		}
		m.apps[id] = app
	}
	return nil
}

// LaunchApplications starts every provisioned application.
func (m *AppManager) LaunchApplications(ctx context.Context) error {
	for id, app := range m.apps {
		if err := app.Start(ctx); err != nil {
			return errors.Wrapf(err, "launch application %s", id)
		}
	}
	return nil
}

// CommandLoop serves host commands until Shutdown arrives or the stream
// closes. Exactly one response is written per command.
func (m *AppManager) CommandLoop(ctx context.Context) error {
	for {
		var cmd protocol.Command
		if err := protocol.ReadFrame(m.conn, &cmd); err != nil {
			if err == io.EOF {
				log.G(ctx).Info("host closed the control channel")
				return nil
			}
			return errors.Wrap(err, "read command")
		}

		resp, shutdown := m.dispatch(ctx, cmd)
		if err := protocol.WriteFrame(m.conn, resp); err != nil {
			return errors.Wrap(err, "write response")
		}
		if shutdown {
			log.G(ctx).Info("shutdown acknowledged")
			return nil
		}
	}
}

func (m *AppManager) dispatch(ctx context.Context, cmd protocol.Command) (protocol.Response, bool) {
	entry := log.G(ctx).WithFields(map[string]interface{}{
		"command": string(cmd.Kind),
		"app":     cmd.AppID,
	})
	entry.Info("dispatching command")

	switch cmd.Kind {
	case protocol.CmdShutdown:
		return protocol.Ok, true

	case protocol.CmdStartApp:
		app, ok := m.apps[cmd.AppID]
		if !ok {
			entry.Warn("unknown application")
			return protocol.Ok, false
		}
		if err := app.Start(ctx); err != nil {
			entry.WithError(err).Error("start failed")
		}
		return protocol.Ok, false

	case protocol.CmdTerminateApp:
		app, ok := m.apps[cmd.AppID]
		if !ok {
			entry.Warn("unknown application")
			return protocol.Ok, false
		}
		status, err := app.Terminate()
		if err != nil {
			entry.WithError(err).Error("terminate failed")
			return protocol.Ok, false
		}
		return protocol.ExitStatus(status), false

	case protocol.CmdKillApp:
		app, ok := m.apps[cmd.AppID]
		if !ok {
			entry.Warn("unknown application")
			return protocol.Ok, false
		}
		status, err := app.Kill()
		if err != nil {
			entry.WithError(err).Error("kill failed")
			return protocol.Ok, false
		}
		return protocol.ExitStatus(status), false

	default:
		entry.Warn("unknown command")
		return protocol.Ok, false
	}
}

// Run executes the whole guest lifecycle on an established manager.
func (m *AppManager) Run(ctx context.Context) error {
	defer m.conn.Close()

	info, err := m.ReadRealmInfo(ctx)
	if err != nil {
		return err
	}
	if err := m.ProvisionApplications(ctx, info); err != nil {
		return err
	}
	if err := m.LaunchApplications(ctx); err != nil {
		return err
	}
	log.G(ctx).Info("ready")
	return m.CommandLoop(ctx)
}
