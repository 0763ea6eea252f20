package realm

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/host/dispatch"
	"github.com/realmkit/realmkit/internal/host/qemu"
	"github.com/realmkit/realmkit/internal/protocol"
)

var (
	// ErrAppExists is returned when an application id is reused inside a
	// realm.
	ErrAppExists = errors.New("application id already exists")

	// ErrAlreadyRunning is returned by Launch while a supervisor is active.
	ErrAlreadyRunning = errors.New("realm is already running")

	// ErrNotRunning is returned by the command operations while no
	// supervisor is active.
	ErrNotRunning = errors.New("realm is not running")

	// ErrNotConnected is returned when a command arrives before the guest's
	// control channel is up.
	ErrNotConnected = errors.New("realm is not connected")
)

// Config is the hypervisor-facing realm configuration.
type Config struct {
	CPU        string
	Machine    string
	CoreCount  int
	RAMSizeMB  int
	TapDevice  string
	MACAddr    string
	VsockCID   uint32
	KernelPath string
}

// Realm is one guest VM: configuration, applications, and (once launched)
// the supervisor owning the hypervisor process and vsock stream.
type Realm struct {
	id      string
	workdir string
	config  Config
	apps    map[string]*Application

	// Owned by the supervisor between Launch and its exit.
	requests  chan request
	responses chan response
	done      chan struct{}
}

type request struct {
	cmd protocol.Command
}

type response struct {
	resp protocol.Response
	err  error
}

// New registers a realm and creates its workdir.
func New(id, workdir string, config Config) (*Realm, error) {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create workdir for realm %s", id)
	}
	return &Realm{
		id:      id,
		workdir: workdir,
		config:  config,
		apps:    make(map[string]*Application),
	}, nil
}

// ID returns the realm id.
func (r *Realm) ID() string { return r.id }

// Config returns the realm configuration.
func (r *Realm) Config() Config { return r.config }

// Apps returns the application ids defined in this realm.
func (r *Realm) Apps() []string {
	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	return ids
}

// CreateApplication defines a new application and provisions its disks.
func (r *Realm) CreateApplication(ctx context.Context, id string, config AppConfig) error {
	if _, ok := r.apps[id]; ok {
		return errors.Wrapf(ErrAppExists, "%s", id)
	}
	app, err := NewApplication(ctx, filepath.Join(r.workdir, id), id, config)
	if err != nil {
		return err
	}
	r.apps[id] = app
	return nil
}

// Running reports whether a supervisor currently owns the realm.
func (r *Realm) Running() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// info assembles the RealmInfo frame pushed to the guest on connect.
func (r *Realm) info() protocol.RealmInfo {
	apps := make(map[string]protocol.ApplicationInfo, len(r.apps))
	for id, app := range r.apps {
		apps[id] = app.Info()
	}
	return protocol.RealmInfo{Apps: apps}
}

// Launch starts the hypervisor and installs the realm supervisor. The
// supervisor owns the child process and the vsock stream; all further
// interaction goes through the request channel.
func (r *Realm) Launch(ctx context.Context, runner *qemu.Runner, dispatcher *dispatch.ConnectionDispatcher) error {
	if r.Running() {
		return errors.Wrapf(ErrAlreadyRunning, "%s", r.id)
	}

	runner.
		CPU(r.config.CPU).
		Machine(r.config.Machine).
		CoreCount(r.config.CoreCount).
		RAMSizeMB(r.config.RAMSizeMB).
		TapDevice(r.config.TapDevice).
		MACAddr(r.config.MACAddr).
		VsockCID(r.config.VsockCID).
		Kernel(r.config.KernelPath).
		SerialFile(filepath.Join(r.workdir, "console.log"))
	for _, app := range r.apps {
		app.Configure(runner)
	}

	instance, err := runner.Launch(ctx)
	if err != nil {
		return err
	}
	streamCh, err := dispatcher.RequestStream(r.config.VsockCID)
	if err != nil {
		// The child is useless without a control channel; don't leak it.
		_ = instance.Cmd.Process.Kill()
		_ = instance.Cmd.Wait()
		return err
	}

	r.requests = make(chan request, 1)
	r.responses = make(chan response, 1)
	r.done = make(chan struct{})
	go r.supervise(ctx, instance, streamCh)
	return nil
}

// command pushes one command to the supervisor and awaits its reply.
func (r *Realm) command(cmd protocol.Command) (protocol.Response, error) {
	if r.requests == nil {
		return protocol.Response{}, errors.Wrapf(ErrNotRunning, "%s", r.id)
	}
	select {
	case r.requests <- request{cmd: cmd}:
	case <-r.done:
		return protocol.Response{}, errors.Wrapf(ErrNotRunning, "%s", r.id)
	}
	select {
	case resp := <-r.responses:
		return resp.resp, resp.err
	case <-r.done:
		select {
		case resp := <-r.responses:
			return resp.resp, resp.err
		default:
			return protocol.Response{}, errors.Wrapf(ErrNotRunning, "%s", r.id)
		}
	}
}

// Shutdown asks the guest to stop and waits for its acknowledgement and the
// supervisor's exit.
func (r *Realm) Shutdown() error {
	if _, err := r.command(protocol.Shutdown()); err != nil {
		return err
	}
	<-r.done
	return nil
}

// StartApp forwards a start command to the guest.
func (r *Realm) StartApp(id string) (protocol.Response, error) {
	return r.command(protocol.StartApp(id))
}

// TerminateApp forwards a graceful stop to the guest.
func (r *Realm) TerminateApp(id string) (protocol.Response, error) {
	return r.command(protocol.TerminateApp(id))
}

// KillApp forwards a forced stop to the guest.
func (r *Realm) KillApp(id string) (protocol.Response, error) {
	return r.command(protocol.KillApp(id))
}

// Wait blocks until the supervisor exits. It is a no-op for a realm that
// never launched.
func (r *Realm) Wait() {
	if r.done != nil {
		<-r.done
	}
}
