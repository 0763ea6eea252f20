//go:build linux

package image

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/moby/sys/user"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/log"
)

var (
	// ErrEmptyArgv is returned by Launch when neither entrypoint nor cmd
	// produce an argument vector.
	ErrEmptyArgv = errors.New("argv is empty")

	// ErrNotRunning is returned by the control operations before Launch has
	// been called.
	ErrNotRunning = errors.New("application is not running")
)

// Test dependencies
var (
	lookupUser  = user.LookupUser
	lookupGroup = user.LookupGroup
	osGetuid    = os.Getuid
	osGetgid    = os.Getgid
)

type request int

const (
	requestStop request = iota
	requestKill
	requestWait
)

// Launcher spawns the container entrypoint chroot'd into its unpacked
// rootfs and supervises the resulting process.
type Launcher struct {
	rootfs string
	config *ocispec.Image

	mu        sync.Mutex
	requests  chan request
	responses chan int32
	done      chan struct{}
}

// NewLauncher returns an idle launcher for the given rootfs and container
// config.
func NewLauncher(rootfs string, config *ocispec.Image) *Launcher {
	return &Launcher{rootfs: rootfs, config: config}
}

// Rootfs returns the unpacked root filesystem path.
func (l *Launcher) Rootfs() string { return l.rootfs }

// Rebase points the launcher at a different copy of its rootfs, e.g. the
// overlaid one once a writable upper layer has been mounted over the
// install directory. Only valid before Launch.
func (l *Launcher) Rebase(rootfs string) { l.rootfs = rootfs }

// Argv returns entrypoint ++ cmd when an entrypoint is set, else cmd alone.
func (l *Launcher) Argv() []string {
	cfg := l.config.Config
	if len(cfg.Entrypoint) > 0 {
		return append(append([]string(nil), cfg.Entrypoint...), cfg.Cmd...)
	}
	return append([]string(nil), cfg.Cmd...)
}

// Env normalizes the config's environment lines; a line without '=' becomes
// an empty-valued variable.
func (l *Launcher) Env() []string {
	env := make([]string, 0, len(l.config.Config.Env))
	for _, line := range l.config.Config.Env {
		if !strings.Contains(line, "=") {
			line += "="
		}
		env = append(env, line)
	}
	return env
}

// resolveID turns one side of a `uid[:gid]` user field into a numeric id.
// Decimal values pass through; names are resolved via the system database
// with lookup. Unknown names fall back to the caller's id.
func resolveID(value string, lookup func(string) (int, error), fallback int) uint32 {
	if id, err := strconv.ParseUint(value, 10, 32); err == nil {
		return uint32(id)
	}
	if id, err := lookup(value); err == nil {
		return uint32(id)
	}
	return uint32(fallback)
}

// Credentials resolves the config's User field. Resolution happens against
// the system user database of the manager, before the chroot.
func (l *Launcher) Credentials() (uid, gid uint32) {
	uid, gid = uint32(osGetuid()), uint32(osGetgid())

	field := l.config.Config.User
	if field == "" {
		return uid, gid
	}
	uidPart, gidPart, hasGid := strings.Cut(field, ":")
	uid = resolveID(uidPart, func(name string) (int, error) {
		u, err := lookupUser(name)
		if err != nil {
			return 0, err
		}
		return u.Uid, nil
	}, osGetuid())
	if hasGid {
		gid = resolveID(gidPart, func(name string) (int, error) {
			g, err := lookupGroup(name)
			if err != nil {
				return 0, err
			}
			return g.Gid, nil
		}, osGetgid())
	}
	return uid, gid
}

// Launch spawns the entrypoint and installs its supervisor. The child is
// chroot'd into the rootfs, moved to the config's working directory and
// dropped to the resolved credentials before exec.
func (l *Launcher) Launch(ctx context.Context) error {
	argv := l.Argv()
	if len(argv) == 0 {
		return ErrEmptyArgv
	}
	uid, gid := l.Credentials()

	dir := "/"
	if wd := l.config.Config.WorkingDir; wd != "" {
		dir = wd
	}

	// The path is resolved by the kernel inside the chroot at exec time, so
	// the Cmd is built directly rather than through exec.Command's host-side
	// path lookup.
	cmd := &exec.Cmd{
		Path: argv[0],
		Args: argv,
		Env:  l.Env(),
		Dir:  dir,
		SysProcAttr: &syscall.SysProcAttr{
			Chroot:     l.rootfs,
			Credential: &syscall.Credential{Uid: uid, Gid: gid},
		},
		Stdin: nil,
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "application stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "application stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "spawn application %s", argv[0])
	}
	log.G(ctx).WithFields(map[string]interface{}{
		"argv": argv,
		"pid":  cmd.Process.Pid,
		"uid":  uid,
		"gid":  gid,
	}).Info("application launched")

	l.mu.Lock()
	l.requests = make(chan request, 1)
	l.responses = make(chan int32, 1)
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.supervise(ctx, cmd, stdout, stderr)
	return nil
}

func logLines(ctx context.Context, name string, r *bufio.Scanner) {
	for r.Scan() {
		log.G(ctx).WithField("stream", name).Info(r.Text())
	}
}

// supervise owns the child once launched. It drains the output pipes into
// the log, reaps the child, and answers stop/kill/wait requests with the
// raw exit status.
func (l *Launcher) supervise(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader) {
	defer close(l.done)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		logLines(ctx, "stdout", bufio.NewScanner(stdout))
	}()
	go func() {
		defer pipes.Done()
		logLines(ctx, "stderr", bufio.NewScanner(stderr))
	}()

	waitCh := make(chan int32, 1)
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		waitCh <- rawWaitStatus(cmd, err)
	}()

	select {
	case req := <-l.requests:
		switch req {
		case requestStop:
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				log.G(ctx).WithError(err).Warn("failed to deliver SIGTERM")
			}
		case requestKill:
			if err := cmd.Process.Signal(syscall.SIGKILL); err != nil {
				log.G(ctx).WithError(err).Warn("failed to deliver SIGKILL")
			}
		case requestWait:
		}
		status := <-waitCh
		log.G(ctx).WithField("status", status).Info("application exited")
		l.responses <- status
	case status := <-waitCh:
		log.G(ctx).WithField("status", status).Info("application exited")
	}
}

func rawWaitStatus(cmd *exec.Cmd, err error) int32 {
	if cmd.ProcessState != nil {
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			return int32(ws)
		}
	}
	if err != nil {
		return -1
	}
	return 0
}

// control pushes one request to the supervisor and awaits the exit status.
func (l *Launcher) control(req request) (int32, error) {
	l.mu.Lock()
	requests, responses, done := l.requests, l.responses, l.done
	l.mu.Unlock()
	if requests == nil {
		return 0, ErrNotRunning
	}
	select {
	case requests <- req:
	case <-done:
		return 0, errors.Wrap(ErrNotRunning, "application already exited")
	}
	select {
	case status := <-responses:
		return status, nil
	case <-done:
		// The supervisor buffers its response before exiting; pick it up if
		// it raced with the shutdown.
		select {
		case status := <-responses:
			return status, nil
		default:
			return 0, errors.Wrap(ErrNotRunning, "application already exited")
		}
	}
}

// Stop delivers SIGTERM and returns the raw exit status.
func (l *Launcher) Stop() (int32, error) { return l.control(requestStop) }

// Kill delivers SIGKILL and returns the raw exit status.
func (l *Launcher) Kill() (int32, error) { return l.control(requestKill) }

// Wait blocks until the application exits and returns the raw exit status.
func (l *Launcher) Wait() (int32, error) { return l.control(requestWait) }
