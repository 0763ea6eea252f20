// Package qemu composes and launches the guest hypervisor command line.
package qemu

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/log"
)

const defaultBinary = "/usr/bin/qemu-system-aarch64"

// Binary resolves the hypervisor binary path, honoring the QEMU_BIN
// override.
func Binary() string {
	if p := os.Getenv("QEMU_BIN"); p != "" {
		return p
	}
	return defaultBinary
}

// Runner accumulates hypervisor arguments. Methods mirror the pieces of a
// realm configuration; Arg is the escape hatch for anything else.
type Runner struct {
	path string
	args []string
}

// NewRunner returns a runner for the configured hypervisor binary.
func NewRunner() *Runner {
	return &Runner{path: Binary()}
}

func (r *Runner) CPU(ty string) *Runner {
	r.args = append(r.args, "-cpu", ty)
	return r
}

func (r *Runner) Machine(ty string) *Runner {
	r.args = append(r.args, "-machine", ty)
	return r
}

func (r *Runner) CoreCount(n int) *Runner {
	r.args = append(r.args, "-smp", fmt.Sprintf("%d", n))
	return r
}

func (r *Runner) RAMSizeMB(sizeMB int) *Runner {
	r.args = append(r.args, "-m", fmt.Sprintf("%d", sizeMB))
	return r
}

func (r *Runner) TapDevice(name string) *Runner {
	r.args = append(r.args, "-netdev",
		fmt.Sprintf("tap,id=mynet0,ifname=%s,script=no,downscript=no", name))
	return r
}

func (r *Runner) MACAddr(addr string) *Runner {
	r.args = append(r.args, "-device",
		fmt.Sprintf("e1000,netdev=mynet0,mac=%s", addr))
	return r
}

func (r *Runner) VsockCID(cid uint32) *Runner {
	r.args = append(r.args, "-device",
		fmt.Sprintf("vhost-vsock-pci,id=vhost-vsock-pci0,guest-cid=%d", cid))
	return r
}

func (r *Runner) Kernel(image string) *Runner {
	r.args = append(r.args, "-kernel", image)
	return r
}

func (r *Runner) BlockDevice(path string) *Runner {
	r.args = append(r.args, "-drive", fmt.Sprintf("file=%s", path))
	return r
}

// SerialFile routes the guest serial console to a host file.
func (r *Runner) SerialFile(path string) *Runner {
	r.args = append(r.args, "-serial", fmt.Sprintf("file:%s", path))
	return r
}

func (r *Runner) Arg(arg ...string) *Runner {
	r.args = append(r.args, arg...)
	return r
}

// Args returns the accumulated argument vector, without the binary path.
func (r *Runner) Args() []string {
	return append([]string(nil), r.args...)
}

// Instance is a launched hypervisor process with its output pipes attached.
type Instance struct {
	Cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Launch spawns the hypervisor. Stdout and stderr are piped so the realm
// supervisor can forward them to the log.
func (r *Runner) Launch(ctx context.Context) (*Instance, error) {
	log.G(ctx).WithFields(map[string]interface{}{
		"binary": r.path,
		"args":   r.args,
	}).Debug("launching hypervisor")

	cmd := exec.Command(r.path, r.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "hypervisor stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "hypervisor stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start hypervisor %s", r.path)
	}
	return &Instance{Cmd: cmd, Stdout: stdout, Stderr: stderr}, nil
}
