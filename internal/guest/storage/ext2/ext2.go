//go:build linux

// Package ext2 formats and mounts the ext2 filesystems carried on decrypted
// realm partitions.
package ext2

import (
	"context"
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/realmkit/realmkit/internal/log"
)

const mkfsBinary = "/bin/mkfs.ext2"

// Test dependencies
var (
	runMkfs   = runMkfsCommand
	unixMount = unix.Mount
)

func runMkfsCommand(args []string) ([]byte, error) {
	cmd := exec.Command(mkfsBinary, args...)
	return cmd.CombinedOutput()
}

// Format runs mkfs.ext2 on devPath, labeling the filesystem when label is
// non-empty. A non-zero exit fails the operation: an unformatted store is
// unusable and silently continuing would mask it.
func Format(ctx context.Context, devPath string, label string) error {
	var args []string
	if label != "" {
		args = append(args, "-L", label)
	}
	args = append(args, devPath)

	output, err := runMkfs(args)
	log.G(ctx).WithFields(map[string]interface{}{
		"device": devPath,
		"output": string(output),
	}).Debug("mkfs.ext2 finished")
	if err != nil {
		return errors.Wrapf(err, "mkfs.ext2 on %s failed: %s", devPath, string(output))
	}
	return nil
}

// Mount mounts the ext2 filesystem on devPath at target.
func Mount(devPath, target string) error {
	if err := unixMount(devPath, target, "ext2", 0, ""); err != nil {
		return errors.Wrapf(err, "mount %s at %s", devPath, target)
	}
	return nil
}
