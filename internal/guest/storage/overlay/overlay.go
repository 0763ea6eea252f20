//go:build linux

// Package overlay mounts the overlayfs joining an application's persistent
// lower layer with its per-boot upper layer.
package overlay

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/realmkit/realmkit/internal/log"
)

// Test dependencies
var (
	osMkdirAll  = os.MkdirAll
	osRemoveAll = os.RemoveAll
	unixMount   = unix.Mount
)

// Mount overlays lower with upper at target, using work as the overlayfs
// working directory. All four paths are created when absent; directories
// created here are cleaned up again if the mount fails.
func Mount(ctx context.Context, lower, upper, work, target string) (err error) {
	if target == "" {
		return errors.New("cannot have empty target")
	}

	for _, dir := range []string{lower, upper, work, target} {
		if _, statErr := os.Stat(dir); statErr == nil {
			continue
		}
		if err := osMkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "create overlay directory %s", dir)
		}
		// Only directories created here are cleaned up on failure; a
		// populated lower layer must survive a failed mount.
		defer func(dir string) {
			if err != nil {
				osRemoveAll(dir)
			}
		}(dir)
	}

	options := strings.Join([]string{
		"lowerdir=" + lower,
		"upperdir=" + upper,
		"workdir=" + work,
	}, ",")

	log.G(ctx).WithFields(map[string]interface{}{
		"target":  target,
		"options": options,
	}).Debug("mounting overlay")

	if err := unixMount("overlay", target, "overlay", 0, options); err != nil {
		return errors.Wrapf(err, "mount overlayfs at %s", target)
	}
	return nil
}
