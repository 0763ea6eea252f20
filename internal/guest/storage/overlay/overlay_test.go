//go:build linux

package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func clearTestDependencies() {
	osMkdirAll = os.MkdirAll
	osRemoveAll = os.RemoveAll
	unixMount = unix.Mount
}

func TestMountComposesOptions(t *testing.T) {
	clearTestDependencies()
	t.Cleanup(clearTestDependencies)

	base := t.TempDir()
	lower := filepath.Join(base, "main")
	upper := filepath.Join(base, "secure", "data")
	work := filepath.Join(base, "secure", "work")
	target := filepath.Join(base, "root")

	var gotSource, gotTarget, gotFstype, gotData string
	unixMount = func(source string, target string, fstype string, flags uintptr, data string) error {
		gotSource, gotTarget, gotFstype, gotData = source, target, fstype, data
		return nil
	}

	if err := Mount(context.Background(), lower, upper, work, target); err != nil {
		t.Fatal(err)
	}
	if gotSource != "overlay" || gotFstype != "overlay" {
		t.Errorf("source/fstype = %q/%q, want overlay/overlay", gotSource, gotFstype)
	}
	if gotTarget != target {
		t.Errorf("target = %q, want %q", gotTarget, target)
	}
	wantData := "lowerdir=" + lower + ",upperdir=" + upper + ",workdir=" + work
	if gotData != wantData {
		t.Errorf("data = %q, want %q", gotData, wantData)
	}

	// All four paths exist after a successful mount.
	for _, dir := range []string{lower, upper, work, target} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("directory %s missing: %v", dir, err)
		}
	}
}

func TestMountFailureKeepsExistingDirs(t *testing.T) {
	clearTestDependencies()
	t.Cleanup(clearTestDependencies)

	base := t.TempDir()
	lower := filepath.Join(base, "main")
	if err := os.MkdirAll(lower, 0755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(lower, "installed.txt")
	if err := os.WriteFile(marker, []byte("rootfs"), 0644); err != nil {
		t.Fatal(err)
	}

	unixMount = func(string, string, string, uintptr, string) error {
		return errors.New("mount failed")
	}

	upper := filepath.Join(base, "secure", "data")
	work := filepath.Join(base, "secure", "work")
	target := filepath.Join(base, "root")
	if err := Mount(context.Background(), lower, upper, work, target); err == nil {
		t.Fatal("expected mount error")
	}

	// The pre-existing lower layer survives, the directories created by the
	// failed mount do not.
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("lower layer content removed: %v", err)
	}
	for _, dir := range []string{upper, work, target} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("directory %s not cleaned up", dir)
		}
	}
}

func TestMountEmptyTarget(t *testing.T) {
	clearTestDependencies()
	if err := Mount(context.Background(), "l", "u", "w", ""); err == nil {
		t.Error("expected error for empty target")
	}
}
