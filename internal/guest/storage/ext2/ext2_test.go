//go:build linux

package ext2

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func clearTestDependencies() {
	runMkfs = runMkfsCommand
	unixMount = unix.Mount
}

func TestFormatArgs(t *testing.T) {
	clearTestDependencies()
	t.Cleanup(clearTestDependencies)

	var gotArgs []string
	runMkfs = func(args []string) ([]byte, error) {
		gotArgs = args
		return []byte("mke2fs output"), nil
	}

	if err := Format(context.Background(), "/dev/dm-0", "main"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"-L", "main", "/dev/dm-0"}, gotArgs); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	if err := Format(context.Background(), "/dev/dm-1", ""); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"/dev/dm-1"}, gotArgs); diff != "" {
		t.Errorf("args without label mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatFailureIsFatal(t *testing.T) {
	clearTestDependencies()
	t.Cleanup(clearTestDependencies)

	runMkfs = func([]string) ([]byte, error) {
		return []byte("mkfs.ext2: Device size reported to be zero"), errors.New("exit status 1")
	}
	if err := Format(context.Background(), "/dev/dm-0", ""); err == nil {
		t.Error("expected error when mkfs exits non-zero")
	}
}

func TestMountPassesFstype(t *testing.T) {
	clearTestDependencies()
	t.Cleanup(clearTestDependencies)

	var gotFstype string
	var gotFlags uintptr
	unixMount = func(source string, target string, fstype string, flags uintptr, data string) error {
		gotFstype, gotFlags = fstype, flags
		return nil
	}
	if err := Mount("/dev/dm-0", "/workdir/app/main"); err != nil {
		t.Fatal(err)
	}
	if gotFstype != "ext2" || gotFlags != 0 {
		t.Errorf("fstype/flags = %q/%d, want ext2/0", gotFstype, gotFlags)
	}
}
