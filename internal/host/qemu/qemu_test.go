package qemu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunnerArgs(t *testing.T) {
	r := NewRunner().
		CPU("cortex-a57").
		Machine("virt").
		CoreCount(2).
		RAMSizeMB(2048).
		TapDevice("tap100").
		MACAddr("52:55:00:d1:55:01").
		VsockCID(3).
		Kernel("/boot/Image").
		BlockDevice("/tmp/main.raw").
		BlockDevice("/tmp/secure.raw").
		SerialFile("/tmp/console.log").
		Arg("-nographic")

	want := []string{
		"-cpu", "cortex-a57",
		"-machine", "virt",
		"-smp", "2",
		"-m", "2048",
		"-netdev", "tap,id=mynet0,ifname=tap100,script=no,downscript=no",
		"-device", "e1000,netdev=mynet0,mac=52:55:00:d1:55:01",
		"-device", "vhost-vsock-pci,id=vhost-vsock-pci0,guest-cid=3",
		"-kernel", "/boot/Image",
		"-drive", "file=/tmp/main.raw",
		"-drive", "file=/tmp/secure.raw",
		"-serial", "file:/tmp/console.log",
		"-nographic",
	}
	if diff := cmp.Diff(want, r.Args()); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestBinaryOverride(t *testing.T) {
	t.Setenv("QEMU_BIN", "/opt/qemu/bin/qemu-system-aarch64")
	if got := Binary(); got != "/opt/qemu/bin/qemu-system-aarch64" {
		t.Errorf("Binary() = %q", got)
	}
	t.Setenv("QEMU_BIN", "")
	if got := Binary(); got != defaultBinary {
		t.Errorf("Binary() = %q, want default", got)
	}
}
