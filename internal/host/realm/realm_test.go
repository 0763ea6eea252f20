package realm

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/realmkit/realmkit/internal/host/dispatch"
	"github.com/realmkit/realmkit/internal/host/qemu"
	"github.com/realmkit/realmkit/internal/protocol"
)

// fakeHypervisor stands in for the guest VM binary: it idles until the test
// creates its exit file.
type fakeHypervisor struct {
	exitFile string
}

func installFakeHypervisor(t *testing.T) *fakeHypervisor {
	t.Helper()
	dir := t.TempDir()
	exitFile := filepath.Join(dir, "exit")
	script := filepath.Join(dir, "qemu.sh")
	content := "#!/bin/sh\nwhile [ ! -f \"" + exitFile + "\" ]; do sleep 0.05; done\n"
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QEMU_BIN", script)
	return &fakeHypervisor{exitFile: exitFile}
}

func (f *fakeHypervisor) exit(t *testing.T) {
	t.Helper()
	if err := os.WriteFile(f.exitFile, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(cid uint32) Config {
	return Config{
		CPU:        "cortex-a57",
		Machine:    "virt",
		CoreCount:  2,
		RAMSizeMB:  2048,
		TapDevice:  "tap100",
		MACAddr:    "52:55:00:d1:55:01",
		VsockCID:   cid,
		KernelPath: "/boot/Image",
	}
}

func TestCreateApplicationDuplicate(t *testing.T) {
	r, err := New("r1", t.TempDir(), testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	cfg := AppConfig{MainStorageMB: 1, SecureStorageMB: 1}
	if err := r.CreateApplication(context.Background(), "a1", cfg); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateApplication(context.Background(), "a1", cfg); !errors.Is(err, ErrAppExists) {
		t.Errorf("error = %v, want ErrAppExists", err)
	}
}

func TestCommandsBeforeLaunch(t *testing.T) {
	r, err := New("r1", t.TempDir(), testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.StartApp("a1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
	if err := r.Shutdown(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
}

func TestRealmLifecycle(t *testing.T) {
	hv := installFakeHypervisor(t)
	workdir := t.TempDir()
	r, err := New("r1", workdir, testConfig(7))
	if err != nil {
		t.Fatal(err)
	}
	provision := uuid.New()
	if err := r.CreateApplication(context.Background(), "a1", AppConfig{
		MainStorageMB:   1,
		SecureStorageMB: 1,
		ProvisionFrom:   &provision,
	}); err != nil {
		t.Fatal(err)
	}

	d := dispatch.New()
	if err := r.Launch(context.Background(), qemu.NewRunner().Arg("-nographic"), d); err != nil {
		t.Fatal(err)
	}
	if !r.Running() {
		t.Fatal("realm not marked running after launch")
	}
	if err := r.Launch(context.Background(), qemu.NewRunner(), d); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second launch error = %v, want ErrAlreadyRunning", err)
	}

	hostConn, guestConn := net.Pipe()
	defer guestConn.Close()
	if err := d.AddStream(7, hostConn); err != nil {
		t.Fatal(err)
	}

	// RealmInfo is the first frame on the stream.
	var info protocol.RealmInfo
	if err := protocol.ReadFrame(guestConn, &info); err != nil {
		t.Fatal(err)
	}
	appInfo, ok := info.Apps["a1"]
	if !ok {
		t.Fatalf("realm info misses a1: %+v", info)
	}
	if appInfo.MainPartitionUUID == uuid.Nil || appInfo.SecurePartitionUUID == uuid.Nil {
		t.Error("partition UUIDs missing from realm info")
	}
	if appInfo.ProvisionInfo == nil || appInfo.ProvisionInfo.UUID != provision {
		t.Errorf("provision info = %+v", appInfo.ProvisionInfo)
	}

	// Command forwarding: one request frame, one response frame.
	type result struct {
		resp protocol.Response
		err  error
	}
	startDone := make(chan result, 1)
	go func() {
		resp, err := r.StartApp("a1")
		startDone <- result{resp, err}
	}()
	var cmd protocol.Command
	if err := protocol.ReadFrame(guestConn, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Kind != protocol.CmdStartApp || cmd.AppID != "a1" {
		t.Errorf("forwarded command = %+v", cmd)
	}
	if err := protocol.WriteFrame(guestConn, protocol.Ok); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-startDone:
		if res.err != nil || res.resp != protocol.Ok {
			t.Errorf("StartApp = %+v, %v", res.resp, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartApp did not return")
	}

	// Shutdown round trip: Shutdown frame out, Ok frame in, then the guest
	// (here: the fake hypervisor) exits and the supervisor returns.
	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- r.Shutdown()
	}()
	if err := protocol.ReadFrame(guestConn, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Kind != protocol.CmdShutdown {
		t.Errorf("forwarded command = %+v, want Shutdown", cmd)
	}
	if err := protocol.WriteFrame(guestConn, protocol.Ok); err != nil {
		t.Fatal(err)
	}
	hv.exit(t)
	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Errorf("Shutdown = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if r.Running() {
		t.Error("realm still marked running after shutdown")
	}
}

func TestCommandBeforeGuestConnects(t *testing.T) {
	hv := installFakeHypervisor(t)
	r, err := New("r1", t.TempDir(), testConfig(9))
	if err != nil {
		t.Fatal(err)
	}
	d := dispatch.New()
	if err := r.Launch(context.Background(), qemu.NewRunner(), d); err != nil {
		t.Fatal(err)
	}
	if _, err := r.StartApp("a1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	hv.exit(t)
	r.Wait()
}

func TestDiskLayoutOnDisk(t *testing.T) {
	workdir := t.TempDir()
	r, err := New("r1", workdir, testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CreateApplication(context.Background(), "a1", AppConfig{
		MainStorageMB:   1,
		SecureStorageMB: 1,
	}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"main.raw", "secure.raw"} {
		info, err := os.Stat(filepath.Join(workdir, "a1", name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if info.Size() != 1024*1024 {
			t.Errorf("%s size = %d, want 1 MiB", name, info.Size())
		}
	}
}

func TestReopenedRealmKeepsPartitionGUIDs(t *testing.T) {
	workdir := t.TempDir()
	cfg := AppConfig{MainStorageMB: 1, SecureStorageMB: 1}

	first, err := New("r1", workdir, testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	if err := first.CreateApplication(context.Background(), "a1", cfg); err != nil {
		t.Fatal(err)
	}
	firstInfo := first.info().Apps["a1"]

	second, err := New("r1", workdir, testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	if err := second.CreateApplication(context.Background(), "a1", cfg); err != nil {
		t.Fatal(err)
	}
	secondInfo := second.info().Apps["a1"]

	if firstInfo.MainPartitionUUID != secondInfo.MainPartitionUUID {
		t.Error("main partition GUID changed across reruns")
	}
	if firstInfo.SecurePartitionUUID != secondInfo.SecurePartitionUUID {
		t.Error("secure partition GUID changed across reruns")
	}
}

func TestConnectTimeoutTerminatesSupervisor(t *testing.T) {
	oldTimeout := connectTimeout
	connectTimeout = 50 * time.Millisecond
	t.Cleanup(func() { connectTimeout = oldTimeout })

	hv := installFakeHypervisor(t)
	r, err := New("r1", t.TempDir(), testConfig(11))
	if err != nil {
		t.Fatal(err)
	}
	d := dispatch.New()
	if err := r.Launch(context.Background(), qemu.NewRunner(), d); err != nil {
		t.Fatal(err)
	}

	// No guest ever connects; the supervisor must stop accepting commands
	// once the timeout fires.
	deadline := time.After(5 * time.Second)
	for r.Running() {
		select {
		case <-deadline:
			t.Fatal("supervisor still accepting commands after connect timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, err := r.StartApp("a1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
	hv.exit(t)
}
