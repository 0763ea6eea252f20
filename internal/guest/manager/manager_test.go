//go:build linux

package manager

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/realmkit/realmkit/internal/protocol"
)

type fakeApp struct {
	started    int
	terminated int
	killed     int
	status     int32
}

func (f *fakeApp) Start(context.Context) error { f.started++; return nil }
func (f *fakeApp) Terminate() (int32, error)   { f.terminated++; return f.status, nil }
func (f *fakeApp) Kill() (int32, error)        { f.killed++; return f.status, nil }

func newLoopManager(apps map[string]appHandle) (*AppManager, net.Conn) {
	host, guest := net.Pipe()
	m := &AppManager{
		cfg:  &Config{},
		conn: guest,
		apps: apps,
	}
	return m, host
}

func runLoop(t *testing.T, m *AppManager) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- m.CommandLoop(context.Background())
	}()
	return done
}

func awaitLoop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("command loop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("command loop did not finish")
	}
}

func TestCommandLoopShutdown(t *testing.T) {
	m, host := newLoopManager(map[string]appHandle{})
	done := runLoop(t, m)

	if err := protocol.WriteFrame(host, protocol.Shutdown()); err != nil {
		t.Fatal(err)
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(host, &resp); err != nil {
		t.Fatal(err)
	}
	if resp != protocol.Ok {
		t.Errorf("shutdown response = %+v, want Ok", resp)
	}
	awaitLoop(t, done)
}

func TestCommandLoopAppLifecycle(t *testing.T) {
	app := &fakeApp{status: 256}
	m, host := newLoopManager(map[string]appHandle{"app-1": app})
	done := runLoop(t, m)

	var resp protocol.Response
	if err := protocol.WriteFrame(host, protocol.StartApp("app-1")); err != nil {
		t.Fatal(err)
	}
	if err := protocol.ReadFrame(host, &resp); err != nil {
		t.Fatal(err)
	}
	if resp != protocol.Ok {
		t.Errorf("start response = %+v, want Ok", resp)
	}

	if err := protocol.WriteFrame(host, protocol.TerminateApp("app-1")); err != nil {
		t.Fatal(err)
	}
	if err := protocol.ReadFrame(host, &resp); err != nil {
		t.Fatal(err)
	}
	if resp != protocol.ExitStatus(256) {
		t.Errorf("terminate response = %+v, want ExitStatus(256)", resp)
	}

	if err := protocol.WriteFrame(host, protocol.KillApp("app-1")); err != nil {
		t.Fatal(err)
	}
	if err := protocol.ReadFrame(host, &resp); err != nil {
		t.Fatal(err)
	}
	if resp != protocol.ExitStatus(256) {
		t.Errorf("kill response = %+v, want ExitStatus(256)", resp)
	}

	if err := protocol.WriteFrame(host, protocol.Shutdown()); err != nil {
		t.Fatal(err)
	}
	if err := protocol.ReadFrame(host, &resp); err != nil {
		t.Fatal(err)
	}
	awaitLoop(t, done)

	if app.started != 1 || app.terminated != 1 || app.killed != 1 {
		t.Errorf("app calls = %+v", app)
	}
}

func TestCommandLoopUnknownAppStillResponds(t *testing.T) {
	m, host := newLoopManager(map[string]appHandle{})
	done := runLoop(t, m)

	if err := protocol.WriteFrame(host, protocol.StartApp("ghost")); err != nil {
		t.Fatal(err)
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(host, &resp); err != nil {
		t.Fatal(err)
	}
	if resp != protocol.Ok {
		t.Errorf("response = %+v, want Ok", resp)
	}

	host.Close()
	awaitLoop(t, done)
}

func TestReadRealmInfo(t *testing.T) {
	m, host := newLoopManager(nil)
	go func() {
		_ = protocol.WriteFrame(host, protocol.RealmInfo{
			Apps: map[string]protocol.ApplicationInfo{"a": {}},
		})
	}()
	info, err := m.ReadRealmInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Apps) != 1 {
		t.Errorf("apps = %d, want 1", len(info.Apps))
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
workdir: /workdir
vsock_port: 1337
image_registry: http://192.168.100.1:8080
crypto:
  cipher: aes
  iv_mode: plain
  block_mode: cbc
  iv_offset: 0
network:
  interface: eth0
  address: 192.168.100.2/24
  gateway: 192.168.100.1
`
	if err := writeFile(path, content); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VsockPort != 1337 || cfg.Workdir != "/workdir" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Crypto.Cipher != "aes" {
		t.Errorf("cipher = %q", cfg.Crypto.Cipher)
	}
	if cfg.Network == nil || cfg.Network.Interface != "eth0" {
		t.Errorf("network = %+v", cfg.Network)
	}
	if cfg.Sealing != "insecure-static" {
		t.Errorf("sealing default = %q", cfg.Sealing)
	}
}

func TestLoadConfigRejectsBadCrypto(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
vsock_port: 1337
crypto:
  cipher: rot13
  iv_mode: plain
  block_mode: cbc
`
	if err := writeFile(path, content); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown cipher")
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
