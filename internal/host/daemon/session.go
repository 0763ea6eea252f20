package daemon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/google/uuid"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/realmkit/realmkit/internal/host/qemu"
	"github.com/realmkit/realmkit/internal/host/realm"
	"github.com/realmkit/realmkit/internal/log"
	"github.com/realmkit/realmkit/internal/protocol"
)

const prompt = "> "

// ErrRealmExists is returned when a realm id is reused within a session.
var ErrRealmExists = errors.New("realm id already exists")

// ErrRealmDoesNotExist is returned for commands naming an unknown realm.
var ErrRealmDoesNotExist = errors.New("realm id doesn't exist")

// ErrVsockCIDInUse is returned when a new realm claims a context id another
// realm of the session already holds.
var ErrVsockCIDInUse = errors.New("vsock cid is already in use")

// Session serves one control-socket client. The realms it creates are owned
// by the session and die with the daemon, not with the client connection.
type Session struct {
	dctx   *Context
	realms map[string]*realm.Realm
	app    *cli.App
	out    *bytes.Buffer

	// set by command actions, rendered as the response line
	result string
}

// NewSession returns a session bound to the daemon context.
func NewSession(dctx *Context) *Session {
	s := &Session{
		dctx:   dctx,
		realms: make(map[string]*realm.Realm),
		out:    &bytes.Buffer{},
	}
	s.app = s.buildApp()
	return s
}

// Run drives the prompt/line/response cycle until the client sends an empty
// line, the connection drops, or the daemon shuts down.
func (s *Session) Run(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	for {
		if _, err := rw.WriteString(prompt); err != nil {
			return errors.Wrap(err, "write prompt")
		}
		if err := rw.Flush(); err != nil {
			return errors.Wrap(err, "flush prompt")
		}

		line, err := rw.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read command line")
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}

		log.G(ctx).WithField("line", line).Debug("control command")
		msg := s.HandleLine(ctx, line)
		if _, err := rw.WriteString(msg + "\n"); err != nil {
			return errors.Wrap(err, "write response")
		}
		if err := rw.Flush(); err != nil {
			return errors.Wrap(err, "flush response")
		}
	}
}

// HandleLine parses one shell-quoted command line and returns the response
// text. Parse and execution failures are rendered, never fatal to the
// session.
func (s *Session) HandleLine(ctx context.Context, line string) string {
	argv, err := shellwords.Parse(line)
	if err != nil {
		return fmt.Sprintf("shell split error: %v", err)
	}

	s.out.Reset()
	s.result = ""
	if err := s.app.RunContext(ctx, append([]string{s.app.Name}, argv...)); err != nil {
		if usage := strings.TrimSpace(s.out.String()); usage != "" {
			return usage + "\n" + err.Error()
		}
		return err.Error()
	}
	if s.result != "" {
		return s.result
	}
	return strings.TrimRight(s.out.String(), "\n")
}

func (s *Session) lookup(id string) (*realm.Realm, error) {
	r, ok := s.realms[id]
	if !ok {
		return nil, errors.Wrapf(ErrRealmDoesNotExist, "%s", id)
	}
	return r, nil
}

func renderResponse(resp protocol.Response) string {
	if resp.StatusSet {
		return fmt.Sprintf("ExitStatus(%d)", resp.Status)
	}
	return "Ok"
}

func (s *Session) buildApp() *cli.App {
	app := &cli.App{
		Name:            "realm",
		Usage:           "realm control commands",
		HideHelpCommand: true,
		Writer:          s.out,
		ErrWriter:       s.out,
		CommandNotFound: func(c *cli.Context, cmd string) {
			fmt.Fprintf(c.App.Writer, "unknown command %q\n", cmd)
		},
		// Errors are rendered on the control socket, never exit the daemon.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:  "create-realm",
				Usage: "define a realm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Required: true, Usage: "realm id"},
					&cli.StringFlag{Name: "cpu", Aliases: []string{"c"}, Value: "cortex-a57", Usage: "CPU type"},
					&cli.StringFlag{Name: "machine", Aliases: []string{"m"}, Value: "virt", Usage: "machine type"},
					&cli.IntFlag{Name: "core-count", Aliases: []string{"n"}, Value: 2, Usage: "CPU core count"},
					&cli.IntFlag{Name: "ram-size", Aliases: []string{"r"}, Value: 2048, Usage: "RAM size in MB"},
					&cli.StringFlag{Name: "tap-device", Aliases: []string{"t"}, Value: "tap100", Usage: "TAP device for networking"},
					&cli.StringFlag{Name: "mac-addr", Aliases: []string{"a"}, Value: "52:55:00:d1:55:01", Usage: "MAC address of the network card"},
					&cli.UintFlag{Name: "vsock-cid", Aliases: []string{"v"}, Required: true, Usage: "vsock context id"},
					&cli.PathFlag{Name: "kernel", Aliases: []string{"k"}, Required: true, Usage: "path to kernel image"},
				},
				Action: s.createRealm,
			},
			{
				Name:   "list-realms",
				Usage:  "list all realms",
				Action: s.listRealms,
			},
			{
				Name:  "create-application",
				Usage: "create an application in a realm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Required: true, Usage: "application id"},
					&cli.StringFlag{Name: "realm-id", Aliases: []string{"r"}, Required: true, Usage: "realm id"},
					&cli.Int64Flag{Name: "main-storage-size-mb", Aliases: []string{"m"}, Value: 1024, Usage: "main storage size in MB"},
					&cli.Int64Flag{Name: "secure-storage-size-mb", Aliases: []string{"s"}, Value: 1024, Usage: "secure storage size in MB"},
					&cli.StringFlag{Name: "provision-from", Aliases: []string{"p"}, Usage: "registry image uuid to provision from"},
				},
				Action: s.createApplication,
			},
			{
				Name:  "launch-realm",
				Usage: "launch a configured realm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Required: true, Usage: "realm id"},
				},
				Action: s.launchRealm,
			},
			{
				Name:  "start-app",
				Usage: "start a stopped application",
				Flags: appFlags(),
				Action: func(c *cli.Context) error {
					return s.appCommand(c, (*realm.Realm).StartApp, "ApplicationStarted")
				},
			},
			{
				Name:  "terminate-app",
				Usage: "terminate a running application",
				Flags: appFlags(),
				Action: func(c *cli.Context) error {
					return s.appCommand(c, (*realm.Realm).TerminateApp, "ApplicationExited")
				},
			},
			{
				Name:  "kill-app",
				Usage: "kill a running application",
				Flags: appFlags(),
				Action: func(c *cli.Context) error {
					return s.appCommand(c, (*realm.Realm).KillApp, "ApplicationExited")
				},
			},
			{
				Name:  "shutdown",
				Usage: "shutdown a realm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Required: true, Usage: "realm id"},
				},
				Action: s.shutdown,
			},
		},
	}
	return app
}

func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Required: true, Usage: "application id"},
		&cli.StringFlag{Name: "realm-id", Aliases: []string{"r"}, Required: true, Usage: "realm id"},
	}
}

func (s *Session) createRealm(c *cli.Context) error {
	id := c.String("id")
	if _, ok := s.realms[id]; ok {
		return errors.Wrapf(ErrRealmExists, "%s", id)
	}
	cid := uint32(c.Uint("vsock-cid"))
	for otherID, other := range s.realms {
		if other.Config().VsockCID == cid {
			return errors.Wrapf(ErrVsockCIDInUse, "cid %d held by realm %s", cid, otherID)
		}
	}

	r, err := realm.New(id, s.dctx.RealmWorkdir(id), realm.Config{
		CPU:        c.String("cpu"),
		Machine:    c.String("machine"),
		CoreCount:  c.Int("core-count"),
		RAMSizeMB:  c.Int("ram-size"),
		TapDevice:  c.String("tap-device"),
		MACAddr:    c.String("mac-addr"),
		VsockCID:   cid,
		KernelPath: c.Path("kernel"),
	})
	if err != nil {
		return err
	}
	s.realms[id] = r
	s.result = "RealmCreated"
	return nil
}

func (s *Session) listRealms(*cli.Context) error {
	ids := make([]string, 0, len(s.realms))
	for id := range s.realms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("Realms:")
	for _, id := range ids {
		r := s.realms[id]
		state := "defined"
		if r.Running() {
			state = "running"
		}
		apps := r.Apps()
		sort.Strings(apps)
		fmt.Fprintf(&b, " %s{cid=%d state=%s apps=%v}", id, r.Config().VsockCID, state, apps)
	}
	s.result = b.String()
	return nil
}

func (s *Session) createApplication(c *cli.Context) error {
	r, err := s.lookup(c.String("realm-id"))
	if err != nil {
		return err
	}
	cfg := realm.AppConfig{
		MainStorageMB:   c.Int64("main-storage-size-mb"),
		SecureStorageMB: c.Int64("secure-storage-size-mb"),
	}
	if from := c.String("provision-from"); from != "" {
		id, err := uuid.Parse(from)
		if err != nil {
			return errors.Wrapf(err, "invalid provision-from %q", from)
		}
		cfg.ProvisionFrom = &id
	}
	if err := r.CreateApplication(c.Context, c.String("id"), cfg); err != nil {
		return err
	}
	s.result = "ApplicationCreated"
	return nil
}

func (s *Session) launchRealm(c *cli.Context) error {
	r, err := s.lookup(c.String("id"))
	if err != nil {
		return err
	}
	runner := qemu.NewRunner().Arg("-nographic")
	if err := r.Launch(c.Context, runner, s.dctx.Dispatcher); err != nil {
		return err
	}
	s.result = "RealmLaunched"
	return nil
}

func (s *Session) appCommand(c *cli.Context, op func(*realm.Realm, string) (protocol.Response, error), okResult string) error {
	r, err := s.lookup(c.String("realm-id"))
	if err != nil {
		return err
	}
	resp, err := op(r, c.String("id"))
	if err != nil {
		return err
	}
	if resp.StatusSet {
		s.result = renderResponse(resp)
	} else {
		s.result = okResult
	}
	return nil
}

func (s *Session) shutdown(c *cli.Context) error {
	r, err := s.lookup(c.String("id"))
	if err != nil {
		return err
	}
	if err := r.Shutdown(); err != nil {
		return err
	}
	s.result = "RealmExited"
	return nil
}
