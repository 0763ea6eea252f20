//go:build linux

package daemon

import (
	"context"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/realmkit/realmkit/internal/host/dispatch"
	"github.com/realmkit/realmkit/internal/log"
)

// Daemon ties the control-socket listener and the vsock listener together
// under one cancellation signal.
type Daemon struct {
	ctx *Context
}

// New creates the daemon workdir and context.
func New(workdir string) (*Daemon, error) {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, errors.Wrap(err, "create daemon workdir")
	}
	return &Daemon{
		ctx: &Context{
			Workdir:    workdir,
			Dispatcher: dispatch.New(),
		},
	}, nil
}

// Context exposes the shared daemon context.
func (d *Daemon) Context() *Context { return d.ctx }

// Serve accepts control-socket clients and inbound guest connections until
// ctx is canceled. Both accept loops drain their child tasks on cancel.
func (d *Daemon) Serve(ctx context.Context, cliSocket string, vsockPort uint32) error {
	if _, err := os.Stat(cliSocket); err == nil {
		if err := os.Remove(cliSocket); err != nil {
			return errors.Wrap(err, "remove stale control socket")
		}
	}
	control, err := net.Listen("unix", cliSocket)
	if err != nil {
		return errors.Wrap(err, "bind control socket")
	}

	guests, err := listenVsock(vsockPort)
	if err != nil {
		control.Close()
		return errors.Wrap(err, "bind vsock listener")
	}

	log.G(ctx).WithFields(map[string]interface{}{
		"socket":    cliSocket,
		"vsockPort": vsockPort,
	}).Info("ready for connections")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		control.Close()
		guests.Close()
		return nil
	})
	g.Go(func() error {
		return d.acceptControl(ctx, control)
	})
	g.Go(func() error {
		return d.acceptGuests(ctx, guests)
	})
	return g.Wait()
}

func (d *Daemon) acceptControl(ctx context.Context, l net.Listener) error {
	var sessions errgroup.Group
	defer func() {
		if err := sessions.Wait(); err != nil {
			log.G(ctx).WithError(err).Warn("control session finished with error")
		}
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept control client")
		}
		log.G(ctx).Info("accepted control client")
		sessions.Go(func() error {
			if err := NewSession(d.ctx).Run(ctx, conn); err != nil {
				log.G(ctx).WithError(err).Warn("session error")
			}
			return nil
		})
	}
}

func (d *Daemon) acceptGuests(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept guest connection")
		}
		cid, err := remoteCID(conn)
		if err != nil {
			log.G(ctx).WithError(err).Warn("guest connection without vsock address")
			conn.Close()
			continue
		}
		log.G(ctx).WithField("cid", cid).Info("guest connected")
		if err := d.ctx.Dispatcher.AddStream(cid, conn); err != nil {
			log.G(ctx).WithError(err).WithField("cid", cid).Warn("dropping guest connection")
			conn.Close()
		}
	}
}
