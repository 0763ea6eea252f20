package realm

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/realmkit/realmkit/internal/host/qemu"
	"github.com/realmkit/realmkit/internal/log"
	"github.com/realmkit/realmkit/internal/protocol"
)

// connectTimeout bounds how long the supervisor waits for the guest's vsock
// connection before giving up on the realm. A var so tests can shorten it.
var connectTimeout = 90 * time.Second

func logPipe(ctx context.Context, name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.G(ctx).WithField("stream", name).Info(scanner.Text())
	}
}

// supervise owns the hypervisor child and the guest control channel from
// launch until the guest exits or shutdown is acknowledged. RealmInfo is
// always the first frame on the stream; command traffic follows strictly
// one request, one response.
func (r *Realm) supervise(ctx context.Context, instance *qemu.Instance, streamCh <-chan net.Conn) {
	ctx = log.S(ctx, map[string]interface{}{"realm": r.id})

	go logPipe(ctx, "stdout", instance.Stdout)
	go logPipe(ctx, "stderr", instance.Stderr)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- instance.Cmd.Wait()
	}()

	timeout := time.NewTimer(connectTimeout)
	defer timeout.Stop()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

loop:
	for {
		select {
		case stream := <-streamCh:
			conn = stream
			timeout.Stop()
			log.G(ctx).Info("guest connected")
			if err := protocol.WriteFrame(conn, r.info()); err != nil {
				log.G(ctx).WithError(err).Error("failed to push realm info")
				break loop
			}

		case <-timeout.C:
			if conn == nil {
				log.G(ctx).Warn("guest did not connect within timeout")
				break loop
			}

		case err := <-waitCh:
			if err != nil {
				log.G(ctx).WithError(err).Info("hypervisor exited")
			} else {
				log.G(ctx).Info("hypervisor exited")
			}
			waitCh = nil
			break loop

		case req := <-r.requests:
			resp := r.forward(ctx, conn, req.cmd)
			r.responses <- resp
			if req.cmd.Kind == protocol.CmdShutdown && resp.err == nil {
				log.G(ctx).Info("shutdown acknowledged")
				break loop
			}
		}
	}

	// Stop accepting commands first, then reap the child if the loop broke
	// before it exited.
	close(r.done)
	if waitCh != nil {
		if err := <-waitCh; err != nil {
			log.G(ctx).WithError(err).Info("hypervisor reaped")
		}
	}
	log.G(ctx).Info("supervisor finished")
}

// forward writes one command frame and reads the guest's single response.
func (r *Realm) forward(ctx context.Context, conn net.Conn, cmd protocol.Command) response {
	if conn == nil {
		return response{err: ErrNotConnected}
	}
	log.G(ctx).WithFields(map[string]interface{}{
		"command": string(cmd.Kind),
		"app":     cmd.AppID,
	}).Debug("forwarding command to guest")

	if err := protocol.WriteFrame(conn, cmd); err != nil {
		return response{err: err}
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(conn, &resp); err != nil {
		return response{err: err}
	}
	return response{resp: resp}
}
