// Package daemon is the host control plane: it owns the realm workdir, the
// connection dispatcher, the local control socket serving clients, and the
// vsock listener feeding guest connections to realm supervisors.
package daemon

import (
	"path/filepath"

	"github.com/realmkit/realmkit/internal/host/dispatch"
)

// Context is the daemon-wide state shared by reference among sessions and
// listeners. It is immutable after init; the dispatcher carries its own
// lock.
type Context struct {
	Workdir    string
	Dispatcher *dispatch.ConnectionDispatcher
}

// RealmWorkdir returns the on-disk home of one realm.
func (c *Context) RealmWorkdir(id string) string {
	return filepath.Join(c.Workdir, id)
}
