// Package dispatch rendezvouses inbound guest vsock connections with the
// realm supervisors waiting for them. Arrival and request may happen in
// either order; whichever side shows up second completes the handover.
package dispatch

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionPresent is returned by AddStream when an unclaimed stream
	// for the CID is already parked.
	ErrConnectionPresent = errors.New("connection for this CID is already present")

	// ErrRequestPresent is returned by RequestStream when a waiter for the
	// CID already exists. A realm may request again only after its previous
	// supervisor has finished.
	ErrRequestPresent = errors.New("request for this CID is already present")

	// ErrSendFailed is returned when the waiting receiver went away before
	// the stream could be delivered.
	ErrSendFailed = errors.New("failed to deliver stream to requester")
)

// ConnectionDispatcher pairs guest connections with supervisor requests,
// keyed by guest context ID.
type ConnectionDispatcher struct {
	mu        sync.Mutex
	available map[uint32]net.Conn
	requests  map[uint32]chan net.Conn
}

// New returns an empty dispatcher.
func New() *ConnectionDispatcher {
	return &ConnectionDispatcher{
		available: make(map[uint32]net.Conn),
		requests:  make(map[uint32]chan net.Conn),
	}
}

// AddStream parks an inbound stream for cid and hands it over if a waiter is
// present.
func (d *ConnectionDispatcher) AddStream(cid uint32, stream net.Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.available[cid]; ok {
		return errors.Wrapf(ErrConnectionPresent, "cid %d", cid)
	}
	d.available[cid] = stream
	return d.resolve(cid)
}

// RequestStream registers a waiter for cid and returns the channel the
// stream will be delivered on. The channel is buffered, so the handover
// never blocks the dispatcher.
func (d *ConnectionDispatcher) RequestStream(cid uint32) (<-chan net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.requests[cid]; ok {
		return nil, errors.Wrapf(ErrRequestPresent, "cid %d", cid)
	}
	ch := make(chan net.Conn, 1)
	d.requests[cid] = ch
	if err := d.resolve(cid); err != nil {
		return nil, err
	}
	return ch, nil
}

// resolve hands the stream to the waiter when both sides are present. Both
// map slots are cleared before delivery so neither can be observed occupied
// after the rendezvous. Callers must hold d.mu.
func (d *ConnectionDispatcher) resolve(cid uint32) error {
	stream, haveStream := d.available[cid]
	ch, haveRequest := d.requests[cid]
	if !haveStream || !haveRequest {
		return nil
	}
	delete(d.available, cid)
	delete(d.requests, cid)
	select {
	case ch <- stream:
		return nil
	default:
		return errors.Wrapf(ErrSendFailed, "cid %d", cid)
	}
}
