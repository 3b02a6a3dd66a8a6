/*
 * Package peer models the Link: the logical relationship between one local
 * worker and one remote worker, routed over a shared transport link the Link
 * does not own.
 */
package peer

import (
	"fmt"
	"time"

	"github.com/driftmesh/driftmesh/internal/transport"
	"github.com/driftmesh/driftmesh/internal/wire"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

// Carrier is the slice of a TransportLink a Link uses. Links share carriers
// and never control their lifetime.
type Carrier interface {
	ID() string
	Send(env *wire.Envelope) error
	SendAwait(env *wire.Envelope, match transport.Match, timeout time.Duration) (*wire.Envelope, error)
	PeerActivity() float64
}

// Link forwards jobs and kill signals between a local and a remote worker.
type Link struct {
	LocalID  string
	RemoteID string

	carrier Carrier
}

// New builds a link over an established carrier.
func New(localID, remoteID string, carrier Carrier) *Link {
	return &Link{LocalID: localID, RemoteID: remoteID, carrier: carrier}
}

// Carrier exposes the underlying transport, used by owners to tear down all
// links riding a disconnected transport.
func (l *Link) Carrier() Carrier { return l.carrier }

// PeerActivity returns the remote side's last reported activity rating.
func (l *Link) PeerActivity() float64 { return l.carrier.PeerActivity() }

// SendJob forwards an encoded job to the remote worker. Transport failures
// propagate to the caller, which is expected to drop the link.
func (l *Link) SendJob(encoded string) error {
	env := wire.NewEnvelope(wire.KindJob, l.LocalID, encoded)
	env.ReceiverID = l.RemoteID
	if err := l.carrier.Send(env); err != nil {
		return fmt.Errorf("failed to send job to %s: %w", l.RemoteID, err)
	}
	debug.Debug("Relayed job to peer %s", l.RemoteID)
	return nil
}

// SendKill forwards a kill signal with the given remaining relay budget.
func (l *Link) SendKill(taskID string, relay int) error {
	env := wire.NewEnvelope(wire.KindKill, l.LocalID, wire.FormatKill(taskID, relay))
	env.ReceiverID = l.RemoteID
	if err := l.carrier.Send(env); err != nil {
		return fmt.Errorf("failed to send kill to %s: %w", l.RemoteID, err)
	}
	return nil
}

// Confirm sends a connection confirmation and blocks for the boolean
// acknowledgement.
func (l *Link) Confirm(timeout time.Duration) bool {
	env := wire.NewEnvelope(wire.KindConnectionConfirmation, l.LocalID, "")
	env.ReceiverID = l.RemoteID
	reply, err := l.carrier.SendAwait(env, transport.Match{ReceiverID: l.LocalID}, timeout)
	if err != nil {
		debug.Debug("Confirm to %s failed: %v", l.RemoteID, err)
		return false
	}
	return reply.Payload == "true"
}
