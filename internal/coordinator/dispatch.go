package coordinator

import (
	"fmt"
	"strconv"

	"github.com/driftmesh/driftmesh/internal/peer"
	"github.com/driftmesh/driftmesh/internal/task"
	"github.com/driftmesh/driftmesh/internal/transport"
	"github.com/driftmesh/driftmesh/internal/wire"
	"github.com/driftmesh/driftmesh/internal/worker"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

// OnEnvelope routes an inbound envelope by kind. Unhandled or malformed
// envelopes are logged and dropped; dispatch never terminates a link.
func (c *Coordinator) OnEnvelope(tl *transport.TransportLink, env *wire.Envelope) {
	switch env.Kind {
	case wire.KindJob:
		c.handleJob(env)
	case wire.KindStringMessage:
		debug.Info("Message from %s: %s", env.SenderID, env.Payload)
	case wire.KindConnectionRequest:
		c.handleConnectionRequest(tl, env)
	case wire.KindConnectionConfirmation:
		c.handleConfirmation(tl, env)
	case wire.KindServerStatus:
		c.handleServerStatus(tl, env)
	case wire.KindServerStatusQuery:
		c.handleStatusQuery(tl, env)
	case wire.KindResourceRequest:
		c.handleResourceRequest(tl, env)
	case wire.KindTask:
		c.handleTask(env)
	case wire.KindKill:
		c.handleKill(env)
	case wire.KindPing:
		reply := wire.NewEnvelope(wire.KindPing, c.id, env.Payload)
		reply.ReceiverID = env.SenderID
		if err := tl.Send(reply); err != nil {
			debug.Debug("Failed to answer ping from %s: %v", env.SenderID, err)
		}
	default:
		debug.Debug("Ignoring %s envelope from %s", env.Kind, env.SenderID)
	}
}

// OnConnect is invoked when a server link attaches or reattaches.
func (c *Coordinator) OnConnect(tl *transport.TransportLink) {
	debug.Info("Server link %s connected", tl.ID())
}

// OnDisconnect removes a permanently failed server link and tears down every
// peer link that was riding it.
func (c *Coordinator) OnDisconnect(tl *transport.TransportLink, permanent bool) {
	if !permanent {
		return
	}
	c.dropServer(tl)
}

// handleJob delivers a job envelope. An envelope addressed to a local worker
// is decoded by that worker's own factory; anything else goes to the
// least-loaded worker through the default factory.
func (c *Coordinator) handleJob(env *wire.Envelope) {
	if target := c.workerByID(env.ReceiverID); target != nil {
		if err := target.AddEncoded(env.Payload); err != nil {
			debug.Warning("Worker %s rejected inbound job: %v", target.ID(), err)
		}
		return
	}

	if c.opts.DefaultFactory == nil {
		debug.Warning("Dropping job from %s: no default factory", env.SenderID)
		return
	}
	j, err := c.opts.DefaultFactory.DecodeJob(env.Payload)
	if err != nil {
		debug.Warning("Dropping undecodable job from %s: %v", env.SenderID, err)
		return
	}
	if err := c.assign(j, nil); err != nil {
		debug.Warning("Failed to place inbound job from %s: %v", env.SenderID, err)
	}
}

func (c *Coordinator) workerByID(id string) *worker.Worker {
	if id == "" {
		return nil
	}
	for _, w := range c.workers {
		if w.ID() == id {
			return w
		}
	}
	return nil
}

// handleConnectionRequest answers a remote worker's handshake: the
// least-connected local worker below its peer cap and not already linked to
// the requester accepts; otherwise the request is refused.
func (c *Coordinator) handleConnectionRequest(tl *transport.TransportLink, env *wire.Envelope) {
	requester := env.Payload
	if requester == "" {
		requester = env.SenderID
	}

	var chosen *worker.Worker
	best := -1
	for _, w := range c.workers {
		if w.ID() == requester || w.LinkedTo(requester) || w.AtPeerCap() {
			continue
		}
		links := len(w.Links())
		if best == -1 || links < best {
			chosen = w
			best = links
		}
	}

	if chosen == nil {
		reply := wire.NewEnvelope(wire.KindConnectionConfirmation, c.id, "false")
		reply.ReceiverID = env.SenderID
		if err := tl.Send(reply); err != nil {
			debug.Warning("Failed to refuse connection request from %s: %v", requester, err)
		}
		return
	}

	l := peer.New(chosen.ID(), requester, tl)
	if err := chosen.AddLink(l); err != nil {
		debug.Warning("Failed to attach handshake link: %v", err)
		reply := wire.NewEnvelope(wire.KindConnectionConfirmation, c.id, "false")
		reply.ReceiverID = env.SenderID
		tl.Send(reply)
		return
	}

	reply := wire.NewEnvelope(wire.KindConnectionConfirmation, chosen.ID(), "true")
	reply.ReceiverID = env.SenderID
	if err := tl.Send(reply); err != nil {
		debug.Warning("Failed to confirm connection to %s: %v", requester, err)
		chosen.DropLink(l)
	}
}

// handleConfirmation acks unsolicited idle probes. Confirmations carrying a
// payload are handshake replies already consumed from the inbox by the
// awaiting side.
func (c *Coordinator) handleConfirmation(tl *transport.TransportLink, env *wire.Envelope) {
	if env.Payload != "" {
		return
	}
	reply := wire.NewEnvelope(wire.KindConnectionConfirmation, c.id, "true")
	reply.ReceiverID = env.SenderID
	if err := tl.Send(reply); err != nil {
		debug.Debug("Failed to ack probe from %s: %v", env.SenderID, err)
	}
}

// handleServerStatus records the peer's self-reported rating on the link.
func (c *Coordinator) handleServerStatus(tl *transport.TransportLink, env *wire.Envelope) {
	jobTime := tl.PeerJobTime()
	activity := tl.PeerActivity()
	for _, kv := range wire.ParseStatus(env.Payload) {
		switch kv[0] {
		case wire.StatusKeyJobTime:
			if v, err := strconv.ParseFloat(kv[1], 64); err == nil {
				jobTime = v
			}
		case wire.StatusKeyActivity:
			if v, err := strconv.ParseFloat(kv[1], 64); err == nil {
				activity = v
			}
		}
	}
	tl.SetPeerStatus(jobTime, activity)
}

// handleStatusQuery answers the peers listing: every other server link's
// resolved address.
func (c *Coordinator) handleStatusQuery(tl *transport.TransportLink, env *wire.Envelope) {
	if env.Payload != wire.StatusKeyPeer+"s" {
		debug.Debug("Ignoring status query %q from %s", env.Payload, env.SenderID)
		return
	}

	var pairs [][2]string
	for _, cur := range c.Servers() {
		if cur == tl {
			continue
		}
		if addr := cur.ResolvedAddr(); addr != "" {
			pairs = append(pairs, [2]string{wire.StatusKeyPeer, addr})
		}
	}
	reply := wire.NewEnvelope(wire.KindServerStatus, c.id, wire.FormatStatus(pairs))
	reply.ReceiverID = env.SenderID
	if err := tl.Send(reply); err != nil {
		debug.Warning("Failed to answer peers query from %s: %v", env.SenderID, err)
	}
}

// QueryPeers asks the node on the other end of a server link for the
// addresses of its other servers, blocking for the reply. The returned
// addresses are dialable mesh endpoints.
func (c *Coordinator) QueryPeers(tl *transport.TransportLink) ([]string, error) {
	req := wire.NewEnvelope(wire.KindServerStatusQuery, c.id, wire.StatusKeyPeer+"s")
	reply, err := tl.SendAwait(req, transport.Match{ReceiverID: c.id}, c.opts.AwaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("peers query over link %s failed: %w", tl.ID(), err)
	}

	var addrs []string
	for _, kv := range wire.ParseStatus(reply.Payload) {
		if kv[0] == wire.StatusKeyPeer && kv[1] != "" {
			addrs = append(addrs, kv[1])
		}
	}
	return addrs, nil
}

// RequestResource resolves a resource name into a fetchable URI through a
// randomly chosen live server, blocking for the reply.
func (c *Coordinator) RequestResource(name string) (string, error) {
	servers := c.liveServers()
	if len(servers) == 0 {
		return "", ErrNoServer
	}
	c.mu.Lock()
	tl := servers[c.rng.Intn(len(servers))]
	c.mu.Unlock()

	req := wire.NewEnvelope(wire.KindResourceRequest, c.id, name)
	reply, err := tl.SendAwait(req, transport.Match{ReceiverID: c.id}, c.opts.AwaitTimeout)
	if err != nil {
		return "", fmt.Errorf("resource request %q failed: %w", name, err)
	}
	return reply.Payload, nil
}

// handleResourceRequest resolves a resource name to a URI through the
// collaborator and replies with it.
func (c *Coordinator) handleResourceRequest(tl *transport.TransportLink, env *wire.Envelope) {
	if c.opts.Resolver == nil {
		debug.Warning("Dropping resource request %q: no resolver configured", env.Payload)
		return
	}
	uri, err := c.opts.Resolver.ResolveResource(env.Payload)
	if err != nil {
		debug.Warning("Failed to resolve resource %q: %v", env.Payload, err)
		return
	}
	reply := wire.NewEnvelope(wire.KindResourceURI, c.id, uri)
	reply.ReceiverID = env.SenderID
	if err := tl.Send(reply); err != nil {
		debug.Warning("Failed to send resource URI to %s: %v", env.SenderID, err)
	}
}

// handleTask decodes a descriptor into an active factory, skipping recently
// seen descriptors. Decode failures drop the task and nothing else.
func (c *Coordinator) handleTask(env *wire.Envelope) {
	if _, dup := c.seen.Get(env.Payload); dup {
		debug.Debug("Ignoring recently seen task descriptor from %s", env.SenderID)
		return
	}
	f, err := task.DecodeDescriptor(env.Payload)
	if err != nil {
		debug.Warning("Rejecting task from %s: %v", env.SenderID, err)
		return
	}
	c.seen.Add(env.Payload, struct{}{})
	c.mu.Lock()
	c.factories = append(c.factories, f)
	c.mu.Unlock()
	debug.Info("Task %s accepted from %s", f.TaskID(), env.SenderID)
}

// handleKill parses the payload and cascades the kill through factories and
// workers.
func (c *Coordinator) handleKill(env *wire.Envelope) {
	taskID, relay, err := wire.ParseKill(env.Payload)
	if err != nil {
		debug.Warning("Dropping malformed kill from %s: %v", env.SenderID, err)
		return
	}
	debug.Info("Kill for task %s (relay=%d) from %s", taskID, relay, env.SenderID)
	c.removeFactories(taskID)
	for _, w := range c.workers {
		w.Kill(taskID, relay)
	}
}

// RequestPeer runs the connection handshake for a worker over one randomly
// chosen server link. The server link is dropped when the round trip fails.
func (c *Coordinator) RequestPeer(w *worker.Worker) (*peer.Link, error) {
	servers := c.liveServers()
	if len(servers) == 0 {
		return nil, ErrNoServer
	}

	c.mu.Lock()
	if _, busy := c.pendingConnect[w.ID()]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("handshake already in flight for worker %s", w.ID())
	}
	c.pendingConnect[w.ID()] = struct{}{}
	tl := servers[c.rng.Intn(len(servers))]
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingConnect, w.ID())
		c.mu.Unlock()
	}()

	req := wire.NewEnvelope(wire.KindConnectionRequest, w.ID(), w.ID())
	reply, err := tl.SendAwait(req, transport.Match{ReceiverID: w.ID()}, c.opts.AwaitTimeout)
	if err != nil {
		debug.Warning("Handshake over link %s failed: %v", tl.ID(), err)
		c.dropServer(tl)
		return nil, err
	}
	if reply.Payload != "true" {
		return nil, fmt.Errorf("peer request refused by %s", reply.SenderID)
	}
	if w.LinkedTo(reply.SenderID) {
		return nil, fmt.Errorf("already linked to %s", reply.SenderID)
	}
	return peer.New(w.ID(), reply.SenderID, tl), nil
}

// RelayJob reassigns a relayed job to the least-loaded other worker.
func (c *Coordinator) RelayJob(w *worker.Worker, j task.Job) error {
	return c.assign(j, w)
}

// LinkDown records a worker-reported link failure.
func (c *Coordinator) LinkDown(w *worker.Worker, l *peer.Link) {
	debug.Info("Worker %s lost link to %s", w.ID(), l.RemoteID)
}

// ParentActivityRatio is the mean server-reported activity over the local
// mean, 1 while either side is unknown.
func (c *Coordinator) ParentActivityRatio() float64 {
	servers := c.liveServers()
	if len(servers) == 0 {
		return 1
	}
	remote := 0.0
	for _, tl := range servers {
		remote += tl.PeerActivity()
	}
	remote /= float64(len(servers))

	_, local := c.SelfStatus()
	if local == 0 {
		return 1
	}
	return remote / local
}
