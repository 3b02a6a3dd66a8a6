package transport

import (
	"time"

	"github.com/driftmesh/driftmesh/internal/wire"
	"github.com/driftmesh/driftmesh/pkg/debug"
	"github.com/gorilla/websocket"
)

// attachLoop performs the initial dial for an outbound link, flushes the
// outbound queue and starts the pumps. Attachment failures after the retry
// budget fire a permanent disconnect.
func (tl *TransportLink) attachLoop() {
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		if tl.isClosed() {
			return
		}
		ws, err := tl.dial()
		if err != nil {
			debug.Warning("Attach attempt %d/%d to %s failed: %v", attempt, maxReconnects, tl.addr, err)
			select {
			case <-tl.done:
				return
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			continue
		}

		tl.mu.Lock()
		if tl.state == StateClosed {
			tl.mu.Unlock()
			ws.Close()
			return
		}
		tl.ws = ws
		tl.state = StateConnected
		tl.mu.Unlock()

		tl.configureSocket(ws)
		debug.Info("Transport link %s attached to %s", tl.id, tl.addr)
		tl.flushPending(ws)
		for _, l := range tl.snapshotListeners() {
			l.OnConnect(tl)
		}
		go tl.readLoop()
		go tl.heartbeatLoop()
		return
	}
	debug.Error("Transport link %s could not attach to %s", tl.id, tl.addr)
	tl.fireDisconnect(true)
}

func (tl *TransportLink) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   maxMessageSize,
		WriteBufferSize:  maxMessageSize,
		HandshakeTimeout: tl.opts.WriteWait,
	}
	ws, resp, err := dialer.Dial(tl.addr, nil)
	if err != nil {
		if resp != nil {
			debug.Debug("Dial to %s rejected with status %d", tl.addr, resp.StatusCode)
			resp.Body.Close()
		}
		return nil, err
	}
	return ws, nil
}

func (tl *TransportLink) configureSocket(ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(2 * tl.opts.IdleTimeout))
	ws.SetPingHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(2 * tl.opts.IdleTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(tl.opts.WriteWait))
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * tl.opts.IdleTimeout))
	})
}

// readLoop runs the receive pump, re-attaching after stream corruption up to
// the reconnect budget. Accepted links cannot be re-dialed and disconnect
// permanently on the first failure.
func (tl *TransportLink) readLoop() {
	for {
		err := tl.pump()
		if tl.isClosed() {
			return
		}
		debug.Warning("Receive pump on link %s ended: %v", tl.id, err)

		if tl.addr == "" || !tl.redial() {
			tl.fireDisconnect(true)
			return
		}
	}
}

// pump reads frames until the socket fails.
func (tl *TransportLink) pump() error {
	tl.mu.Lock()
	ws := tl.ws
	tl.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debug.Error("Unexpected close on link %s: %v", tl.id, err)
			}
			return err
		}
		ws.SetReadDeadline(time.Now().Add(2 * tl.opts.IdleTimeout))
		tl.lastSeen.Store(time.Now().UnixNano())
		tl.handleFrame(ws, data)
	}
}

func (tl *TransportLink) handleFrame(ws *websocket.Conn, data []byte) {
	kind, body, err := wire.DecodeFrame(data, tl.crypter)
	if err != nil {
		debug.Warning("Dropping undecodable frame on link %s: %v", tl.id, err)
		return
	}

	switch kind {
	case wire.FrameQuery:
		tl.handleQuery(ws, body)
	case wire.FrameMsg:
		env, err := wire.UnmarshalEnvelope(body)
		if err != nil {
			debug.Warning("Dropping malformed envelope on link %s: %v", tl.id, err)
			return
		}
		tl.recordInbound()
		tl.inbox.Put(env)
		for _, l := range tl.snapshotListeners() {
			l.OnEnvelope(tl, env)
		}
		if n := tl.messagesIn.Load(); tl.opts.PingEvery > 0 && n%int64(tl.opts.PingEvery) == 0 {
			go tl.autoPing()
		}
	}
}

// handleQuery completes an outstanding ping waiter, or echoes the payload
// back when the query originated on the peer.
func (tl *TransportLink) handleQuery(ws *websocket.Conn, body []byte) {
	tl.pingMu.Lock()
	waiter, ours := tl.pingWaiters[string(body)]
	if ours {
		delete(tl.pingWaiters, string(body))
	}
	tl.pingMu.Unlock()

	if ours {
		close(waiter)
		return
	}

	frame, err := wire.EncodeFrame(wire.FrameQuery, body, tl.crypter)
	if err != nil {
		debug.Error("Failed to encode ping echo on link %s: %v", tl.id, err)
		return
	}
	if err := tl.writeFrame(ws, frame); err != nil {
		debug.Warning("Failed to echo ping on link %s: %v", tl.id, err)
	}
}

// redial re-establishes the socket after corruption, up to the budget.
func (tl *TransportLink) redial() bool {
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		if tl.isClosed() {
			return false
		}
		debug.Info("Reconnect attempt %d/%d on link %s", attempt, maxReconnects, tl.id)

		ws, err := tl.dial()
		if err == nil {
			tl.mu.Lock()
			if tl.state == StateClosed {
				tl.mu.Unlock()
				ws.Close()
				return false
			}
			old := tl.ws
			tl.ws = ws
			tl.state = StateConnected
			tl.mu.Unlock()
			if old != nil {
				old.Close()
			}

			tl.configureSocket(ws)
			tl.flushPending(ws)
			debug.Info("Link %s reconnected to %s", tl.id, tl.addr)
			for _, l := range tl.snapshotListeners() {
				l.OnConnect(tl)
			}
			return true
		}

		debug.Warning("Reconnect attempt %d/%d on link %s failed: %v", attempt, maxReconnects, tl.id, err)
		select {
		case <-tl.done:
			return false
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return false
}

// fireDisconnect notifies listeners and, for a permanent failure, closes the
// link for good.
func (tl *TransportLink) fireDisconnect(permanent bool) {
	debug.Info("Transport link %s disconnected (permanent=%v)", tl.id, permanent)
	for _, l := range tl.snapshotListeners() {
		l.OnDisconnect(tl, permanent)
	}
	if permanent {
		tl.Close()
	}
}

// heartbeatLoop sends a confirmation probe whenever the link has been silent
// past the idle timeout. A failed probe forces the socket down so the read
// loop runs the reconnect path.
func (tl *TransportLink) heartbeatLoop() {
	ticker := time.NewTicker(tl.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-tl.done:
			return
		case <-ticker.C:
		}

		idle := time.Since(time.Unix(0, tl.lastSeen.Load()))
		if idle < tl.opts.IdleTimeout {
			continue
		}
		if tl.State() != StateConnected {
			continue
		}

		debug.Info("Link %s idle for %v, sending confirmation probe", tl.id, idle)
		probe := wire.NewEnvelope(wire.KindConnectionConfirmation, tl.probeSender(), "")
		_, err := tl.SendAwait(probe, Match{ReceiverID: probe.SenderID}, tl.opts.PingTimeout)
		if err != nil {
			debug.Warning("Confirmation probe on link %s failed: %v", tl.id, err)
			tl.mu.Lock()
			ws := tl.ws
			tl.mu.Unlock()
			if ws != nil {
				ws.Close()
			}
		}
	}
}

func (tl *TransportLink) probeSender() string {
	if tl.opts.LocalID != "" {
		return tl.opts.LocalID
	}
	return tl.id
}
