/*
 * Package transport implements the TransportLink: ownership of one websocket
 * connection with frame encoding, optional legacy encryption, outbound
 * queueing while attaching, a bounded inbound store, bounded reconnection,
 * round-trip measurement and listener broadcast.
 */
package transport

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftmesh/driftmesh/internal/wire"
	"github.com/driftmesh/driftmesh/pkg/debug"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the lifecycle position of a link.
type State int32

const (
	// StateConnecting queues outbound sends until attachment completes.
	StateConnecting State = iota
	// StateConnected writes frames directly under the write lock.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

// Default timing and protocol constants.
const (
	defaultWriteWait    = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultAwaitTimeout = 10 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultPingEvery    = 40
	defaultPingSize     = 64
	defaultPingTimeout  = 2 * time.Second
	maxMessageSize      = 512 * 1024
	maxReconnects       = 3
	rateWindow          = time.Minute
)

// ErrClosed is returned by sends on a terminally closed link.
var ErrClosed = fmt.Errorf("transport link is closed")

// Listener receives link events. Dispatch always snapshots the listener set
// first, so listeners may add or remove listeners and links reentrantly.
type Listener interface {
	OnEnvelope(tl *TransportLink, env *wire.Envelope)
	OnConnect(tl *TransportLink)
	OnDisconnect(tl *TransportLink, permanent bool)
}

// StatusSource supplies the local self-reported rating piggybacked onto the
// periodic ping probe.
type StatusSource interface {
	SelfStatus() (jobTime, activity float64)
}

// Options tunes a link. Zero values select the defaults above.
type Options struct {
	Password     string // non-empty enables the legacy cipher
	LocalID      string // stamped as sender on link-originated probes
	WriteWait    time.Duration
	IdleTimeout  time.Duration
	AwaitTimeout time.Duration
	PollInterval time.Duration
	PingEvery    int // received-message interval between auto pings
	PingSize     int
	PingTimeout  time.Duration
	Status       StatusSource
}

func (o *Options) fill() {
	if o.WriteWait == 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.AwaitTimeout == 0 {
		o.AwaitTimeout = defaultAwaitTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.PingEvery == 0 {
		o.PingEvery = defaultPingEvery
	}
	if o.PingSize == 0 {
		o.PingSize = defaultPingSize
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = defaultPingTimeout
	}
}

// TransportLink owns one websocket connection.
type TransportLink struct {
	id      string
	addr    string // dial URL; empty for accepted links
	opts    Options
	crypter *wire.Crypter

	mu      sync.Mutex // guards ws, state, pending
	ws      *websocket.Conn
	state   State
	pending []*wire.Envelope

	writeMu sync.Mutex // serializes all frame writes

	inbox *Inbox

	listenerMu sync.Mutex
	listeners  []Listener

	messagesIn atomic.Int64
	lastSeen   atomic.Int64 // unix nanos of last inbound frame
	lastRTT    atomic.Int64 // milliseconds, -1 until measured

	rateMu    sync.Mutex
	rateTimes []time.Time

	peerMu       sync.Mutex
	peerJobTime  float64
	peerActivity float64

	pingMu      sync.Mutex
	pingWaiters map[string]chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newTransportLink(addr string, opts Options) (*TransportLink, error) {
	opts.fill()

	var crypter *wire.Crypter
	if opts.Password != "" {
		var err error
		crypter, err = wire.NewCrypter(opts.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to set up link cipher: %w", err)
		}
	}

	tl := &TransportLink{
		id:           uuid.New().String(),
		addr:         addr,
		opts:         opts,
		crypter:      crypter,
		inbox:        NewInbox(inboxCapacity),
		pingWaiters:  make(map[string]chan struct{}),
		done:         make(chan struct{}),
		peerActivity: 1,
		peerJobTime:  1,
	}
	tl.lastRTT.Store(-1)
	tl.lastSeen.Store(time.Now().UnixNano())
	return tl, nil
}

// Dial creates a link to a remote address and begins attaching in the
// background. Sends issued before attachment completes are queued FIFO and
// flushed in order once the socket is up.
func Dial(addr string, opts Options) (*TransportLink, error) {
	tl, err := newTransportLink(addr, opts)
	if err != nil {
		return nil, err
	}
	debug.Info("Dialing transport link %s -> %s", tl.id, addr)
	go tl.attachLoop()
	return tl, nil
}

// Accept wraps an already-upgraded inbound websocket. The link starts
// connected.
func Accept(ws *websocket.Conn, opts Options) (*TransportLink, error) {
	tl, err := newTransportLink("", opts)
	if err != nil {
		return nil, err
	}
	tl.mu.Lock()
	tl.ws = ws
	tl.state = StateConnected
	tl.mu.Unlock()

	tl.configureSocket(ws)
	debug.Info("Accepted transport link %s from %s", tl.id, ws.RemoteAddr())
	go tl.readLoop()
	go tl.heartbeatLoop()
	return tl, nil
}

// ID returns the link's local identifier.
func (tl *TransportLink) ID() string { return tl.id }

// State returns the current lifecycle state.
func (tl *TransportLink) State() State {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.state
}

// ResolvedAddr returns the link's canonical remote address, used by the
// coordinator for duplicate eviction.
func (tl *TransportLink) ResolvedAddr() string {
	if tl.addr == "" {
		tl.mu.Lock()
		defer tl.mu.Unlock()
		if tl.ws != nil {
			return tl.ws.RemoteAddr().String()
		}
		return ""
	}
	host := tl.addr
	if u, err := url.Parse(tl.addr); err == nil && u.Host != "" {
		host = u.Host
	}
	if resolved, err := net.ResolveTCPAddr("tcp", host); err == nil {
		return resolved.String()
	}
	return host
}

// AddListener subscribes to link events.
func (tl *TransportLink) AddListener(l Listener) {
	tl.listenerMu.Lock()
	defer tl.listenerMu.Unlock()
	tl.listeners = append(tl.listeners, l)
}

// RemoveListener unsubscribes a previously added listener.
func (tl *TransportLink) RemoveListener(l Listener) {
	tl.listenerMu.Lock()
	defer tl.listenerMu.Unlock()
	for i, cur := range tl.listeners {
		if cur == l {
			tl.listeners = append(tl.listeners[:i], tl.listeners[i+1:]...)
			return
		}
	}
}

// snapshotListeners copies the listener set so dispatch can run without the
// lock and tolerate reentrant mutation.
func (tl *TransportLink) snapshotListeners() []Listener {
	tl.listenerMu.Lock()
	defer tl.listenerMu.Unlock()
	out := make([]Listener, len(tl.listeners))
	copy(out, tl.listeners)
	return out
}

// Send transmits an envelope, queueing it while the link is still attaching.
func (tl *TransportLink) Send(env *wire.Envelope) error {
	tl.mu.Lock()
	switch tl.state {
	case StateClosed:
		tl.mu.Unlock()
		return ErrClosed
	case StateConnecting:
		tl.pending = append(tl.pending, env)
		tl.mu.Unlock()
		debug.Debug("Queued %s envelope on connecting link %s", env.Kind, tl.id)
		return nil
	}
	ws := tl.ws
	tl.mu.Unlock()
	return tl.writeEnvelope(ws, env)
}

// SendAwait transmits a request envelope and polls the inbox for its
// correlated reply until the timeout elapses. A zero timeout selects the
// protocol default.
func (tl *TransportLink) SendAwait(env *wire.Envelope, match Match, timeout time.Duration) (*wire.Envelope, error) {
	if timeout == 0 {
		timeout = tl.opts.AwaitTimeout
	}
	if err := tl.Send(env); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(tl.opts.PollInterval)
	defer ticker.Stop()

	for {
		if reply := tl.inbox.TakeMatch(match); reply != nil {
			return reply, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out awaiting reply to %s", env.Kind)
		}
		select {
		case <-tl.done:
			return nil, ErrClosed
		case <-ticker.C:
		}
	}
}

func (tl *TransportLink) writeEnvelope(ws *websocket.Conn, env *wire.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	frame, err := wire.EncodeFrame(wire.FrameMsg, body, tl.crypter)
	if err != nil {
		return err
	}
	return tl.writeFrame(ws, frame)
}

func (tl *TransportLink) writeFrame(ws *websocket.Conn, frame []byte) error {
	if ws == nil {
		return fmt.Errorf("link %s has no socket", tl.id)
	}
	tl.writeMu.Lock()
	defer tl.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(tl.opts.WriteWait))
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// flushPending writes queued envelopes in FIFO order after attachment.
func (tl *TransportLink) flushPending(ws *websocket.Conn) {
	tl.mu.Lock()
	queued := tl.pending
	tl.pending = nil
	tl.mu.Unlock()

	for _, env := range queued {
		if err := tl.writeEnvelope(ws, env); err != nil {
			debug.Error("Failed to flush queued %s envelope on link %s: %v", env.Kind, tl.id, err)
			return
		}
	}
	if len(queued) > 0 {
		debug.Info("Flushed %d queued envelopes on link %s", len(queued), tl.id)
	}
}

// SetPeerStatus records the peer's self-reported rating, applied by the
// coordinator when a server-status envelope arrives on this link.
func (tl *TransportLink) SetPeerStatus(jobTime, activity float64) {
	tl.peerMu.Lock()
	defer tl.peerMu.Unlock()
	tl.peerJobTime = jobTime
	tl.peerActivity = activity
}

// PeerActivity returns the peer's last reported activity rating (1 until a
// report arrives).
func (tl *TransportLink) PeerActivity() float64 {
	tl.peerMu.Lock()
	defer tl.peerMu.Unlock()
	return tl.peerActivity
}

// PeerJobTime returns the peer's last reported job-time rating.
func (tl *TransportLink) PeerJobTime() float64 {
	tl.peerMu.Lock()
	defer tl.peerMu.Unlock()
	return tl.peerJobTime
}

// MessagesIn returns the number of envelopes received on this link.
func (tl *TransportLink) MessagesIn() int64 { return tl.messagesIn.Load() }

// LastRTT returns the last measured round-trip in milliseconds, -1 until one
// has been measured.
func (tl *TransportLink) LastRTT() int64 { return tl.lastRTT.Load() }

// Rate returns received messages per second over the sliding window.
func (tl *TransportLink) Rate() float64 {
	tl.rateMu.Lock()
	defer tl.rateMu.Unlock()
	cutoff := time.Now().Add(-rateWindow)
	kept := tl.rateTimes[:0]
	for _, ts := range tl.rateTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	tl.rateTimes = kept
	return float64(len(kept)) / rateWindow.Seconds()
}

func (tl *TransportLink) recordInbound() {
	tl.messagesIn.Add(1)
	tl.lastSeen.Store(time.Now().UnixNano())
	tl.rateMu.Lock()
	tl.rateTimes = append(tl.rateTimes, time.Now())
	if len(tl.rateTimes) > 4096 {
		tl.rateTimes = tl.rateTimes[len(tl.rateTimes)-4096:]
	}
	tl.rateMu.Unlock()
}

// Close terminally shuts the link down. Listeners are not notified; use it
// for local teardown, not failure signaling.
func (tl *TransportLink) Close() {
	tl.closeOnce.Do(func() {
		tl.mu.Lock()
		tl.state = StateClosed
		ws := tl.ws
		tl.mu.Unlock()

		close(tl.done)
		if ws != nil {
			ws.Close()
		}
		debug.Info("Closed transport link %s", tl.id)
	})
}

func (tl *TransportLink) isClosed() bool {
	select {
	case <-tl.done:
		return true
	default:
		return false
	}
}
