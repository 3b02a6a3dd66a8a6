package transport

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/driftmesh/driftmesh/internal/wire"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

// Ping measures the round trip by sending a random bit-string of size
// characters as a query frame and waiting for the peer to echo it. Returns
// elapsed milliseconds, or -1 on timeout or any error.
func (tl *TransportLink) Ping(size int, timeout time.Duration) int64 {
	if size <= 0 {
		size = tl.opts.PingSize
	}
	if timeout <= 0 {
		timeout = tl.opts.PingTimeout
	}

	payload := randomBits(size)
	frame, err := wire.EncodeFrame(wire.FrameQuery, []byte(payload), tl.crypter)
	if err != nil {
		debug.Error("Failed to encode ping on link %s: %v", tl.id, err)
		return -1
	}

	waiter := make(chan struct{})
	tl.pingMu.Lock()
	tl.pingWaiters[payload] = waiter
	tl.pingMu.Unlock()
	defer func() {
		tl.pingMu.Lock()
		delete(tl.pingWaiters, payload)
		tl.pingMu.Unlock()
	}()

	tl.mu.Lock()
	ws := tl.ws
	state := tl.state
	tl.mu.Unlock()
	if state != StateConnected {
		return -1
	}

	start := time.Now()
	if err := tl.writeFrame(ws, frame); err != nil {
		debug.Warning("Failed to send ping on link %s: %v", tl.id, err)
		return -1
	}

	select {
	case <-waiter:
		elapsed := time.Since(start).Milliseconds()
		tl.lastRTT.Store(elapsed)
		return elapsed
	case <-tl.done:
		return -1
	case <-time.After(timeout):
		debug.Debug("Ping on link %s timed out after %v", tl.id, timeout)
		return -1
	}
}

// autoPing runs the periodic probe triggered every PingEvery received
// messages: an RTT measurement plus a piggybacked broadcast of the local
// self-reported rating.
func (tl *TransportLink) autoPing() {
	if rtt := tl.Ping(tl.opts.PingSize, tl.opts.PingTimeout); rtt >= 0 {
		debug.Debug("Link %s RTT %dms", tl.id, rtt)
	}

	if tl.opts.Status == nil {
		return
	}
	jobTime, activity := tl.opts.Status.SelfStatus()
	payload := wire.FormatStatus([][2]string{
		{wire.StatusKeyJobTime, strconv.FormatFloat(jobTime, 'g', -1, 64)},
		{wire.StatusKeyActivity, strconv.FormatFloat(activity, 'g', -1, 64)},
	})
	env := wire.NewEnvelope(wire.KindServerStatus, tl.probeSender(), payload)
	if err := tl.Send(env); err != nil {
		debug.Warning("Failed to broadcast status on link %s: %v", tl.id, err)
	}
}

func randomBits(size int) string {
	bits := make([]byte, size)
	for i := range bits {
		bits[i] = '0' + byte(rand.Intn(2))
	}
	return string(bits)
}
