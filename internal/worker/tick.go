package worker

import (
	"math"
	"time"

	"github.com/driftmesh/driftmesh/internal/peer"
	"github.com/driftmesh/driftmesh/internal/task"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

// tickLoop is the worker's communication loop. Each pass recomputes the
// adaptive sleep, then runs the probabilistic peer-discovery and relay
// decisions. The loop never blocks on job execution.
func (w *Worker) tickLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.Sleep()):
		}
		w.tick()
	}
}

func (w *Worker) tick() {
	start := time.Now()
	activity := w.ActivityRating()
	w.recomputeSleep(activity)
	w.maybeConnect()
	w.maybeRelay()
	w.commNanos.Add(time.Since(start).Nanoseconds())
}

// recomputeSleep scales the tick interval by the local activity and the
// parent's relative activity, clamped to [MinSleep, MinSleep*MaxSleepC].
// A backlogged worker slows its communication ticks down; an idle one
// speeds them up to look for work.
func (w *Worker) recomputeSleep(activity float64) {
	ratio := 1.0
	if w.parent != nil {
		ratio = w.parent.ParentActivityRatio()
	}

	factor := w.tun.ActivitySleepC/(activity+w.tun.ActivitySleepOffset) -
		w.tun.PeerActivitySleepC*math.Max(0, 1-ratio)

	w.mu.Lock()
	next := time.Duration(float64(w.sleep) * factor)
	min := w.tun.MinSleep
	max := time.Duration(float64(min) * w.tun.MaxSleepC)
	if next < min || math.IsNaN(factor) {
		next = min
	} else if next > max {
		next = max
	}
	w.sleep = next
	w.mu.Unlock()
}

// maybeConnect requests a new peer link with probability proportional to the
// remaining link capacity.
func (w *Worker) maybeConnect() {
	if w.parent == nil {
		return
	}

	w.mu.Lock()
	peers := len(w.links)
	draw := w.rng.Float64()
	w.mu.Unlock()
	if peers >= w.tun.MaxPeers {
		return
	}

	p := w.tun.ConnectP * (1 - float64(peers)/float64(w.tun.MaxPeers))
	if draw >= p {
		return
	}

	l, err := w.parent.RequestPeer(w)
	if err != nil {
		debug.Debug("Worker %s peer request failed: %v", w.id, err)
		return
	}
	if l == nil {
		return
	}
	if err := w.AddLink(l); err != nil {
		debug.Debug("Worker %s discarding new link: %v", w.id, err)
	}
}

// maybeRelay pushes the oldest queued job to a peer or back to the parent
// with a probability that grows with queue pressure.
func (w *Worker) maybeRelay() {
	w.mu.Lock()
	q := len(w.queue)
	peers := len(w.links)
	if q <= w.tun.MinJobs || w.tun.MaxJobs <= w.tun.MinJobs {
		w.mu.Unlock()
		return
	}

	r := w.tun.RelayP*float64(q-w.tun.MinJobs)/float64(w.tun.MaxJobs-w.tun.MinJobs) +
		w.tun.PeerRelayC*float64(peers)/float64(w.tun.MaxPeers)
	if w.rng.Float64() >= r {
		w.mu.Unlock()
		return
	}

	j := w.queue[0]
	w.queue = w.queue[1:]
	toParent := peers == 0 || w.rng.Float64() < w.tun.ParentalRelayP
	w.mu.Unlock()

	if toParent {
		if w.parent == nil {
			w.requeueFront(j)
			return
		}
		if err := w.parent.RelayJob(w, j); err != nil {
			debug.Debug("Worker %s parental relay failed: %v", w.id, err)
			w.requeueFront(j)
			return
		}
		w.relayed.Add(1)
		return
	}

	l := w.pickPeer()
	if l == nil {
		w.requeueFront(j)
		return
	}
	if err := l.SendJob(j.Encode()); err != nil {
		debug.Warning("Worker %s relay to %s failed: %v", w.id, l.RemoteID, err)
		w.DropLink(l)
		w.requeueFront(j)
		return
	}
	w.relayed.Add(1)
}

// pickPeer draws a link weighted by how idle each peer last reported itself,
// falling back to a uniform draw when every peer looks busy.
func (w *Worker) pickPeer() *peer.Link {
	links := w.Links()
	if len(links) == 0 {
		return nil
	}

	weights := make([]float64, len(links))
	total := 0.0
	for i, l := range links {
		weights[i] = math.Max(0, 1-l.PeerActivity())
		total += weights[i]
	}

	w.mu.Lock()
	draw := w.rng.Float64()
	w.mu.Unlock()

	if total <= 0 {
		return links[int(draw*float64(len(links)))%len(links)]
	}
	mark := draw * total
	for i, l := range links {
		mark -= weights[i]
		if mark < 0 {
			return l
		}
	}
	return links[len(links)-1]
}

func (w *Worker) requeueFront(j task.Job) {
	w.mu.Lock()
	w.queue = append([]task.Job{j}, w.queue...)
	w.mu.Unlock()
}
