/*
 * Package worker implements the adaptive worker: a bounded job queue, a set
 * of peer links, a tick loop that paces itself from the local activity rating
 * and probabilistically relays or requests peers, and a separate execution
 * loop with a bounded failed-job retry path.
 */
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftmesh/driftmesh/internal/buffer"
	"github.com/driftmesh/driftmesh/internal/peer"
	"github.com/driftmesh/driftmesh/internal/task"
	"github.com/driftmesh/driftmesh/pkg/debug"
	"github.com/google/uuid"
)

var (
	// ErrNilJob is returned when a nil job is submitted.
	ErrNilJob = errors.New("nil job")
	// ErrQueueFull is returned once the hard queue bound is reached.
	ErrQueueFull = errors.New("job queue is full")
)

// Parent is the coordinator surface a worker calls back into.
type Parent interface {
	// RequestPeer performs the connection handshake through a server link
	// and returns the established peer link.
	RequestPeer(w *Worker) (*peer.Link, error)
	// RelayJob hands a job back for reassignment.
	RelayJob(w *Worker, j task.Job) error
	// LinkDown reports a dropped peer link.
	LinkDown(w *Worker, l *peer.Link)
	// ParentActivityRatio is the mean server-reported activity over the
	// local mean, 1 when unknown.
	ParentActivityRatio() float64
}

// Tunables are the worker coefficients. All probabilities are in [0,1].
type Tunables struct {
	MaxJobs       int // soft queue target; the hard bound is twice this
	MinJobs       int
	MaxPeers      int
	MaxFailedJobs int

	RelayP              float64
	ConnectP            float64
	PeerRelayC          float64
	ParentalRelayP      float64
	ActivityCoefficient float64
	ActivitySleepC      float64
	ActivitySleepOffset float64
	PeerActivitySleepC  float64
	MaxSleepC           float64

	MinSleep time.Duration
	IdleWait time.Duration // execution-loop pause when no job is available
}

// DefaultTunables returns the stock coefficients.
func DefaultTunables() Tunables {
	return Tunables{
		MaxJobs:             8,
		MinJobs:             2,
		MaxPeers:            4,
		MaxFailedJobs:       16,
		RelayP:              0.4,
		ConnectP:            0.2,
		PeerRelayC:          0.1,
		ParentalRelayP:      0.3,
		ActivityCoefficient: 1,
		ActivitySleepC:      1,
		ActivitySleepOffset: 0.1,
		PeerActivitySleepC:  0.1,
		MaxSleepC:           10,
		MinSleep:            250 * time.Millisecond,
		IdleWait:            5 * time.Second,
	}
}

// Worker queues and executes jobs and maintains peer links.
type Worker struct {
	id      string
	tun     Tunables
	factory task.Factory
	parent  Parent
	out     io.Writer

	mu    sync.Mutex
	queue []task.Job
	links []*peer.Link
	sleep time.Duration
	rng   *rand.Rand

	failed *buffer.RetryBuffer

	execRunning atomic.Bool
	completed   atomic.Int64
	errored     atomic.Int64
	relayed     atomic.Int64
	workNanos   atomic.Int64
	commNanos   atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New constructs a worker. The factory decodes relayed and retried job
// payloads; out is the opaque output sink handed to jobs; retryPath may be
// empty for an in-memory retry buffer.
func New(factory task.Factory, parent Parent, tun Tunables, out io.Writer, retryPath string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:      uuid.New().String(),
		tun:     tun,
		factory: factory,
		parent:  parent,
		out:     out,
		sleep:   tun.MinSleep,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		failed:  buffer.New(tun.MaxFailedJobs, retryPath),
		ctx:     ctx,
		cancel:  cancel,
	}
	debug.Info("Worker %s created (maxJobs=%d maxPeers=%d)", w.id, tun.MaxJobs, tun.MaxPeers)
	return w
}

// ID returns the worker's mesh-wide identifier.
func (w *Worker) ID() string { return w.id }

// QueueLen returns the current queue occupancy.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// ActivityRating is the self-reported load metric: above 1 when idle,
// strictly decreasing as the queue fills.
func (w *Worker) ActivityRating() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activityLocked()
}

func (w *Worker) activityLocked() float64 {
	return 1 + float64(w.tun.MinJobs-len(w.queue))/(w.tun.ActivityCoefficient*float64(w.tun.MaxJobs))
}

// SelfStatus reports the job-time and activity ratings broadcast to peers.
func (w *Worker) SelfStatus() (jobTime, activity float64) {
	completed := w.completed.Load()
	if completed > 0 {
		jobTime = time.Duration(w.workNanos.Load()).Seconds() / float64(completed)
	} else {
		jobTime = 1
	}
	return jobTime, w.ActivityRating()
}

// Sleep returns the current tick interval.
func (w *Worker) Sleep() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sleep
}

// AddJob enqueues a job. A nil job is rejected, an exact duplicate of an
// already-queued job is a logged no-op, and a full queue returns
// ErrQueueFull. The execution loop is started lazily on first intake.
func (w *Worker) AddJob(j task.Job) error {
	if j == nil {
		return ErrNilJob
	}

	encoded := j.Encode()
	w.mu.Lock()
	for _, queued := range w.queue {
		if queued.TaskID() == j.TaskID() && queued.Encode() == encoded {
			w.mu.Unlock()
			debug.Info("Worker %s ignoring duplicate job for task %s", w.id, j.TaskID())
			return nil
		}
	}
	if len(w.queue) >= 2*w.tun.MaxJobs {
		w.mu.Unlock()
		return fmt.Errorf("worker %s: %w", w.id, ErrQueueFull)
	}
	w.queue = append(w.queue, j)
	w.mu.Unlock()

	w.ensureExecLoop()
	return nil
}

// AddEncoded decodes a relayed job payload through the worker's own factory
// and enqueues it.
func (w *Worker) AddEncoded(encoded string) error {
	j, err := w.factory.DecodeJob(encoded)
	if err != nil {
		return fmt.Errorf("worker %s failed to decode job: %w", w.id, err)
	}
	return w.AddJob(j)
}

// Kill purges every job of the given task locally and, while relay budget
// remains, fans the signal out to all peer links with the budget decremented.
func (w *Worker) Kill(taskID string, relay int) {
	w.mu.Lock()
	kept := w.queue[:0]
	removed := 0
	for _, j := range w.queue {
		if j.TaskID() == taskID {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	w.queue = kept
	w.mu.Unlock()

	removed += w.failed.RemoveTask(taskID)
	if removed > 0 {
		debug.Info("Worker %s killed %d jobs of task %s", w.id, removed, taskID)
	}

	if relay <= 0 {
		return
	}
	for _, l := range w.Links() {
		if err := l.SendKill(taskID, relay-1); err != nil {
			debug.Warning("Worker %s failed to relay kill over link to %s: %v", w.id, l.RemoteID, err)
			w.DropLink(l)
		}
	}
}

// AddLink attaches a peer link, respecting the peer cap.
func (w *Worker) AddLink(l *peer.Link) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.links) >= w.tun.MaxPeers {
		return fmt.Errorf("worker %s is at its peer cap", w.id)
	}
	for _, cur := range w.links {
		if cur.RemoteID == l.RemoteID {
			return fmt.Errorf("worker %s already linked to %s", w.id, l.RemoteID)
		}
	}
	w.links = append(w.links, l)
	debug.Info("Worker %s linked to peer %s (%d/%d)", w.id, l.RemoteID, len(w.links), w.tun.MaxPeers)
	return nil
}

// Links returns a snapshot of the peer link set.
func (w *Worker) Links() []*peer.Link {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*peer.Link, len(w.links))
	copy(out, w.links)
	return out
}

// AtPeerCap reports whether the link set is full.
func (w *Worker) AtPeerCap() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.links) >= w.tun.MaxPeers
}

// LinkedTo reports whether a link to the given remote worker exists.
func (w *Worker) LinkedTo(remoteID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, l := range w.links {
		if l.RemoteID == remoteID {
			return true
		}
	}
	return false
}

// DropLink removes a failed link and notifies the parent.
func (w *Worker) DropLink(l *peer.Link) {
	w.mu.Lock()
	dropped := false
	for i, cur := range w.links {
		if cur == l {
			w.links = append(w.links[:i], w.links[i+1:]...)
			dropped = true
			break
		}
	}
	w.mu.Unlock()

	if dropped {
		debug.Info("Worker %s dropped link to %s", w.id, l.RemoteID)
		if w.parent != nil {
			w.parent.LinkDown(w, l)
		}
	}
}

// DropCarrier removes every link riding the given transport; called when a
// transport link reports disconnect.
func (w *Worker) DropCarrier(c peer.Carrier) {
	for _, l := range w.Links() {
		if l.Carrier() == c {
			w.DropLink(l)
		}
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	ID        string        `json:"id"`
	QueueLen  int           `json:"queue_len"`
	Peers     int           `json:"peers"`
	Failed    int           `json:"failed"`
	Completed int64         `json:"completed"`
	Errored   int64         `json:"errored"`
	Relayed   int64         `json:"relayed"`
	Activity  float64       `json:"activity"`
	Sleep     time.Duration `json:"sleep"`
	WorkTime  time.Duration `json:"work_time"`
	CommTime  time.Duration `json:"comm_time"`
}

// Snapshot returns the worker's current statistics.
func (w *Worker) Snapshot() Stats {
	w.mu.Lock()
	queueLen := len(w.queue)
	peers := len(w.links)
	sleep := w.sleep
	activity := w.activityLocked()
	w.mu.Unlock()

	return Stats{
		ID:        w.id,
		QueueLen:  queueLen,
		Peers:     peers,
		Failed:    w.failed.Count(),
		Completed: w.completed.Load(),
		Errored:   w.errored.Load(),
		Relayed:   w.relayed.Load(),
		Activity:  activity,
		Sleep:     sleep,
		WorkTime:  time.Duration(w.workNanos.Load()),
		CommTime:  time.Duration(w.commNanos.Load()),
	}
}

// Start launches the tick loop.
func (w *Worker) Start() {
	go w.tickLoop()
}

// Stop terminates both loops and cancels any running job.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		debug.Info("Worker %s stopped", w.id)
	})
}
