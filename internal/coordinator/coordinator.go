/*
 * Package coordinator implements the node-level orchestrator: it owns the
 * worker set, maintains the server transport links, drains task factories
 * into worker queues, answers the mesh protocol and keeps a root link alive.
 */
package coordinator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/driftmesh/driftmesh/internal/task"
	"github.com/driftmesh/driftmesh/internal/transport"
	"github.com/driftmesh/driftmesh/internal/worker"
	"github.com/driftmesh/driftmesh/pkg/debug"
	"github.com/google/uuid"
)

const (
	defaultTickInterval   = time.Second
	defaultMaxTasks       = 4
	defaultJobsPerTask    = 2.0
	defaultSeenCacheSize  = 128
	defaultIsolationTicks = 200
	rootRedialInterval    = 30 * time.Second

	// A resolved address may carry at most this many live links before the
	// older duplicates are evicted.
	maxLinksPerAddr = 2
)

// ErrNoServer is returned when an operation needs a server link and none is
// connected.
var ErrNoServer = errors.New("no server link available")

// Resolver turns a resource name into a fetchable URI.
type Resolver interface {
	ResolveResource(name string) (string, error)
}

// ActivityListener observes the coordinator's per-tick snapshot.
type ActivityListener interface {
	OnActivity(snap Snapshot)
}

// Options tunes a coordinator. Zero values select the defaults above.
type Options struct {
	RootAddr       string // bootstrap address redialed while no server is up
	LinkPassword   string
	MaxTasks       int     // active factories drained per tick
	JobsPerTask    float64 // jobs per priority unit drained per factory
	SeenCacheSize  int
	TickInterval   time.Duration
	IsolationTicks int
	AwaitTimeout   time.Duration
	Resolver       Resolver
	DefaultFactory task.Factory // decodes unaddressed inbound jobs
}

func (o *Options) fill() {
	if o.MaxTasks == 0 {
		o.MaxTasks = defaultMaxTasks
	}
	if o.JobsPerTask == 0 {
		o.JobsPerTask = defaultJobsPerTask
	}
	if o.SeenCacheSize == 0 {
		o.SeenCacheSize = defaultSeenCacheSize
	}
	if o.TickInterval == 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.IsolationTicks == 0 {
		o.IsolationTicks = defaultIsolationTicks
	}
}

// Snapshot is the coordinator's point-in-time state, published to activity
// listeners every tick and by the status API.
type Snapshot struct {
	ID           string         `json:"id"`
	Servers      int            `json:"servers"`
	Isolated     bool           `json:"isolated"`
	ActiveTasks  int            `json:"active_tasks"`
	MeanActivity float64        `json:"mean_activity"`
	Workers      []worker.Stats `json:"workers"`
}

// Coordinator orchestrates a fixed worker set over a mutable server list.
type Coordinator struct {
	id   string
	opts Options

	workers []*worker.Worker

	mu              sync.Mutex
	servers         []*transport.TransportLink
	factories       []task.Factory
	parked          []task.Job // pulled from a factory but rejected by every worker
	pendingConnect  map[string]struct{}
	rng             *rand.Rand
	zeroServerTicks int
	isolated        bool

	seen *lru.Cache[string, struct{}]

	listenerMu sync.Mutex
	listeners  []ActivityListener

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New builds a coordinator over a fixed worker set. The workers' parent is
// wired here; they must not be shared between coordinators.
func New(workers []*worker.Worker, opts Options) (*Coordinator, error) {
	if len(workers) == 0 {
		return nil, errors.New("coordinator needs at least one worker")
	}
	opts.fill()

	seen, err := lru.New[string, struct{}](opts.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:             uuid.New().String(),
		opts:           opts,
		workers:        workers,
		pendingConnect: make(map[string]struct{}),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:           seen,
		ctx:            ctx,
		cancel:         cancel,
	}
	debug.Info("Coordinator %s created with %d workers", c.id, len(workers))
	return c, nil
}

// ID returns the coordinator's mesh identifier.
func (c *Coordinator) ID() string { return c.id }

// Workers returns the fixed worker set.
func (c *Coordinator) Workers() []*worker.Worker { return c.workers }

// AddActivityListener subscribes to per-tick snapshots.
func (c *Coordinator) AddActivityListener(l ActivityListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Coordinator) snapshotActivityListeners() []ActivityListener {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	out := make([]ActivityListener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// Start launches the workers, the tick loop and the root reconnect loop.
func (c *Coordinator) Start() {
	for _, w := range c.workers {
		w.Start()
	}
	go c.run()
	if c.opts.RootAddr != "" {
		go c.rootLoop()
	}
}

// Stop tears down the coordinator, its workers and every server link.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		for _, w := range c.workers {
			w.Stop()
		}
		c.mu.Lock()
		servers := make([]*transport.TransportLink, len(c.servers))
		copy(servers, c.servers)
		c.servers = nil
		c.mu.Unlock()
		for _, tl := range servers {
			tl.RemoveListener(c)
			tl.Close()
		}
		debug.Info("Coordinator %s stopped", c.id)
	})
}

// AddServer attaches a server transport link and subscribes to its events.
// When more than maxLinksPerAddr live links share one resolved address, the
// earlier duplicates are evicted and only the newest survives.
func (c *Coordinator) AddServer(tl *transport.TransportLink) {
	tl.AddListener(c)

	c.mu.Lock()
	c.servers = append(c.servers, tl)
	addr := tl.ResolvedAddr()
	var dups []*transport.TransportLink
	if addr != "" {
		for _, cur := range c.servers {
			if cur.ResolvedAddr() == addr && cur.State() != transport.StateClosed {
				dups = append(dups, cur)
			}
		}
	}
	var evicted []*transport.TransportLink
	if len(dups) > maxLinksPerAddr {
		evicted = dups[:len(dups)-1]
		kept := c.servers[:0]
		for _, cur := range c.servers {
			drop := false
			for _, e := range evicted {
				if cur == e {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, cur)
			}
		}
		c.servers = kept
	}
	total := len(c.servers)
	c.mu.Unlock()

	for _, e := range evicted {
		debug.Info("Evicting duplicate server link %s to %s", e.ID(), addr)
		e.RemoveListener(c)
		e.Close()
	}
	debug.Info("Server link %s added (%d total)", tl.ID(), total)
}

// Servers returns a snapshot of the server link list.
func (c *Coordinator) Servers() []*transport.TransportLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*transport.TransportLink, len(c.servers))
	copy(out, c.servers)
	return out
}

// dropServer removes and closes a failed server link.
func (c *Coordinator) dropServer(tl *transport.TransportLink) {
	c.mu.Lock()
	for i, cur := range c.servers {
		if cur == tl {
			c.servers = append(c.servers[:i], c.servers[i+1:]...)
			break
		}
	}
	remaining := len(c.servers)
	c.mu.Unlock()

	tl.RemoveListener(c)
	tl.Close()
	for _, w := range c.workers {
		w.DropCarrier(tl)
	}
	debug.Info("Server link %s dropped (%d remaining)", tl.ID(), remaining)
}

func (c *Coordinator) liveServers() []*transport.TransportLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*transport.TransportLink
	for _, tl := range c.servers {
		if tl.State() == transport.StateConnected {
			out = append(out, tl)
		}
	}
	return out
}

// SubmitTask registers a locally originated task factory, subject to the same
// seen-descriptor dedup as network tasks.
func (c *Coordinator) SubmitTask(f task.Factory) bool {
	encoded := f.Encode()
	if _, dup := c.seen.Get(encoded); dup {
		debug.Info("Ignoring recently seen task %s", f.TaskID())
		return false
	}
	c.seen.Add(encoded, struct{}{})
	c.mu.Lock()
	c.factories = append(c.factories, f)
	c.mu.Unlock()
	debug.Info("Task %s registered", f.TaskID())
	return true
}

// KillTask removes matching factories and cascades the kill to every worker
// with the full relay budget.
func (c *Coordinator) KillTask(taskID string, relay int) {
	c.removeFactories(taskID)
	for _, w := range c.workers {
		w.Kill(taskID, relay)
	}
}

func (c *Coordinator) removeFactories(taskID string) {
	c.mu.Lock()
	kept := c.factories[:0]
	removed := 0
	for _, f := range c.factories {
		if f.TaskID() == taskID {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	c.factories = kept
	c.mu.Unlock()
	if removed > 0 {
		debug.Info("Removed %d factories of task %s", removed, taskID)
	}
}

// run is the coordinator's main loop. It sleeps ten times longer when the
// node has neither servers nor tasks.
func (c *Coordinator) run() {
	for {
		interval := c.opts.TickInterval
		c.mu.Lock()
		idle := len(c.servers) == 0 && len(c.factories) == 0 && len(c.parked) == 0
		c.mu.Unlock()
		if idle {
			interval *= 10
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(interval):
		}
		c.tick()
	}
}

func (c *Coordinator) tick() {
	snap := c.Snapshot()
	for _, l := range c.snapshotActivityListeners() {
		l.OnActivity(snap)
	}

	c.mu.Lock()
	if len(c.servers) == 0 {
		c.zeroServerTicks++
		if c.zeroServerTicks == c.opts.IsolationTicks && !c.isolated {
			c.isolated = true
			c.mu.Unlock()
			debug.Warning("Coordinator %s is isolated: no server link for %d ticks", c.id, c.opts.IsolationTicks)
		} else {
			c.mu.Unlock()
		}
	} else {
		c.zeroServerTicks = 0
		c.isolated = false
		c.mu.Unlock()
	}

	c.drainFactories()
}

// drainFactories pulls jobs out of the default factory and a bounded number
// of active factories, assigning each job to the least-loaded worker. A job
// already pulled when every worker is full cannot be re-yielded by its
// factory, so it is parked and retried first on the next drain; no new jobs
// are pulled until the parked backlog clears. Factories reporting completion
// are dropped afterwards.
func (c *Coordinator) drainFactories() {
	c.mu.Lock()
	parked := c.parked
	c.parked = nil
	c.mu.Unlock()
	blocked := false
	for _, j := range parked {
		if err := c.assign(j, nil); err != nil {
			c.park(j)
			blocked = true
		}
	}

	if !blocked {
		var drain []task.Factory
		if c.opts.DefaultFactory != nil {
			drain = append(drain, c.opts.DefaultFactory)
		}
		c.mu.Lock()
		active := c.factories
		if len(active) > c.opts.MaxTasks {
			active = active[:c.opts.MaxTasks]
		}
		drain = append(drain, active...)
		c.mu.Unlock()

		for _, f := range drain {
			n := int(math.Ceil(c.opts.JobsPerTask * f.Priority()))
			for i := 0; i < n; i++ {
				j := f.NextJob()
				if j == nil {
					break
				}
				if err := c.assign(j, nil); err != nil {
					debug.Warning("Failed to assign job of task %s, parking it: %v", f.TaskID(), err)
					c.park(j)
					break
				}
			}
		}
	}

	c.mu.Lock()
	kept := c.factories[:0]
	for _, f := range c.factories {
		if f.IsComplete() {
			debug.Info("Task %s complete", f.TaskID())
			continue
		}
		kept = append(kept, f)
	}
	c.factories = kept
	c.mu.Unlock()
}

func (c *Coordinator) park(j task.Job) {
	c.mu.Lock()
	c.parked = append(c.parked, j)
	c.mu.Unlock()
}

// assign hands a job to the worker with the highest activity rating, breaking
// ties randomly and falling through to the next candidate on a full queue.
// exclude, when non-nil, is skipped (used by relays so a job never bounces
// back to its origin).
func (c *Coordinator) assign(j task.Job, exclude *worker.Worker) error {
	type candidate struct {
		w      *worker.Worker
		rating float64
	}
	var candidates []candidate
	for _, w := range c.workers {
		if w == exclude {
			continue
		}
		candidates = append(candidates, candidate{w, w.ActivityRating()})
	}
	if len(candidates) == 0 {
		return errors.New("no eligible worker")
	}

	c.mu.Lock()
	c.rng.Shuffle(len(candidates), func(i, k int) {
		candidates[i], candidates[k] = candidates[k], candidates[i]
	})
	c.mu.Unlock()
	sort.SliceStable(candidates, func(i, k int) bool {
		return candidates[i].rating > candidates[k].rating
	})

	var lastErr error
	for _, cand := range candidates {
		err := cand.w.AddJob(j)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, worker.ErrQueueFull) {
			return err
		}
	}
	return lastErr
}

// rootLoop redials the configured root address every 30 seconds for as long
// as the node has no connected server.
func (c *Coordinator) rootLoop() {
	ticker := time.NewTicker(rootRedialInterval)
	defer ticker.Stop()

	c.dialRoot()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if len(c.liveServers()) > 0 {
			continue
		}
		c.dialRoot()
	}
}

func (c *Coordinator) dialRoot() {
	tl, err := transport.Dial(c.opts.RootAddr, transport.Options{
		Password:     c.opts.LinkPassword,
		LocalID:      c.id,
		AwaitTimeout: c.opts.AwaitTimeout,
		Status:       c,
	})
	if err != nil {
		debug.Warning("Root dial to %s failed: %v", c.opts.RootAddr, err)
		return
	}
	c.AddServer(tl)
}

// Snapshot returns the coordinator's current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	servers := len(c.servers)
	isolated := c.isolated
	activeTasks := len(c.factories)
	c.mu.Unlock()

	stats := make([]worker.Stats, 0, len(c.workers))
	total := 0.0
	for _, w := range c.workers {
		s := w.Snapshot()
		stats = append(stats, s)
		total += s.Activity
	}

	return Snapshot{
		ID:           c.id,
		Servers:      servers,
		Isolated:     isolated,
		ActiveTasks:  activeTasks,
		MeanActivity: total / float64(len(c.workers)),
		Workers:      stats,
	}
}

// SelfStatus reports the node-wide mean ratings broadcast over server links.
func (c *Coordinator) SelfStatus() (jobTime, activity float64) {
	var jt, act float64
	for _, w := range c.workers {
		j, a := w.SelfStatus()
		jt += j
		act += a
	}
	n := float64(len(c.workers))
	return jt / n, act / n
}
