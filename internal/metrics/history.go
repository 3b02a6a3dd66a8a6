package metrics

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driftmesh/driftmesh/internal/coordinator"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

const defaultHistoryCap = 512

// Point is one recorded mesh observation.
type Point struct {
	Timestamp    time.Time `json:"timestamp"`
	MeanActivity float64   `json:"mean_activity"`
	QueueLen     int       `json:"queue_len"`
	Completed    int64     `json:"completed"`
	Relayed      int64     `json:"relayed"`
	Servers      int       `json:"servers"`
}

// Rollup is an aggregated window over the history.
type Rollup struct {
	Timestamp    time.Time `json:"timestamp"`
	MeanActivity float64   `json:"mean_activity"`
	PeakQueueLen int       `json:"peak_queue_len"`
	Completed    int64     `json:"completed"`
	Points       int       `json:"points"`
}

// History records coordinator snapshots into a capped ring and aggregates
// them on a cron schedule. It implements coordinator.ActivityListener.
type History struct {
	mu      sync.Mutex
	points  []Point
	rollups []Rollup
	cap     int

	lastCompleted int64

	cron *cron.Cron
}

// NewHistory creates a history with the given point capacity (0 selects the
// default) aggregating on the given cron spec (empty for "@every 1m").
func NewHistory(capacity int, schedule string) (*History, error) {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	if schedule == "" {
		schedule = "@every 1m"
	}

	h := &History{
		cap:  capacity,
		cron: cron.New(),
	}
	if _, err := h.cron.AddFunc(schedule, h.rollup); err != nil {
		return nil, err
	}
	return h, nil
}

// Start begins the aggregation schedule.
func (h *History) Start() { h.cron.Start() }

// Stop halts the aggregation schedule.
func (h *History) Stop() { h.cron.Stop() }

// OnActivity records one coordinator snapshot, evicting the oldest point
// beyond capacity.
func (h *History) OnActivity(snap coordinator.Snapshot) {
	p := Point{
		Timestamp:    time.Now().UTC(),
		MeanActivity: snap.MeanActivity,
		Servers:      snap.Servers,
	}
	for _, ws := range snap.Workers {
		p.QueueLen += ws.QueueLen
		p.Completed += ws.Completed
		p.Relayed += ws.Relayed
	}

	h.mu.Lock()
	h.points = append(h.points, p)
	if len(h.points) > h.cap {
		h.points = h.points[len(h.points)-h.cap:]
	}
	h.mu.Unlock()
}

// rollup folds the recorded points since the last aggregation into one
// summary.
func (h *History) rollup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.points) == 0 {
		return
	}

	r := Rollup{Timestamp: time.Now().UTC(), Points: len(h.points)}
	latest := h.points[len(h.points)-1]
	for _, p := range h.points {
		r.MeanActivity += p.MeanActivity
		if p.QueueLen > r.PeakQueueLen {
			r.PeakQueueLen = p.QueueLen
		}
	}
	r.MeanActivity /= float64(len(h.points))
	r.Completed = latest.Completed - h.lastCompleted
	h.lastCompleted = latest.Completed

	h.rollups = append(h.rollups, r)
	if len(h.rollups) > h.cap {
		h.rollups = h.rollups[len(h.rollups)-h.cap:]
	}
	debug.Debug("Aggregated %d activity points (mean=%.3f completed=%d)", r.Points, r.MeanActivity, r.Completed)
}

// Points returns a copy of the recorded points.
func (h *History) Points() []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Point, len(h.points))
	copy(out, h.points)
	return out
}

// Rollups returns a copy of the aggregated windows.
func (h *History) Rollups() []Rollup {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Rollup, len(h.rollups))
	copy(out, h.rollups)
	return out
}
