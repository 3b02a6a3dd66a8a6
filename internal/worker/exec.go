package worker

import (
	"time"

	"github.com/driftmesh/driftmesh/internal/task"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

// ensureExecLoop starts the execution goroutine on first job intake.
func (w *Worker) ensureExecLoop() {
	if w.execRunning.CompareAndSwap(false, true) {
		go w.execLoop()
	}
}

// execLoop drains the queue in FIFO order, falling back to the failed-job
// buffer when the queue is empty and idling otherwise.
func (w *Worker) execLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		j := w.nextJob()
		if j == nil {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(w.tun.IdleWait):
			}
			continue
		}
		w.runJob(j)
	}
}

// nextJob pops the queue head, or revives the oldest failed job.
func (w *Worker) nextJob() task.Job {
	w.mu.Lock()
	if len(w.queue) > 0 {
		j := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		return j
	}
	w.mu.Unlock()

	entry, ok := w.failed.Take()
	if !ok {
		return nil
	}
	j, err := w.factory.DecodeJob(entry.Encoded)
	if err != nil {
		debug.Error("Worker %s discarding undecodable retry entry for task %s: %v", w.id, entry.TaskID, err)
		return nil
	}
	debug.Info("Worker %s retrying failed job of task %s", w.id, entry.TaskID)
	return j
}

func (w *Worker) runJob(j task.Job) {
	if oa, ok := j.(task.OutputAware); ok && w.out != nil {
		oa.SetOutput(w.out)
	}

	start := time.Now()
	err := j.Run(w.ctx)
	w.workNanos.Add(time.Since(start).Nanoseconds())

	if ca, ok := j.(task.CompletionAware); ok {
		ca.Complete(err)
	}

	if err != nil {
		w.errored.Add(1)
		w.failed.Put(j.TaskID(), j.Encode())
		debug.Warning("Worker %s job of task %s failed: %v", w.id, j.TaskID(), err)
		return
	}
	w.completed.Add(1)
	debug.Debug("Worker %s completed a job of task %s", w.id, j.TaskID())
}
