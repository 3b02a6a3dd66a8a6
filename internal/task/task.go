/*
 * Package task defines the Job/JobFactory contract consumed by the mesh core,
 * the compile-time factory registry used to decode task descriptors received
 * from peers, and the descriptor codec itself.
 *
 * The core never inspects job output; jobs that produce output receive an
 * opaque sink before execution.
 */
package task

import (
	"context"
	"io"
)

// Job is one executable unit of work. Encode/Set round-trip a job through its
// factory so that failed jobs can be parked and retried, and relayed jobs can
// cross the wire.
type Job interface {
	TaskID() string
	Encode() string
	Set(key, value string) error
	Run(ctx context.Context) error
}

// OutputAware jobs are handed the opaque output sink prior to execution.
type OutputAware interface {
	SetOutput(w io.Writer)
}

// CompletionAware jobs are notified once execution finishes, with the
// execution error if any.
type CompletionAware interface {
	Complete(err error)
}

// Factory produces jobs for one task and round-trips its own configuration
// through the descriptor format.
type Factory interface {
	TaskID() string
	Priority() float64
	// NextJob returns the next job, or nil when none is currently available.
	NextJob() Job
	// IsComplete reports whether the factory will never yield another job.
	IsComplete() bool
	// Encode renders the full task descriptor: <tag><SEP>key:=value<SEP>...
	Encode() string
	Set(key, value string) error
	// DecodeJob reconstructs a job previously produced by this factory from
	// its encoded form.
	DecodeJob(encoded string) (Job, error)
}
