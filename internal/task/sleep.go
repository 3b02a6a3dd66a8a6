package task

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// SleepTag is the descriptor tag of the built-in sleep factory.
const SleepTag = "sleep"

func init() {
	Register(SleepTag, func() Factory { return &SleepFactory{Duration: 100 * time.Millisecond, Prio: 1} })
}

// SleepFactory yields jobs that sleep for a fixed duration and emit one line
// of output. It is the smallest real payload and doubles as the default
// factory of the node binary.
type SleepFactory struct {
	Task     string        `mapstructure:"task"`
	Prio     float64       `mapstructure:"priority"`
	Count    int           `mapstructure:"count"`
	Duration time.Duration `mapstructure:"duration"`

	mu     sync.Mutex
	issued int
}

func (f *SleepFactory) TaskID() string { return f.Task }
func (f *SleepFactory) Priority() float64 { return f.Prio }

func (f *SleepFactory) NextJob() Job {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.issued >= f.Count {
		return nil
	}
	f.issued++
	return &SleepJob{Task: f.Task, Duration: f.Duration, Seq: f.issued}
}

func (f *SleepFactory) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued >= f.Count
}

func (f *SleepFactory) Encode() string {
	f.mu.Lock()
	remaining := f.Count - f.issued
	f.mu.Unlock()

	return EncodeDescriptor(SleepTag, [][2]string{
		{"task", f.Task},
		{"priority", strconv.FormatFloat(f.Prio, 'g', -1, 64)},
		{"count", strconv.Itoa(remaining)},
		{"duration", f.Duration.String()},
	})
}

func (f *SleepFactory) Set(key, value string) error {
	return Apply(f, map[string]string{key: value})
}

func (f *SleepFactory) DecodeJob(encoded string) (Job, error) {
	return decodeSleepJob(encoded)
}

// SleepJob sleeps for its configured duration, honoring cancellation, and
// writes a single line to the output sink when one was attached.
type SleepJob struct {
	Task     string        `mapstructure:"task"`
	Duration time.Duration `mapstructure:"duration"`
	Seq      int           `mapstructure:"seq"`

	out io.Writer
}

func (j *SleepJob) TaskID() string { return j.Task }

func (j *SleepJob) Encode() string {
	return EncodeDescriptor(SleepTag, [][2]string{
		{"task", j.Task},
		{"duration", j.Duration.String()},
		{"seq", strconv.Itoa(j.Seq)},
	})
}

func (j *SleepJob) Set(key, value string) error {
	return Apply(j, map[string]string{key: value})
}

func (j *SleepJob) SetOutput(w io.Writer) { j.out = w }

func (j *SleepJob) Run(ctx context.Context) error {
	timer := time.NewTimer(j.Duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if j.out != nil {
		fmt.Fprintf(j.out, "%s #%d slept %s\n", j.Task, j.Seq, j.Duration)
	}
	return nil
}

func decodeSleepJob(encoded string) (Job, error) {
	fields := splitEncodedJob(encoded, SleepTag)
	if fields == nil {
		return nil, fmt.Errorf("encoded job is not a sleep job")
	}
	job := &SleepJob{}
	for _, kv := range fields {
		if err := job.Set(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	return job, nil
}
