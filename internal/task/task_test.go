package task

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	payload := EncodeDescriptor(SleepTag, [][2]string{
		{"task", "t-1"},
		{"priority", "2"},
		{"count", "5"},
		{"duration", "50ms"},
	})

	f, err := DecodeDescriptor(payload)
	require.NoError(t, err)

	sf, ok := f.(*SleepFactory)
	require.True(t, ok, "expected a sleep factory, got %T", f)
	assert.Equal(t, "t-1", sf.TaskID())
	assert.Equal(t, 2.0, sf.Priority())
	assert.Equal(t, 5, sf.Count)
	assert.Equal(t, 50*time.Millisecond, sf.Duration)
}

func TestDescriptorEscaping(t *testing.T) {
	payload := EncodeDescriptor(SleepTag, [][2]string{
		{"task", `odd|name\here`},
		{"count", "1"},
	})

	f, err := DecodeDescriptor(payload)
	require.NoError(t, err)
	assert.Equal(t, `odd|name\here`, f.TaskID())
}

func TestDecodeDescriptorFailures(t *testing.T) {
	t.Run("UnknownTag", func(t *testing.T) {
		_, err := DecodeDescriptor("no-such-tag|task:=x")
		assert.Error(t, err)
	})
	t.Run("EmptyPayload", func(t *testing.T) {
		_, err := DecodeDescriptor("")
		assert.Error(t, err)
	})
	t.Run("MalformedPair", func(t *testing.T) {
		_, err := DecodeDescriptor(SleepTag + "|task-without-marker")
		assert.Error(t, err)
	})
	t.Run("RejectedValue", func(t *testing.T) {
		_, err := DecodeDescriptor(SleepTag + "|count:=notanumber")
		assert.Error(t, err)
	})
}

func TestRegisterValidation(t *testing.T) {
	assert.Panics(t, func() { Register("", func() Factory { return &SleepFactory{} }) })
	assert.Panics(t, func() { Register("nil-ctor", nil) })
	assert.Panics(t, func() { Register(SleepTag, func() Factory { return &SleepFactory{} }) })
	assert.Contains(t, Tags(), SleepTag)
}

func TestSleepFactoryDrain(t *testing.T) {
	f := &SleepFactory{Task: "drain", Prio: 1, Count: 3, Duration: time.Millisecond}

	var jobs []Job
	for {
		j := f.NextJob()
		if j == nil {
			break
		}
		jobs = append(jobs, j)
	}
	assert.Len(t, jobs, 3)
	assert.True(t, f.IsComplete())
	assert.Nil(t, f.NextJob())
}

func TestSleepFactoryEncodeTracksRemaining(t *testing.T) {
	f := &SleepFactory{Task: "enc", Prio: 1, Count: 2, Duration: time.Millisecond}
	f.NextJob()

	decoded, err := DecodeDescriptor(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.(*SleepFactory).Count)
}

func TestSleepJobRoundTrip(t *testing.T) {
	f := &SleepFactory{Task: "rt", Count: 1, Duration: 2 * time.Millisecond}
	j := f.NextJob()
	require.NotNil(t, j)

	decoded, err := f.DecodeJob(j.Encode())
	require.NoError(t, err)
	assert.Equal(t, j.TaskID(), decoded.TaskID())
	assert.Equal(t, j.Encode(), decoded.Encode())
}

func TestSleepJobRun(t *testing.T) {
	j := &SleepJob{Task: "run", Duration: time.Millisecond, Seq: 1}
	var out bytes.Buffer
	j.SetOutput(&out)

	require.NoError(t, j.Run(context.Background()))
	assert.Contains(t, out.String(), "run #1")

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		j := &SleepJob{Task: "cancel", Duration: time.Minute}
		assert.Error(t, j.Run(ctx))
	})
}

func TestApplyWeakTyping(t *testing.T) {
	f := &SleepFactory{}
	require.NoError(t, Apply(f, map[string]string{
		"task":     "weak",
		"priority": "1.5",
		"count":    "7",
		"duration": "250ms",
	}))
	assert.Equal(t, "weak", f.Task)
	assert.Equal(t, 1.5, f.Prio)
	assert.Equal(t, 7, f.Count)
	assert.Equal(t, 250*time.Millisecond, f.Duration)

	t.Run("UnknownKey", func(t *testing.T) {
		assert.Error(t, Apply(&SleepFactory{}, map[string]string{"bogus": "1"}))
	})
}
