/*
 * Package buffer implements the bounded failed-job retry buffer. Jobs that
 * error during execution are parked here in encoded form and re-attempted
 * when the worker's queue runs dry. The buffer survives restarts through an
 * optional JSON file written with an atomic rename.
 */
package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/driftmesh/driftmesh/pkg/debug"
	"github.com/google/uuid"
)

// Entry is one parked job.
type Entry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Encoded   string    `json:"encoded"`
	Timestamp time.Time `json:"timestamp"`
}

// RetryBuffer is a capacity-bounded FIFO of failed jobs. Inserting beyond
// capacity evicts the oldest entry.
type RetryBuffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	filePath string
}

// New creates a retry buffer. filePath may be empty for a purely in-memory
// buffer; otherwise previously persisted entries are loaded.
func New(capacity int, filePath string) *RetryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	rb := &RetryBuffer{
		capacity: capacity,
		filePath: filePath,
		entries:  make([]Entry, 0, capacity),
	}
	if filePath != "" {
		if err := rb.loadFromDisk(); err != nil {
			debug.Warning("Failed to load retry buffer (starting fresh): %v", err)
		}
	}
	return rb
}

// Put parks an encoded job, evicting the oldest entry beyond capacity.
func (rb *RetryBuffer) Put(taskID, encoded string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries = append(rb.entries, Entry{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Encoded:   encoded,
		Timestamp: time.Now().UTC(),
	})
	if len(rb.entries) > rb.capacity {
		evicted := len(rb.entries) - rb.capacity
		rb.entries = rb.entries[evicted:]
		debug.Info("Retry buffer full, evicted %d oldest entries", evicted)
	}
	rb.saveLocked()
}

// Take removes and returns the oldest entry.
func (rb *RetryBuffer) Take() (Entry, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.entries) == 0 {
		return Entry{}, false
	}
	entry := rb.entries[0]
	rb.entries = rb.entries[1:]
	rb.saveLocked()
	return entry, true
}

// RemoveTask drops every entry belonging to the given task and reports how
// many were removed. Used by kill propagation.
func (rb *RetryBuffer) RemoveTask(taskID string) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	kept := rb.entries[:0]
	removed := 0
	for _, entry := range rb.entries {
		if entry.TaskID == taskID {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	rb.entries = kept
	if removed > 0 {
		rb.saveLocked()
	}
	return removed
}

// Count returns the number of parked jobs.
func (rb *RetryBuffer) Count() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.entries)
}

func (rb *RetryBuffer) loadFromDisk() error {
	data, err := os.ReadFile(rb.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read buffer file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to unmarshal buffer: %w", err)
	}
	if len(entries) > rb.capacity {
		entries = entries[len(entries)-rb.capacity:]
	}
	rb.entries = entries
	debug.Info("Loaded %d entries from retry buffer", len(entries))
	return nil
}

// saveLocked persists the buffer; caller must hold the lock. Persistence
// failures are logged, never propagated: retry state is best effort.
func (rb *RetryBuffer) saveLocked() {
	if rb.filePath == "" {
		return
	}
	if len(rb.entries) == 0 {
		if err := os.Remove(rb.filePath); err != nil && !os.IsNotExist(err) {
			debug.Warning("Failed to remove empty buffer file: %v", err)
		}
		return
	}
	data, err := json.MarshalIndent(rb.entries, "", "  ")
	if err != nil {
		debug.Error("Failed to marshal retry buffer: %v", err)
		return
	}
	tempFile := rb.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		debug.Error("Failed to write retry buffer: %v", err)
		return
	}
	if err := os.Rename(tempFile, rb.filePath); err != nil {
		os.Remove(tempFile)
		debug.Error("Failed to rename retry buffer file: %v", err)
	}
}
