package buffer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRetryBufferFIFO(t *testing.T) {
	rb := New(10, "")

	rb.Put("t1", "job-a")
	rb.Put("t1", "job-b")
	rb.Put("t2", "job-c")

	if rb.Count() != 3 {
		t.Fatalf("Expected 3 entries, got %d", rb.Count())
	}

	for _, want := range []string{"job-a", "job-b", "job-c"} {
		entry, ok := rb.Take()
		if !ok {
			t.Fatalf("Take returned empty, want %s", want)
		}
		if entry.Encoded != want {
			t.Errorf("Got %s, want %s", entry.Encoded, want)
		}
	}
	if _, ok := rb.Take(); ok {
		t.Error("Take on empty buffer returned an entry")
	}
}

func TestRetryBufferEviction(t *testing.T) {
	rb := New(2, "")

	rb.Put("t", "oldest")
	rb.Put("t", "middle")
	rb.Put("t", "newest")

	if rb.Count() != 2 {
		t.Fatalf("Expected 2 entries after eviction, got %d", rb.Count())
	}
	entry, _ := rb.Take()
	if entry.Encoded != "middle" {
		t.Errorf("Oldest surviving entry is %s, want middle", entry.Encoded)
	}
}

func TestRetryBufferRemoveTask(t *testing.T) {
	rb := New(10, "")
	rb.Put("keep", "job-1")
	rb.Put("kill", "job-2")
	rb.Put("kill", "job-3")
	rb.Put("keep", "job-4")

	if removed := rb.RemoveTask("kill"); removed != 2 {
		t.Errorf("Removed %d entries, want 2", removed)
	}
	if rb.Count() != 2 {
		t.Errorf("Expected 2 remaining entries, got %d", rb.Count())
	}
	if removed := rb.RemoveTask("missing"); removed != 0 {
		t.Errorf("Removed %d entries for unknown task, want 0", removed)
	}
}

func TestRetryBufferPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.json")

	rb := New(5, path)
	rb.Put("t1", "persisted-a")
	rb.Put("t2", "persisted-b")

	// A fresh buffer over the same file sees the parked jobs.
	rb2 := New(5, path)
	if rb2.Count() != 2 {
		t.Fatalf("Expected 2 loaded entries, got %d", rb2.Count())
	}
	entry, _ := rb2.Take()
	if entry.Encoded != "persisted-a" || entry.TaskID != "t1" {
		t.Errorf("Loaded entry mismatch: %+v", entry)
	}

	t.Run("EmptyBufferRemovesFile", func(t *testing.T) {
		rb2.Take()
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("Buffer file should be removed once empty")
		}
	})
}

func TestRetryBufferCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.json")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}

	rb := New(5, path)
	if rb.Count() != 0 {
		t.Errorf("Corrupt file should start an empty buffer, got %d entries", rb.Count())
	}
}
