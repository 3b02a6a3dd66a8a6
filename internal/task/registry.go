package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/driftmesh/driftmesh/internal/wire"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

// Constructor builds an unconfigured factory of one registered type.
type Constructor func() Factory

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register maps a descriptor tag to a factory constructor. Registration
// happens at init time; an empty tag, nil constructor or duplicate tag is a
// programming error and panics.
func Register(tag string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if tag == "" {
		panic("task: Register with empty tag")
	}
	if ctor == nil {
		panic(fmt.Sprintf("task: Register(%q) with nil constructor", tag))
	}
	if _, dup := registry[tag]; dup {
		panic(fmt.Sprintf("task: Register(%q) called twice", tag))
	}
	registry[tag] = ctor
}

// Tags returns the registered descriptor tags, sorted.
func Tags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// EncodeDescriptor renders a descriptor payload from a tag and ordered
// key/value pairs.
func EncodeDescriptor(tag string, pairs [][2]string) string {
	fields := make([]string, 0, len(pairs)+1)
	fields = append(fields, tag)
	for _, kv := range pairs {
		fields = append(fields, kv[0]+":="+kv[1])
	}
	return wire.JoinFields(fields)
}

// DecodeDescriptor reconstructs a factory from a descriptor payload. Any
// failure (unknown tag, malformed pair, rejected value) is returned so the
// coordinator can drop the task without crashing.
func DecodeDescriptor(payload string) (Factory, error) {
	fields := wire.SplitFields(payload)
	if len(fields) == 0 || fields[0] == "" {
		return nil, fmt.Errorf("descriptor has no factory tag")
	}

	registryMu.RLock()
	ctor, ok := registry[fields[0]]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown factory tag %q", fields[0])
	}

	factory := ctor()
	for _, field := range fields[1:] {
		key, value, found := cutPair(field)
		if !found {
			return nil, fmt.Errorf("malformed descriptor field %q", field)
		}
		if err := factory.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %q: %w", key, err)
		}
	}

	debug.Debug("Decoded task descriptor: tag=%s task=%s", fields[0], factory.TaskID())
	return factory, nil
}

// splitEncodedJob parses an encoded job of the given tag into ordered pairs.
// Returns nil when the tag does not match or a field is malformed.
func splitEncodedJob(encoded, tag string) [][2]string {
	fields := wire.SplitFields(encoded)
	if len(fields) == 0 || fields[0] != tag {
		return nil
	}
	pairs := make([][2]string, 0, len(fields)-1)
	for _, field := range fields[1:] {
		key, value, found := cutPair(field)
		if !found {
			return nil
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs
}

func cutPair(field string) (string, string, bool) {
	for i := 0; i+1 < len(field); i++ {
		if field[i] == ':' && field[i+1] == '=' {
			return field[:i], field[i+2:], true
		}
	}
	return "", "", false
}
