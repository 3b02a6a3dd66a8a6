package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Separator used inside task descriptor and kill payloads. Literal separators
// and backslashes in field values are backslash-escaped.
const Separator = "|"

// Status payload keys recognized by the coordinator. Additional keys (such as
// the peers listing) pass through ParseStatus untouched.
const (
	StatusKeyJobTime  = "jobtime"
	StatusKeyActivity = "activity"
	StatusKeyPeer     = "peer"
)

// FormatStatus renders ordered key/value pairs as "k1:=v1;k2:=v2".
func FormatStatus(pairs [][2]string) string {
	parts := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		parts = append(parts, kv[0]+":="+kv[1])
	}
	return strings.Join(parts, ";")
}

// ParseStatus splits a status payload into ordered key/value pairs.
// Fragments without the ":=" marker are skipped.
func ParseStatus(payload string) [][2]string {
	var pairs [][2]string
	for _, part := range strings.Split(payload, ";") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, ":=")
		if !found {
			continue
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs
}

// JoinFields escapes and joins descriptor fields with the separator.
func JoinFields(fields []string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, `\`, `\\`)
		f = strings.ReplaceAll(f, Separator, `\`+Separator)
		escaped[i] = f
	}
	return strings.Join(escaped, Separator)
}

// SplitFields reverses JoinFields, honoring the escaping convention.
func SplitFields(payload string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range payload {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case string(r) == Separator:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// FormatKill renders a kill payload: "<taskId><SEP><relayCount>".
func FormatKill(taskID string, relay int) string {
	return JoinFields([]string{taskID, strconv.Itoa(relay)})
}

// ParseKill splits a kill payload into task id and relay count.
func ParseKill(payload string) (string, int, error) {
	fields := SplitFields(payload)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("kill payload has %d fields, want 2", len(fields))
	}
	relay, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid kill relay count %q: %w", fields[1], err)
	}
	return fields[0], relay, nil
}
