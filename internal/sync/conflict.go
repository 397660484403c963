package sync

import (
	"sort"
	"time"
)

// Resolution is the outcome of applying the LWW policy to one update.
// Fields holds the values that apply; ConflictFields the payload fields
// that lost to a newer stored write.
type Resolution struct {
	Fields         map[string]any
	ConflictFields []string
	// Stamps carries the new per-field timestamps for entities using
	// field-level resolution.
	Stamps map[string]time.Time
}

// Applied reports whether any field survives resolution.
func (r Resolution) Applied() bool {
	return len(r.Fields) > 0
}

// ResolveWholeRecord applies record-granularity LWW: the incoming write
// carries all payload fields if its client timestamp is not older than
// the record's last mutation, otherwise the whole update loses.
func ResolveWholeRecord(updatedAt time.Time, payload map[string]any, clientTS time.Time) Resolution {
	if clientTS.Before(updatedAt) {
		return Resolution{ConflictFields: sortedKeys(payload)}
	}
	fields := make(map[string]any, len(payload))
	for key, value := range payload {
		fields[key] = value
	}
	return Resolution{Fields: fields}
}

// ResolveFieldLevel applies field-granularity LWW: each payload field is
// compared against its own stored timestamp and applies only when the
// incoming write is strictly newer. A field never stamped applies
// unconditionally. This is what lets two devices edit different fields
// of the same record without either edit being lost.
func ResolveFieldLevel(stamps map[string]time.Time, payload map[string]any, clientTS time.Time) Resolution {
	res := Resolution{
		Fields: make(map[string]any),
		Stamps: make(map[string]time.Time),
	}
	for key, value := range payload {
		stored, stamped := stamps[key]
		if stamped && !clientTS.After(stored) {
			res.ConflictFields = append(res.ConflictFields, key)
			continue
		}
		res.Fields[key] = value
		res.Stamps[key] = clientTS
	}
	sort.Strings(res.ConflictFields)
	if len(res.Fields) == 0 {
		res.Fields = nil
		res.Stamps = nil
	}
	return res
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
