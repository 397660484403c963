package sync

import (
	"reflect"
	"testing"
	"time"
)

var baseTS = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestResolveWholeRecord(t *testing.T) {
	payload := map[string]any{"body": "updated", "pinned": true}

	newer := ResolveWholeRecord(baseTS, payload, baseTS.Add(time.Second))
	if !newer.Applied() || len(newer.ConflictFields) != 0 {
		t.Errorf("newer write should apply cleanly: %+v", newer)
	}

	equal := ResolveWholeRecord(baseTS, payload, baseTS)
	if !equal.Applied() {
		t.Errorf("equal-timestamp write should apply: %+v", equal)
	}

	older := ResolveWholeRecord(baseTS, payload, baseTS.Add(-time.Second))
	if older.Applied() {
		t.Errorf("older write should lose entirely: %+v", older)
	}
	if want := []string{"body", "pinned"}; !reflect.DeepEqual(older.ConflictFields, want) {
		t.Errorf("ConflictFields = %v, want %v", older.ConflictFields, want)
	}
}

func TestResolveFieldLevelIndependentFields(t *testing.T) {
	stamps := map[string]time.Time{"name": baseTS, "email": baseTS}

	res := ResolveFieldLevel(stamps, map[string]any{"email": "new@example.com"}, baseTS.Add(time.Minute))
	if !res.Applied() || len(res.ConflictFields) != 0 {
		t.Fatalf("strictly newer field should apply: %+v", res)
	}
	if res.Fields["email"] != "new@example.com" {
		t.Errorf("Fields = %v", res.Fields)
	}
	if !res.Stamps["email"].Equal(baseTS.Add(time.Minute)) {
		t.Errorf("Stamps = %v", res.Stamps)
	}
}

func TestResolveFieldLevelStaleFieldSkipped(t *testing.T) {
	stamps := map[string]time.Time{"name": baseTS.Add(time.Hour), "email": baseTS}
	payload := map[string]any{"name": "stale", "email": "fresh@example.com"}

	res := ResolveFieldLevel(stamps, payload, baseTS.Add(time.Minute))
	if !res.Applied() {
		t.Fatalf("fresh field should still apply: %+v", res)
	}
	if _, ok := res.Fields["name"]; ok {
		t.Error("stale field must not apply")
	}
	if want := []string{"name"}; !reflect.DeepEqual(res.ConflictFields, want) {
		t.Errorf("ConflictFields = %v, want %v", res.ConflictFields, want)
	}
}

func TestResolveFieldLevelEqualTimestampLoses(t *testing.T) {
	stamps := map[string]time.Time{"name": baseTS}
	res := ResolveFieldLevel(stamps, map[string]any{"name": "tie"}, baseTS)
	if res.Applied() {
		t.Errorf("equal timestamp must not win at field granularity: %+v", res)
	}
	if want := []string{"name"}; !reflect.DeepEqual(res.ConflictFields, want) {
		t.Errorf("ConflictFields = %v, want %v", res.ConflictFields, want)
	}
}

func TestResolveFieldLevelUnstampedFieldApplies(t *testing.T) {
	res := ResolveFieldLevel(nil, map[string]any{"phone": "555-0100"}, baseTS)
	if !res.Applied() || len(res.ConflictFields) != 0 {
		t.Errorf("field never stamped should apply: %+v", res)
	}
}
