package canonhash

import (
	"strings"
	"testing"
)

func TestSumObjectDeterministicForSameState(t *testing.T) {
	a := map[string]any{
		"status": "pending",
		"signatories": []any{
			map[string]any{"signed": true, "email": "ana@example.com"},
		},
	}
	b := map[string]any{
		"signatories": []any{
			map[string]any{"email": "ana@example.com", "signed": true},
		},
		"status": "pending",
	}

	ha, _, err := SumObject(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hb, _, err := SumObject(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected same hash, got %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, Prefix) {
		t.Fatalf("expected %q prefix, got %s", Prefix, ha)
	}
}

func TestSumObjectChangesWhenStateChanges(t *testing.T) {
	ha, _, _ := SumObject(map[string]any{"status": "sent"})
	hb, _, _ := SumObject(map[string]any{"status": "pending"})
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
}

func TestETagIsQuotedDigest(t *testing.T) {
	tag, err := ETag(map[string]any{"version": 3})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	h, _, _ := SumObject(map[string]any{"version": 3})
	if tag != `"`+strings.TrimPrefix(h, Prefix)+`"` {
		t.Fatalf("unexpected etag %s for %s", tag, h)
	}
}
