package audit

import (
	"context"
	"strings"
	"testing"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "x"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) != `{"a":{"y":"x","z":true},"b":1}` {
		t.Errorf("unexpected canonical form: %s", a)
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	v := map[string]any{"kind": "access.requested", "data": map[string]any{"requestId": "r1", "secretNames": []string{"A", "B"}}}
	a, err := canonicalJSON(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := canonicalJSON(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("non-deterministic canonicalization: %s != %s", a, b)
	}
}

func TestTrail_ChainLinksAndVerify(t *testing.T) {
	tr := NewTrail(nil)
	ctx := context.Background()

	if err := tr.Record(ctx, KindAccessRequested, map[string]any{"requestId": "r1"}); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if err := tr.Record(ctx, KindAccessActivated, map[string]any{"sessionId": "s1"}); err != nil {
		t.Fatalf("record 2: %v", err)
	}
	if err := tr.Record(ctx, KindSessionCleanup, map[string]any{"sessionId": "s1"}); err != nil {
		t.Fatalf("record 3: %v", err)
	}

	recs := tr.List()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].PrevHash != "" {
		t.Error("genesis record must have empty prev hash")
	}
	if recs[1].PrevHash != recs[0].Hash || recs[2].PrevHash != recs[1].Hash {
		t.Error("records must chain through prev hashes")
	}
	if err := tr.Verify(); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestTrail_VerifyDetectsTampering(t *testing.T) {
	tr := NewTrail(nil)
	ctx := context.Background()
	tr.Record(ctx, KindAccessRequested, map[string]any{"requestId": "r1"})
	tr.Record(ctx, KindAccessDenied, map[string]any{"requestId": "r1"})

	recs := tr.List()
	recs[1].Data["requestId"] = "forged"
	if err := VerifyFrom("", recs); err == nil {
		t.Fatal("expected verification to fail after tampering")
	}
	if err := VerifyFrom("", recs); err != nil && !strings.Contains(err.Error(), "chain broken") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestTrail_Since(t *testing.T) {
	tr := NewTrail(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tr.Record(ctx, KindSecretRevoked, map[string]any{"tokenId": "t"})
	}
	out := tr.Since(3)
	if len(out) != 2 || out[0].Seq != 4 || out[1].Seq != 5 {
		t.Errorf("unexpected tail: %+v", out)
	}
}
