package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Record kinds written by the access client.
const (
	KindAccessRequested = "access.requested"
	KindAccessActivated = "access.activated"
	KindAccessDenied    = "access.denied"
	KindSessionCleanup  = "session.cleanup"
	KindSecretRevoked   = "secret.revoked"
)

// Record is one link in the trail. Hash covers Seq, At, Kind, and Data,
// chained through PrevHash.
type Record struct {
	Seq      int64          `json:"seq"`
	At       time.Time      `json:"at"`
	Kind     string         `json:"kind"`
	Data     map[string]any `json:"data,omitempty"`
	PrevHash string         `json:"prevHash"`
	Hash     string         `json:"hash"`
}

// body is the hashed portion of the record.
func (r Record) body() map[string]any {
	return map[string]any{
		"seq":  r.Seq,
		"at":   r.At.Format(time.RFC3339Nano),
		"kind": r.Kind,
		"data": r.Data,
	}
}

// Trail is an in-memory append-only chain. One Trail per client instance.
type Trail struct {
	log *slog.Logger

	mu      sync.Mutex
	records []Record
	nextSeq int64
}

// NewTrail creates an empty trail.
func NewTrail(log *slog.Logger) *Trail {
	if log == nil {
		log = slog.Default()
	}
	return &Trail{log: log, nextSeq: 1}
}

// Record appends one event to the chain.
func (t *Trail) Record(_ context.Context, kind string, data map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := ""
	if n := len(t.records); n > 0 {
		prev = t.records[n-1].Hash
	}
	rec := Record{
		Seq:      t.nextSeq,
		At:       time.Now().UTC(),
		Kind:     kind,
		Data:     data,
		PrevHash: prev,
	}
	body, err := canonicalJSON(rec.body())
	if err != nil {
		return fmt.Errorf("audit.Record: %w", err)
	}
	rec.Hash = chainHash(prev, body)

	t.records = append(t.records, rec)
	t.nextSeq++

	t.log.Info("audit record", "seq", rec.Seq, "kind", rec.Kind, "hash", rec.Hash)
	return nil
}

// List returns a copy of all records in sequence order.
func (t *Trail) List() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Since returns records with Seq strictly greater than seq.
func (t *Trail) Since(seq int64) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, r := range t.records {
		if r.Seq > seq {
			out = append(out, r)
		}
	}
	return out
}

// Len reports the number of records.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Verify checks every hash link in the trail.
func (t *Trail) Verify() error {
	return VerifyFrom("", t.List())
}
