// Package audit keeps a hash-chained, append-only trail of access lifecycle
// events and archives it to object storage. Records carry ids and secret
// names only, never secret values.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// canonicalJSON produces a stable byte representation of v: keys sorted
// lexicographically, no extraneous whitespace. Required so a record hashes
// identically on every run.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json unmarshal: %w", err)
	}

	out, err := json.Marshal(sortKeys(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical json re-marshal: %w", err)
	}
	return out, nil
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sorted := make(orderedMap, 0, len(val))
		for _, k := range keys {
			sorted = append(sorted, kv{Key: k, Value: sortKeys(val[k])})
		}
		return sorted

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out

	default:
		return val
	}
}

// orderedMap preserves insertion order during JSON marshalling.
type orderedMap []kv

type kv struct {
	Key   string
	Value any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, item := range om {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(item.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(item.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// chainHash computes the next link:
//
//	hash = SHA-256( prevHash || canonicalBody )
func chainHash(prevHash string, canonicalBody []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyFrom walks records and checks every hash link starting from prevHash.
// Pass an empty prevHash for a chain that starts at genesis.
func VerifyFrom(prevHash string, records []Record) error {
	prev := prevHash
	for i, rec := range records {
		body, err := canonicalJSON(rec.body())
		if err != nil {
			return fmt.Errorf("audit.VerifyFrom: record %d: %w", i, err)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("audit.VerifyFrom: chain broken at seq %d: prev hash mismatch", rec.Seq)
		}
		expected := chainHash(prev, body)
		if rec.Hash != expected {
			return fmt.Errorf("audit.VerifyFrom: chain broken at seq %d: expected %s, got %s", rec.Seq, expected, rec.Hash)
		}
		prev = rec.Hash
	}
	return nil
}
