package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// KeyStore maps hashed credentials to tool IDs. Thread-safe.
// Credentials are stored as SHA-256 hashes to protect against memory dumps.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]string // SHA-256(credential) → toolID
}

// NewKeyStore creates a KeyStore from a comma-separated "tool:credential"
// string. Example: "agent-1:sk-abc,agent-2:sk-def"
func NewKeyStore(raw string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]string)}
	if raw == "" {
		return ks
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 {
			tool := strings.TrimSpace(parts[0])
			key := strings.TrimSpace(parts[1])
			ks.keys[hashKey(key)] = tool
		}
	}
	return ks
}

// Add registers a credential for a tool at runtime.
func (ks *KeyStore) Add(toolID, credential string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[hashKey(credential)] = toolID
}

// Lookup returns the tool ID for a given credential.
func (ks *KeyStore) Lookup(credential string) (toolID string, ok bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	toolID, ok = ks.keys[hashKey(credential)]
	return
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
