package auth

import "testing"

func TestNewKeyStore(t *testing.T) {
	ks := NewKeyStore("agent-1:sk-abc,agent-2:sk-def")

	tests := []struct {
		key  string
		tool string
		ok   bool
	}{
		{"sk-abc", "agent-1", true},
		{"sk-def", "agent-2", true},
		{"sk-unknown", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		tool, ok := ks.Lookup(tt.key)
		if ok != tt.ok {
			t.Errorf("Lookup(%q) ok=%v, want %v", tt.key, ok, tt.ok)
		}
		if tool != tt.tool {
			t.Errorf("Lookup(%q) tool=%q, want %q", tt.key, tool, tt.tool)
		}
	}
}

func TestNewKeyStore_Empty(t *testing.T) {
	ks := NewKeyStore("")
	if _, ok := ks.Lookup("anything"); ok {
		t.Error("empty store should not match")
	}
}

func TestNewKeyStore_Whitespace(t *testing.T) {
	ks := NewKeyStore(" agent-1 : sk-abc , agent-2 : sk-def ")
	if tool, ok := ks.Lookup("sk-abc"); !ok || tool != "agent-1" {
		t.Error("should handle whitespace in key pairs")
	}
}

func TestKeyStore_Add(t *testing.T) {
	ks := NewKeyStore("")
	ks.Add("agent-3", "sk-late")
	if tool, ok := ks.Lookup("sk-late"); !ok || tool != "agent-3" {
		t.Error("runtime-added credential should resolve")
	}
}
