package planner

import (
	"os"
	"strings"
	"testing"
)

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"sk-abc123", true},
		{"sk-proj_ABC-123", true},
		{"sk-", false},
		{"abc123", false},
		{"sk-abc 123", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateAPIKey(tt.key)
		if tt.ok && err != nil {
			t.Errorf("ValidateAPIKey(%q) = %v, want nil", tt.key, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateAPIKey(%q) = nil, want error", tt.key)
		}
	}
}

func TestResolveAPIKeyExplicit(t *testing.T) {
	key, err := ResolveAPIKey("sk-explicit123")
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-explicit123" {
		t.Errorf("key = %q", key)
	}
}

func TestResolveAPIKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", " sk-fromenv456\n")
	key, err := ResolveAPIKey("")
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-fromenv456" {
		t.Errorf("key = %q, want trimmed env value", key)
	}
}

func TestResolveAPIKeyFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })

	if err := os.WriteFile(".api-key", []byte("sk-fromfile789\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := ResolveAPIKey("")
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-fromfile789" {
		t.Errorf("key = %q", key)
	}
}

func TestResolveAPIKeyMalformed(t *testing.T) {
	if _, err := ResolveAPIKey("not-a-key"); err == nil {
		t.Fatal("expected validation error for malformed explicit key")
	}
}

func TestResolveAPIKeyMissing(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })

	_, err = ResolveAPIKey("")
	if err == nil {
		t.Fatal("expected error when no key anywhere")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("error should name the lookup chain: %v", err)
	}
}
