package admin

import (
	"path/filepath"
	"testing"
)

func testMasterKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef") // 32 bytes
}

func TestBYOKStore_SetResolveDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBYOKStore(filepath.Join(dir, "byok.json"), testMasterKey())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.Set("user-1", "", "openai-compatible", "sk-user-secret", "my key", ""); err != nil {
		t.Fatal(err)
	}

	secret, err := store.Resolve("user-1", "", "openai-compatible")
	if err != nil || secret != "sk-user-secret" {
		t.Fatalf("Resolve = (%q,%v), want (sk-user-secret,nil)", secret, err)
	}

	store.Delete("user-1", "openai-compatible")
	if _, err := store.Resolve("user-1", "", "openai-compatible"); err != ErrNoBYOKKey {
		t.Fatalf("Resolve after Delete = %v, want ErrNoBYOKKey", err)
	}
}

// TestBYOKStore_Precedence exercises scenario 6 from §8: user key wins over
// group key wins over environment default.
func TestBYOKStore_Precedence(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBYOKStore(filepath.Join(dir, "byok.json"), testMasterKey())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.WithEnvDefault("openai-compatible", "sk-env-default")

	if _, err := store.Set("", "group-g", "openai-compatible", "sk-group-secret", "group key", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.AllowUser("group-g", "openai-compatible", "user-u"); err != nil {
		t.Fatal(err)
	}

	// No user key yet: group key wins (user is in AllowedUsers).
	secret, err := store.Resolve("user-u", "group-g", "openai-compatible")
	if err != nil || secret != "sk-group-secret" {
		t.Fatalf("Resolve (group) = (%q,%v), want (sk-group-secret,nil)", secret, err)
	}

	// Add a user-specific key: it now wins.
	if _, err := store.Set("user-u", "", "openai-compatible", "sk-user-secret", "", ""); err != nil {
		t.Fatal(err)
	}
	secret, err = store.Resolve("user-u", "group-g", "openai-compatible")
	if err != nil || secret != "sk-user-secret" {
		t.Fatalf("Resolve (user) = (%q,%v), want (sk-user-secret,nil)", secret, err)
	}

	// Remove the user key: falls back to group.
	store.Delete("user-u", "openai-compatible")
	secret, err = store.Resolve("user-u", "group-g", "openai-compatible")
	if err != nil || secret != "sk-group-secret" {
		t.Fatalf("Resolve (group fallback) = (%q,%v), want (sk-group-secret,nil)", secret, err)
	}

	// Remove the group's key: falls back to env default.
	store.Delete("group-g", "openai-compatible")
	secret, err = store.Resolve("user-u", "group-g", "openai-compatible")
	if err != nil || secret != "sk-env-default" {
		t.Fatalf("Resolve (env fallback) = (%q,%v), want (sk-env-default,nil)", secret, err)
	}
}

func TestBYOKStore_NoKeyAnywhereIsPermissionError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBYOKStore(filepath.Join(dir, "byok.json"), testMasterKey())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.Resolve("user-x", "", "anthropic"); err != ErrNoBYOKKey {
		t.Fatalf("Resolve = %v, want ErrNoBYOKKey", err)
	}
}

func TestBYOKStore_RejectsMismatchedMasterKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "byok.json")
	store, err := NewBYOKStore(path, testMasterKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Set("user-1", "", "mistral", "sk-secret", "", ""); err != nil {
		t.Fatal(err)
	}
	store.Close()

	other := append([]byte(nil), testMasterKey()...)
	other[0] ^= 0xFF
	store2, err := NewBYOKStore(path, other)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	if _, err := store2.Resolve("user-1", "", "mistral"); err == nil {
		t.Fatal("expected unseal failure with wrong master key")
	}
}
