package admin

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAuthStore_IssueAndValidate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAuthStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	presented, rec, err := store.IssueKey("acme-corp", TierPro, DefaultQuotas(TierPro), "user-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(presented, ".") {
		t.Fatalf("presented key %q should be keyId.secret shaped", presented)
	}

	ctx, err := store.Validate(presented)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ctx.KeyID != rec.KeyID || ctx.Tier != TierPro || ctx.UserID != "user-1" {
		t.Fatalf("unexpected auth context: %+v", ctx)
	}
}

func TestAuthStore_ValidateRejectsWrongSecret(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAuthStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	presented, _, err := store.IssueKey("acme-corp", TierBasic, DefaultQuotas(TierBasic), "", "")
	if err != nil {
		t.Fatal(err)
	}
	keyID, _, _ := splitKeyIDSecret(presented)

	if _, err := store.Validate(keyID + ".wrong-secret"); err != ErrAuthInvalid {
		t.Fatalf("Validate(wrong secret) = %v, want ErrAuthInvalid", err)
	}
}

func TestAuthStore_ValidateRejectsDisabledKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAuthStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	presented, rec, err := store.IssueKey("acme-corp", TierBasic, DefaultQuotas(TierBasic), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Disable(rec.KeyID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Validate(presented); err != ErrAuthInvalid {
		t.Fatalf("Validate(disabled) = %v, want ErrAuthInvalid", err)
	}
}

func TestAuthStore_ValidateRejectsMalformedCredential(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAuthStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for _, bad := range []string{"", "no-dot-here", ".leading-dot", "trailing-dot."} {
		if _, err := store.Validate(bad); err != ErrAuthInvalid {
			t.Errorf("Validate(%q) = %v, want ErrAuthInvalid", bad, err)
		}
	}
}
