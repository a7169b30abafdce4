package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Tier is the service class of an API key, carrying its rate-limit and
// quota bundle (§4.5/§7's tier-keyed limits are looked up by this value).
type Tier string

// Tiers recognized by the router.
const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// Quotas bounds one key's admission, independent of the sliding-window rate
// limiter's own per-window counters — this is the hard budget cap checked
// before QuotaExceededError is raised (§7).
type Quotas struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	TokensPerDay       int
	MaxConcurrent     int
	QueueOnLimit      bool
	QueueCap          int
}

// KeyRecord is the §3 "API Key record (persisted)" shape: keyId is the
// public prefix handed to callers, HashedSecret is compared in constant
// time against the presented secret, never the secret itself.
type KeyRecord struct {
	KeyID        string    `json:"key_id"`
	HashedSecret string    `json:"hashed_secret"`
	Customer     string    `json:"customer"`
	UserID       string    `json:"user_id,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	Tier         Tier      `json:"tier"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
	Quotas       Quotas    `json:"quotas"`
	Disabled     bool      `json:"disabled"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AuthContext is the resolved identity attached to a request after
// successful key validation (spec.md §3 authContext).
type AuthContext struct {
	KeyID   string
	Tier    Tier
	UserID  string
	GroupID string
}

// AuthStore persists KeyRecords and validates "keyId.secret" bearer
// credentials. It is independent of the teacher's in-memory KeyStore
// (kept for the config-driven Gateway's own admin API) — this store backs
// the pipeline's per-request AuthN/AuthZ step against the §3 data model.
type AuthStore struct {
	mu sync.Mutex
	pm *PersistentMap
}

// NewAuthStore opens (or creates) the key-record file at path.
func NewAuthStore(path string) (*AuthStore, error) {
	pm, err := NewPersistentMap(path)
	if err != nil {
		return nil, err
	}
	return &AuthStore{pm: pm}, nil
}

// hashSecret returns the hex-encoded SHA-256 digest of secret. Secrets are
// high-entropy random tokens (see IssueKey), so a fast cryptographic hash
// without per-record salting is sufficient — there is no password-guessing
// surface to defend against, unlike user passwords.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IssueKey generates a new "keyId.secret" credential and persists its
// record with the given tier/quotas. The returned string is shown to the
// caller exactly once; only its hash is ever persisted.
func (s *AuthStore) IssueKey(customer string, tier Tier, quotas Quotas, userID, groupID string) (presented string, rec *KeyRecord, err error) {
	keyID, err := randomToken(8)
	if err != nil {
		return "", nil, err
	}
	secret, err := randomToken(24)
	if err != nil {
		return "", nil, err
	}

	rec = &KeyRecord{
		KeyID:        keyID,
		HashedSecret: hashSecret(secret),
		Customer:     customer,
		UserID:       userID,
		GroupID:      groupID,
		Tier:         tier,
		CreatedAt:    time.Now().UTC(),
		Quotas:       quotas,
	}
	if err := s.pm.Set(keyID, rec); err != nil {
		return "", nil, err
	}
	return keyID + "." + secret, rec, nil
}

func randomToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Validate splits presented into keyId/secret, looks up the record, and
// compares the secret against HashedSecret in constant time. Disabled or
// absent keys return ErrAuthInvalid (classified as AuthError upstream).
func (s *AuthStore) Validate(presented string) (*AuthContext, error) {
	keyID, secret, ok := splitKeyIDSecret(presented)
	if !ok {
		return nil, ErrAuthInvalid
	}

	var rec KeyRecord
	found, err := s.pm.Get(keyID, &rec)
	if err != nil {
		return nil, err
	}
	if !found || rec.Disabled {
		return nil, ErrAuthInvalid
	}

	want := hashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(want), []byte(rec.HashedSecret)) != 1 {
		return nil, ErrAuthInvalid
	}

	s.mu.Lock()
	rec.LastUsedAt = time.Now().UTC()
	_ = s.pm.Set(keyID, &rec)
	s.mu.Unlock()

	return &AuthContext{KeyID: rec.KeyID, Tier: rec.Tier, UserID: rec.UserID, GroupID: rec.GroupID}, nil
}

// Get returns the record for keyID, if present.
func (s *AuthStore) Get(keyID string) (*KeyRecord, bool, error) {
	var rec KeyRecord
	ok, err := s.pm.Get(keyID, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return &rec, true, nil
}

// Disable marks a key record disabled; Validate subsequently rejects it.
func (s *AuthStore) Disable(keyID string) error {
	var rec KeyRecord
	ok, err := s.pm.Get(keyID, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("admin: unknown key %q", keyID)
	}
	rec.Disabled = true
	return s.pm.Set(keyID, &rec)
}

// Delete removes a key record entirely.
func (s *AuthStore) Delete(keyID string) { s.pm.Delete(keyID) }

// Close flushes the underlying persistent map.
func (s *AuthStore) Close() error { return s.pm.Close() }

// ErrAuthInvalid is returned by Validate for any malformed, unknown,
// disabled, or mismatched credential — never more specific, so as not to
// leak which half of the check failed.
var ErrAuthInvalid = fmt.Errorf("admin: invalid api key")

// DefaultQuotas returns the §4.5-shaped quota bundle for a tier.
func DefaultQuotas(t Tier) Quotas {
	switch t {
	case TierEnterprise:
		return Quotas{RequestsPerMinute: 600, RequestsPerHour: 20000, RequestsPerDay: 200000, TokensPerDay: 50_000_000, MaxConcurrent: 64, QueueOnLimit: true, QueueCap: 200}
	case TierPro:
		return Quotas{RequestsPerMinute: 120, RequestsPerHour: 4000, RequestsPerDay: 40000, TokensPerDay: 5_000_000, MaxConcurrent: 16, QueueOnLimit: true, QueueCap: 50}
	case TierAdmin:
		return Quotas{RequestsPerMinute: 6000, RequestsPerHour: 200000, RequestsPerDay: 2_000_000, TokensPerDay: 500_000_000, MaxConcurrent: 256, QueueOnLimit: false}
	default: // basic
		return Quotas{RequestsPerMinute: 20, RequestsPerHour: 500, RequestsPerDay: 2000, TokensPerDay: 500_000, MaxConcurrent: 4, QueueOnLimit: true, QueueCap: 10}
	}
}
