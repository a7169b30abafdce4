// Package admin (this file) implements §4.6 BYOK resolution: storing
// user/group-supplied provider credentials encrypted at rest and resolving
// the most specific applicable secret for a dispatch.
package admin

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// MasterKeySize is the required length of the process master key used to
// seal/unseal BYOK secrets, matching secretbox's fixed key size.
const MasterKeySize = 32

// BYOKRecord is the persisted shape for one BYOK credential, owned by either
// a user or a group. EncryptedSecret is sealed with the process master key;
// it is never decrypted except transiently inside Resolve.
type BYOKRecord struct {
	OwnerUserID     string    `json:"owner_user_id,omitempty"`
	OwnerGroupID    string    `json:"owner_group_id,omitempty"`
	AllowedUsers    []string  `json:"allowed_users,omitempty"` // only meaningful for group owners
	Provider        string    `json:"provider"`
	EncryptedSecret string    `json:"encrypted_secret"` // base64(nonce || ciphertext)
	Name            string    `json:"name,omitempty"`
	Description     string    `json:"description,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastValidatedAt time.Time `json:"last_validated_at,omitempty"`
}

func byokKey(owner, provider string) string { return owner + "::" + provider }

// BYOKStore persists BYOK records via a PersistentMap and seals secrets at
// rest with a process master key, per §4.6.
type BYOKStore struct {
	mu        sync.RWMutex
	pm        *PersistentMap
	masterKey [MasterKeySize]byte
	// envDefaults holds the process-default secret per provider, read once
	// at startup from the environment (e.g. OPENAI_API_KEY) — the
	// last-resort tier of §4.6's precedence rule.
	envDefaults map[string]string
}

// NewBYOKStore opens (or creates) the BYOK file at path, sealing with
// masterKey. masterKey must be exactly MasterKeySize bytes.
func NewBYOKStore(path string, masterKey []byte) (*BYOKStore, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("admin: BYOK master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	pm, err := NewPersistentMap(path)
	if err != nil {
		return nil, err
	}
	s := &BYOKStore{pm: pm, envDefaults: make(map[string]string)}
	copy(s.masterKey[:], masterKey)
	return s, nil
}

// WithEnvDefault registers the process-default secret for provider, read
// from the environment at startup (e.g. os.Getenv("OPENAI_API_KEY")).
func (s *BYOKStore) WithEnvDefault(provider, secret string) *BYOKStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret != "" {
		s.envDefaults[provider] = secret
	}
	return s
}

// seal encrypts secret with the store's master key, returning
// base64(nonce || ciphertext).
func (s *BYOKStore) seal(secret string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(secret), &nonce, &s.masterKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// unseal decrypts a value produced by seal.
func (s *BYOKStore) unseal(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("admin: malformed BYOK ciphertext: %w", err)
	}
	if len(raw) < 24 {
		return "", fmt.Errorf("admin: BYOK ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.masterKey)
	if !ok {
		return "", fmt.Errorf("admin: BYOK ciphertext failed to open (wrong master key?)")
	}
	return string(plain), nil
}

// Set stores (or replaces) the BYOK secret for owner+provider.
func (s *BYOKStore) Set(ownerUserID, ownerGroupID, provider, secret, name, description string) (*BYOKRecord, error) {
	if (ownerUserID == "") == (ownerGroupID == "") {
		return nil, fmt.Errorf("admin: BYOK record must have exactly one owner (user xor group)")
	}
	enc, err := s.seal(secret)
	if err != nil {
		return nil, err
	}
	owner := ownerUserID
	if owner == "" {
		owner = ownerGroupID
	}
	rec := &BYOKRecord{
		OwnerUserID:     ownerUserID,
		OwnerGroupID:    ownerGroupID,
		Provider:        provider,
		EncryptedSecret: enc,
		Name:            name,
		Description:     description,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.pm.Set(byokKey(owner, provider), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AllowUser adds userID to a group record's AllowedUsers list.
func (s *BYOKStore) AllowUser(groupID, provider, userID string) error {
	var rec BYOKRecord
	ok, err := s.pm.Get(byokKey(groupID, provider), &rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("admin: no BYOK record for group %q provider %q", groupID, provider)
	}
	for _, u := range rec.AllowedUsers {
		if u == userID {
			return nil
		}
	}
	rec.AllowedUsers = append(rec.AllowedUsers, userID)
	return s.pm.Set(byokKey(groupID, provider), &rec)
}

// Delete removes the BYOK record owned by owner (user or group ID) for provider.
func (s *BYOKStore) Delete(owner, provider string) {
	s.pm.Delete(byokKey(owner, provider))
}

// get decrypts the record at owner+provider, if present.
func (s *BYOKStore) get(owner, provider string) (string, bool, error) {
	var rec BYOKRecord
	ok, err := s.pm.Get(byokKey(owner, provider), &rec)
	if err != nil || !ok {
		return "", false, err
	}
	secret, err := s.unseal(rec.EncryptedSecret)
	if err != nil {
		return "", false, err
	}
	return secret, true, nil
}

// Resolve returns the most specific unencrypted secret for (userID,
// groupID, provider) following §4.6's precedence: (a) the user's own key,
// (b) the group's key if the user is in AllowedUsers, (c) the process
// default from the environment. Returns ErrNoBYOKKey if none apply.
func (s *BYOKStore) Resolve(userID, groupID, provider string) (string, error) {
	if userID != "" {
		if secret, ok, err := s.get(userID, provider); err != nil {
			return "", err
		} else if ok {
			return secret, nil
		}
	}
	if groupID != "" {
		var rec BYOKRecord
		ok, err := s.pm.Get(byokKey(groupID, provider), &rec)
		if err != nil {
			return "", err
		}
		if ok && userInGroup(rec.AllowedUsers, userID) {
			secret, err := s.unseal(rec.EncryptedSecret)
			if err != nil {
				return "", err
			}
			return secret, nil
		}
	}
	s.mu.RLock()
	def, ok := s.envDefaults[provider]
	s.mu.RUnlock()
	if ok {
		return def, nil
	}
	return "", ErrNoBYOKKey
}

func userInGroup(allowed []string, userID string) bool {
	for _, u := range allowed {
		if u == userID {
			return true
		}
	}
	return false
}

// ErrNoBYOKKey is returned by Resolve when no user, group, or environment
// key is available — callers should surface this as a PermissionError.
var ErrNoBYOKKey = fmt.Errorf("admin: no BYOK key available for provider")

// Close flushes the underlying persistent map.
func (s *BYOKStore) Close() error { return s.pm.Close() }

// LoadMasterKeyFromEnv reads a base64 or raw master key from the named
// environment variable, generating a per-process-lifetime random one if
// unset (development convenience; production deployments should set it
// explicitly so restarts can still decrypt existing records).
func LoadMasterKeyFromEnv(envVar string) ([]byte, error) {
	v := os.Getenv(envVar)
	if v == "" {
		key := make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil && len(decoded) == MasterKeySize {
		return decoded, nil
	}
	if len(v) == MasterKeySize {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("admin: %s must decode to %d bytes (base64 or raw)", envVar, MasterKeySize)
}

// splitKeyIDSecret splits a presented "keyId.secret" bearer credential.
func splitKeyIDSecret(presented string) (keyID, secret string, ok bool) {
	i := strings.IndexByte(presented, '.')
	if i <= 0 || i == len(presented)-1 {
		return "", "", false
	}
	return presented[:i], presented[i+1:], true
}
