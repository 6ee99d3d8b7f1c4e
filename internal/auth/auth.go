// Package auth loads DJ and VJ-operator credentials and verifies keys
// against stored hashes. Supported hash formats carry an algorithm prefix:
// "bcrypt:$2b$..." and "sha256:<salt>:<hex>". An entry whose key_hash has
// no recognized prefix is treated as a plaintext secret; callers refuse to
// start with authentication required when any are present.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	prefixBcrypt = "bcrypt:"
	prefixSHA256 = "sha256:"

	bcryptCost = 12
)

// ErrPlaintextSecrets is returned by Check when any credential entry
// stores an unhashed secret.
var ErrPlaintextSecrets = errors.New("auth config contains plaintext secrets")

// Record is one credential entry.
type Record struct {
	Name     string `json:"name"`
	KeyHash  string `json:"key_hash"`
	Priority int    `json:"priority,omitempty"`
}

// Store holds the two credential tables from the auth config file.
type Store struct {
	DJs         map[string]Record `json:"djs"`
	VJOperators map[string]Record `json:"vj_operators"`
}

// Load reads an auth config JSON file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth config: %w", err)
	}
	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse auth config %s: %w", path, err)
	}
	if s.DJs == nil {
		s.DJs = map[string]Record{}
	}
	if s.VJOperators == nil {
		s.VJOperators = map[string]Record{}
	}
	return &s, nil
}

// Save writes the store back to path.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// PlaintextIDs returns "<section>/<id>" for every entry whose key_hash has
// no recognized algorithm prefix.
func (s *Store) PlaintextIDs() []string {
	var ids []string
	for id, r := range s.DJs {
		if r.KeyHash != "" && !hasKnownPrefix(r.KeyHash) {
			ids = append(ids, "djs/"+id)
		}
	}
	for id, r := range s.VJOperators {
		if r.KeyHash != "" && !hasKnownPrefix(r.KeyHash) {
			ids = append(ids, "vj_operators/"+id)
		}
	}
	return ids
}

// Check returns ErrPlaintextSecrets if any entry stores a plaintext secret.
func (s *Store) Check() error {
	if ids := s.PlaintextIDs(); len(ids) > 0 {
		return fmt.Errorf("%w: %s", ErrPlaintextSecrets, strings.Join(ids, ", "))
	}
	return nil
}

// VerifyDJ checks a DJ's key and returns its record on success.
func (s *Store) VerifyDJ(djID, key string) (Record, bool) {
	r, ok := s.DJs[djID]
	if !ok || !VerifyPassword(key, r.KeyHash) {
		return Record{}, false
	}
	return r, true
}

// VerifyVJ checks an operator's key and returns its record on success.
func (s *Store) VerifyVJ(vjID, key string) (Record, bool) {
	r, ok := s.VJOperators[vjID]
	if !ok || !VerifyPassword(key, r.KeyHash) {
		return Record{}, false
	}
	return r, true
}

// Rehash replaces every plaintext key_hash with a bcrypt hash of itself.
// Returns the number of rewritten entries.
func (s *Store) Rehash() (int, error) {
	n := 0
	for id, r := range s.DJs {
		if r.KeyHash != "" && !hasKnownPrefix(r.KeyHash) {
			h, err := HashPassword(r.KeyHash)
			if err != nil {
				return n, err
			}
			r.KeyHash = h
			s.DJs[id] = r
			n++
		}
	}
	for id, r := range s.VJOperators {
		if r.KeyHash != "" && !hasKnownPrefix(r.KeyHash) {
			h, err := HashPassword(r.KeyHash)
			if err != nil {
				return n, err
			}
			r.KeyHash = h
			s.VJOperators[id] = r
			n++
		}
	}
	return n, nil
}

func hasKnownPrefix(h string) bool {
	return strings.HasPrefix(h, prefixBcrypt) || strings.HasPrefix(h, prefixSHA256)
}

// HashPassword hashes a password with bcrypt and the "bcrypt:" prefix.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return prefixBcrypt + string(h), nil
}

// HashPasswordSHA256 hashes a password with a random salt in the legacy
// "sha256:<salt>:<hex>" format.
func HashPasswordSHA256(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	saltHex := hex.EncodeToString(salt)
	sum := sha256.Sum256([]byte(saltHex + ":" + password))
	return prefixSHA256 + saltHex + ":" + hex.EncodeToString(sum[:]), nil
}

// VerifyPassword verifies a password against a stored, prefixed hash.
// Unprefixed (plaintext) values never verify.
func VerifyPassword(password, stored string) bool {
	switch {
	case stored == "":
		return false
	case strings.HasPrefix(stored, prefixBcrypt):
		err := bcrypt.CompareHashAndPassword([]byte(stored[len(prefixBcrypt):]), []byte(password))
		return err == nil
	case strings.HasPrefix(stored, prefixSHA256):
		parts := strings.Split(stored[len(prefixSHA256):], ":")
		switch len(parts) {
		case 2: // salted: <salt>:<hex>
			sum := sha256.Sum256([]byte(parts[0] + ":" + password))
			return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(parts[1])) == 1
		case 1: // legacy unsalted: <hex>
			sum := sha256.Sum256([]byte(password))
			return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(parts[0])) == 1
		}
		return false
	default:
		return false
	}
}
