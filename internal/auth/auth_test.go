package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashAndVerifyBcrypt(t *testing.T) {
	h, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(h, "bcrypt:") {
		t.Fatalf("hash missing prefix: %s", h)
	}
	if !VerifyPassword("hunter2", h) {
		t.Error("correct password should verify")
	}
	if VerifyPassword("wrong", h) {
		t.Error("wrong password should not verify")
	}
}

func TestHashAndVerifySHA256(t *testing.T) {
	h, err := HashPasswordSHA256("secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyPassword("secret", h) {
		t.Error("salted sha256 should verify")
	}
	if VerifyPassword("other", h) {
		t.Error("wrong password should not verify")
	}

	// Legacy unsalted format.
	sum := sha256.Sum256([]byte("legacy"))
	legacy := "sha256:" + hex.EncodeToString(sum[:])
	if !VerifyPassword("legacy", legacy) {
		t.Error("legacy unsalted sha256 should verify")
	}
}

func TestPlaintextNeverVerifies(t *testing.T) {
	if VerifyPassword("pw", "pw") {
		t.Error("plaintext stored value must never verify")
	}
	if VerifyPassword("", "") {
		t.Error("empty hash must never verify")
	}
}

func TestLoadVerifyAndPlaintextDetection(t *testing.T) {
	h, _ := HashPassword("djkey")
	dir := t.TempDir()
	path := filepath.Join(dir, "dj_auth.json")
	cfg := `{
		"djs": {
			"dj_1": {"name": "DJ One", "key_hash": "` + h + `", "priority": 10},
			"dj_2": {"name": "DJ Two", "key_hash": "plaintextpw", "priority": 5}
		},
		"vj_operators": {
			"vj_1": {"name": "Op", "key_hash": "` + h + `"}
		}
	}`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if r, ok := s.VerifyDJ("dj_1", "djkey"); !ok || r.Name != "DJ One" || r.Priority != 10 {
		t.Errorf("VerifyDJ(dj_1) = %+v, %v", r, ok)
	}
	if _, ok := s.VerifyDJ("dj_1", "nope"); ok {
		t.Error("wrong key should fail")
	}
	if _, ok := s.VerifyDJ("ghost", "djkey"); ok {
		t.Error("unknown id should fail")
	}
	if _, ok := s.VerifyDJ("dj_2", "plaintextpw"); ok {
		t.Error("plaintext entry must not verify even with the exact secret")
	}
	if _, ok := s.VerifyVJ("vj_1", "djkey"); !ok {
		t.Error("operator verify failed")
	}

	ids := s.PlaintextIDs()
	if len(ids) != 1 || ids[0] != "djs/dj_2" {
		t.Errorf("PlaintextIDs = %v", ids)
	}
	if err := s.Check(); !errors.Is(err, ErrPlaintextSecrets) {
		t.Errorf("Check = %v, want ErrPlaintextSecrets", err)
	}
}

func TestRehash(t *testing.T) {
	s := &Store{
		DJs: map[string]Record{
			"dj_1": {Name: "One", KeyHash: "rawpw", Priority: 10},
		},
		VJOperators: map[string]Record{},
	}
	n, err := s.Rehash()
	if err != nil || n != 1 {
		t.Fatalf("Rehash = %d, %v", n, err)
	}
	if err := s.Check(); err != nil {
		t.Fatalf("store still flags plaintext after rehash: %v", err)
	}
	if _, ok := s.VerifyDJ("dj_1", "rawpw"); !ok {
		t.Error("original secret should verify against the rehashed entry")
	}
}
