// Package connectcode issues and validates single-use, TTL-bounded connect
// codes of the form WORD-XXXX. WORD comes from a fixed list of short,
// easily spoken words; the suffix characters avoid the confusable glyphs
// O/0/I/1/L so codes survive being read out loud.
package connectcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var words = []string{
	"BEAT", "BASS", "DROP", "WAVE", "KICK", "SYNC", "LOOP", "VIBE",
	"RAVE", "FUNK", "JAZZ", "ROCK", "FLOW", "PEAK", "PUMP", "TUNE",
	"PLAY", "SPIN", "FADE", "RISE", "BOOM", "DRUM", "HIGH", "DEEP",
}

const suffixChars = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultTTL is the code lifetime when the operator does not pick one.
const DefaultTTL = 30 * time.Minute

var (
	// ErrInvalid covers unknown codes and codes already consumed.
	ErrInvalid = errors.New("invalid connect code")
	// ErrExpired is returned for known codes past their TTL.
	ErrExpired = errors.New("connect code expired")
)

// Code is one issued connect code.
type Code struct {
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Valid reports whether the code can still be consumed.
func (c *Code) Valid(now time.Time) bool {
	return !c.Used && now.Before(c.ExpiresAt)
}

// Registry holds issued codes. All operations are safe for concurrent use;
// ValidateAndConsume is atomic so two racing auth attempts cannot both
// succeed on the same code.
type Registry struct {
	mu    sync.Mutex
	codes map[string]*Code
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codes: make(map[string]*Code), now: time.Now}
}

// Generate issues a new code with the given TTL (DefaultTTL when ttl <= 0)
// and registers it.
func (r *Registry) Generate(ttl time.Duration) (*Code, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var b strings.Builder
	w, err := randInt(len(words))
	if err != nil {
		return nil, fmt.Errorf("generate connect code: %w", err)
	}
	b.WriteString(words[w])
	b.WriteByte('-')
	for i := 0; i < 4; i++ {
		n, err := randInt(len(suffixChars))
		if err != nil {
			return nil, fmt.Errorf("generate connect code: %w", err)
		}
		b.WriteByte(suffixChars[n])
	}

	now := r.now()
	c := &Code{Code: b.String(), CreatedAt: now, ExpiresAt: now.Add(ttl)}

	r.mu.Lock()
	r.codes[c.Code] = c
	r.mu.Unlock()
	return c, nil
}

// ValidateAndConsume atomically looks up code, fails if it is absent,
// expired, or already used, and otherwise marks it used.
func (r *Registry) ValidateAndConsume(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[code]
	if !ok || c.Used {
		return ErrInvalid
	}
	if !r.now().Before(c.ExpiresAt) {
		return ErrExpired
	}
	c.Used = true
	return nil
}

// Revoke removes a code regardless of state. Returns whether it existed.
func (r *Registry) Revoke(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.codes[code]
	delete(r.codes, code)
	return ok
}

// GC drops every code that is no longer valid and returns how many were
// removed.
func (r *Registry) GC() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, c := range r.codes {
		if !c.Valid(now) {
			delete(r.codes, k)
			n++
		}
	}
	return n
}

// Active returns a snapshot of all currently valid codes.
func (r *Registry) Active() []Code {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Code, 0, len(r.codes))
	for _, c := range r.codes {
		if c.Valid(now) {
			out = append(out, *c)
		}
	}
	return out
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
