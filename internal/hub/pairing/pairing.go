// Package pairing issues and redeems the short-lived codes that bind a
// desktop device and a web device into a room.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	// CodeAlphabet excludes the visually ambiguous symbols 0, O, 1 and I.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// CodeLen is the number of alphabet symbols in a code. This build uses
	// the 8-character form; the compact 4-character variant is not accepted.
	CodeLen = 8

	// DefaultTTL is how long a pending code stays redeemable.
	DefaultTTL = 5 * time.Minute
)

var (
	ErrInvalidCode = errors.New("invalid pair code")
	ErrCodeExpired = errors.New("pair code expired")
	ErrSameRole    = errors.New("cannot pair same device types")
)

// Device identifies one side of a pairing attempt.
type Device struct {
	ID   string
	Name string
	Role string
}

// Pair is a successfully matched device pair, slotted by role regardless of
// which side initiated.
type Pair struct {
	Desktop Device
	Web     Device
}

type pending struct {
	initiator Device
	expiresAt time.Time
}

// Store holds pending pair codes until they are confirmed, replaced or
// expired. All methods are safe for concurrent use.
type Store struct {
	// Now is the clock used for expiry checks. Tests may override it.
	Now func() time.Time

	ttl time.Duration

	mu       sync.Mutex
	byCode   map[string]*pending // normalized code -> pending entry
	byDevice map[string]string   // initiator device id -> normalized code
}

// NewStore creates a pairing store. A non-positive ttl uses DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		Now:      time.Now,
		ttl:      ttl,
		byCode:   make(map[string]*pending),
		byDevice: make(map[string]string),
	}
}

// Normalize strips separators and other non-alphanumeric runes and
// uppercases, so "abcd-efgh", "ABCDEFGH" and "abcd efgh" all resolve to the
// same pending entry.
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// FormatCode renders a normalized code in its canonical human-readable form
// with a dash after the 4th symbol.
func FormatCode(code string) string {
	if len(code) <= 4 {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// Request issues a fresh code for the given initiator. Any prior pending
// code from the same device is invalidated. The returned code is in
// canonical dashed form.
func (s *Store) Request(dev Device) (code string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byDevice[dev.ID]; ok {
		delete(s.byCode, old)
		delete(s.byDevice, dev.ID)
	}

	norm := s.uniqueCodeLocked()
	exp := s.Now().Add(s.ttl)
	s.byCode[norm] = &pending{initiator: dev, expiresAt: exp}
	s.byDevice[dev.ID] = norm

	return FormatCode(norm), exp
}

// Confirm redeems a code on behalf of the confirming device. The code is
// normalized before lookup. On ErrSameRole the entry stays valid so the user
// can retry from the correct side; on ErrCodeExpired it is removed.
func (s *Store) Confirm(code string, dev Device) (Pair, error) {
	norm := Normalize(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byCode[norm]
	if !ok {
		return Pair{}, ErrInvalidCode
	}
	if s.Now().After(p.expiresAt) {
		s.removeLocked(norm, p)
		return Pair{}, ErrCodeExpired
	}
	if dev.Role == p.initiator.Role {
		return Pair{}, ErrSameRole
	}

	s.removeLocked(norm, p)

	if p.initiator.Role == "desktop" {
		return Pair{Desktop: p.initiator, Web: dev}, nil
	}
	return Pair{Desktop: dev, Web: p.initiator}, nil
}

// ExpireStale removes every pending entry past its expiry and returns how
// many were dropped. Called by the hub reaper.
func (s *Store) ExpireStale() int {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int
	for norm, p := range s.byCode {
		if now.After(p.expiresAt) {
			s.removeLocked(norm, p)
			dropped++
		}
	}
	return dropped
}

// PendingCount returns the number of live pending codes.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCode)
}

func (s *Store) removeLocked(norm string, p *pending) {
	delete(s.byCode, norm)
	if cur, ok := s.byDevice[p.initiator.ID]; ok && cur == norm {
		delete(s.byDevice, p.initiator.ID)
	}
}

// uniqueCodeLocked generates a code that does not collide with any live
// pending entry. Requires s.mu held.
func (s *Store) uniqueCodeLocked() string {
	for {
		code := generateCode()
		if _, taken := s.byCode[code]; !taken {
			return code
		}
	}
}

func generateCode() string {
	buf := make([]byte, CodeLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return string(buf)
}
