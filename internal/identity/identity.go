// Package identity issues opaque tokens for tracked elements and sessions.
package identity

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Source produces unique opaque tokens on demand.
type Source interface {
	Token() string
}

// UUIDSource issues tokens of the form "<prefix>_<uuid>".
type UUIDSource struct {
	// Prefix defaults to "el" when empty.
	Prefix string
}

// Token returns a fresh token.
func (s UUIDSource) Token() string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "el"
	}
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// SeqSource issues deterministic sequential tokens for tests.
type SeqSource struct {
	// Prefix defaults to "el" when empty.
	Prefix string

	mu sync.Mutex
	n  int
}

// Token returns the next sequential token.
func (s *SeqSource) Token() string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "el"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s_%06d", prefix, s.n)
}
