package secmem

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lanternops/deskrelay/internal/logging"
)

var log = logging.L("secmem")

// SecureString holds sensitive data (auth tokens, configured passwords) with
// best-effort memory zeroing. Go's GC may copy the backing array, so this is
// defense-in-depth, not a guarantee. Call Zero() in shutdown paths to
// overwrite the value in place.
//
// Every formatting and marshaling path is redacted by construction so a
// stray %v or encoding/json.Marshal over a struct holding a SecureString
// cannot leak it into a log line.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	warnedOnce atomic.Bool
}

// NewSecureString creates a SecureString from the given string.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// String returns a redacted representation so the token never leaks into
// default %v/%s formatting.
func (s *SecureString) String() string {
	return "[REDACTED]"
}

// GoString returns a redacted representation to prevent accidental logging
// via fmt.Printf("%#v", token).
func (s *SecureString) GoString() string {
	return "[REDACTED]"
}

// MarshalJSON always emits the redacted placeholder, never the plaintext.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal("[REDACTED]")
}

// UnmarshalJSON refuses to populate a SecureString from JSON; it exists only
// to satisfy json.Unmarshaler so a struct embedding one fails loudly instead
// of silently discarding the field.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return errors.New("secmem: SecureString cannot be unmarshaled from JSON")
}

// MarshalText returns the redacted placeholder.
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// Reveal returns the plaintext value. Callers must not log or persist it.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		if !s.warnedOnce.Swap(true) {
			log.Warn("secmem: Reveal called after Zero")
		}
		return ""
	}
	return string(s.data)
}

// IsZeroed reports whether Zero has already been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Zero overwrites the backing byte slice with zeros.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}
