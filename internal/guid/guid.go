// Package guid implements record identifiers as the sync server accepts
// them: 1..64 bytes of printable, URL-safe ASCII.
package guid

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Guid identifies one record within its collection. Immutable once a
// record is created.
type Guid string

var ErrInvalid = errors.New("invalid guid")

// New returns a fresh random Guid: 9 CSPRNG bytes, base64url, 12 chars.
func New() Guid {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the platform is broken.
		panic(fmt.Sprintf("guid: rand: %v", err))
	}
	return Guid(base64.URLEncoding.EncodeToString(b))
}

// IsValid reports whether g would be accepted by the server:
// 1..64 bytes, every byte printable ASCII excluding characters that are
// unsafe in URLs.
func (g Guid) IsValid() bool {
	if len(g) == 0 || len(g) > 64 {
		return false
	}
	for i := 0; i < len(g); i++ {
		if !safeByte(g[i]) {
			return false
		}
	}
	return true
}

// Check returns ErrInvalid (wrapped with the offending value) if g is
// not server-safe. Outbound code paths must call this before upload.
func (g Guid) Check() error {
	if !g.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalid, string(g))
	}
	return nil
}

func (g Guid) String() string { return string(g) }

func safeByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	}
	switch b {
	// The server's safe set beyond alphanumerics.
	case '-', '_', '.', '~', '!', '$', '\'', '(', ')', '*', '+', ',', ';', '=', '@':
		return true
	}
	return false
}
