// Package logins is the passwords collection: the record shape, the
// field-level three-way merge, duplicate detection, and the encrypted
// at-rest form of the password itself.
package logins

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bridgesync/bsync/internal/engine"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/recon"
	"github.com/bridgesync/bsync/internal/timestamp"
)

const KeySize = 32

var (
	// ErrCryptoKeyMissing: the row holds an encrypted password but the
	// collection was opened without a key.
	ErrCryptoKeyMissing = errors.New("no encryption key for encrypted record")

	// ErrCryptoDecryptFailed: the key does not open the row (rotated or
	// corrupt).
	ErrCryptoDecryptFailed = errors.New("record decryption failed")

	errBadKeySize = fmt.Errorf("encryption key must be %d bytes", KeySize)
)

// Login is one saved credential. The JSON tags are the wire form.
type Login struct {
	ID               guid.Guid           `json:"id"`
	Origin           string              `json:"origin"`
	FormActionOrigin string              `json:"formActionOrigin,omitempty"`
	HTTPRealm        string              `json:"httpRealm,omitempty"`
	Username         string              `json:"username"`
	Password         string              `json:"password"`
	UsernameField    string              `json:"usernameField,omitempty"`
	PasswordField    string              `json:"passwordField,omitempty"`
	TimeCreated      timestamp.Timestamp `json:"timeCreated,omitempty"`
	TimeLastUsed     timestamp.Timestamp `json:"timeLastUsed,omitempty"`
	TimeLastModified timestamp.Timestamp `json:"timeLastModified,omitempty"`
	TimesUsed        int64               `json:"timesUsed,omitempty"`
}

func (l Login) RecordID() guid.Guid { return l.ID }

func (l Login) Metadata() recon.Metadata {
	return recon.Metadata{
		TimeCreated:      l.TimeCreated,
		TimeLastUsed:     l.TimeLastUsed,
		TimeLastModified: l.TimeLastModified,
		TimesUsed:        l.TimesUsed,
	}
}

func (l Login) WithMetadata(m recon.Metadata) Login {
	l.TimeCreated = m.TimeCreated
	l.TimeLastUsed = m.TimeLastUsed
	l.TimeLastModified = m.TimeLastModified
	l.TimesUsed = m.TimesUsed
	return l
}

func (l Login) WithID(id guid.Guid) Login {
	l.ID = id
	return l
}

// Collection implements the passwords collection. With a key, stored
// rows carry the password sealed with XChaCha20-Poly1305; without one
// they are plaintext (test profiles).
type Collection struct {
	key []byte
}

var _ engine.Collection[Login] = (*Collection)(nil)

// NewCollection validates the optional encryption key: nil for
// plaintext, otherwise exactly 32 bytes.
func NewCollection(encryptionKey []byte) (*Collection, error) {
	if encryptionKey != nil && len(encryptionKey) != KeySize {
		return nil, errBadKeySize
	}
	return &Collection{key: encryptionKey}, nil
}

func (c *Collection) Name() string { return "passwords" }

// Merge keeps each side's change relative to the mirror and forks when
// both sides changed the password to different values.
func (c *Collection) Merge(incoming, local Login, mirror *Login) recon.MergeResult[Login] {
	if mirror != nil &&
		incoming.Password != mirror.Password && local.Password != mirror.Password &&
		incoming.Password != local.Password {
		return recon.MergeResult[Login]{Forked: true, Record: local}
	}

	merged := incoming
	if mirror != nil {
		keepLocal := func(inc, loc, mir string) string {
			if inc == mir && loc != mir {
				return loc
			}
			return inc
		}
		merged.Password = keepLocal(incoming.Password, local.Password, mirror.Password)
		merged.Username = keepLocal(incoming.Username, local.Username, mirror.Username)
		merged.UsernameField = keepLocal(incoming.UsernameField, local.UsernameField, mirror.UsernameField)
		merged.PasswordField = keepLocal(incoming.PasswordField, local.PasswordField, mirror.PasswordField)
	}
	return recon.MergeResult[Login]{Record: merged}
}

// FindDupe matches on the semantic key of a credential: where it is
// used and for whom.
func (c *Collection) FindDupe(incoming Login, locals []Login) *Login {
	for i := range locals {
		l := &locals[i]
		if l.Origin == incoming.Origin &&
			l.HTTPRealm == incoming.HTTPRealm &&
			l.FormActionOrigin == incoming.FormActionOrigin &&
			l.Username == incoming.Username {
			d := *l
			return &d
		}
	}
	return nil
}

// storedLogin is the at-rest row: the wire shape with the password
// moved into a sealed blob when a key is configured.
type storedLogin struct {
	Login
	PasswordEnc string `json:"passwordEnc,omitempty"`
}

func (c *Collection) EncodeLocal(record Login) ([]byte, error) {
	if c.key == nil {
		return json.Marshal(record)
	}
	sealed, err := c.seal(record.ID, record.Password)
	if err != nil {
		return nil, err
	}
	stored := storedLogin{Login: record, PasswordEnc: sealed}
	stored.Password = ""
	return json.Marshal(stored)
}

func (c *Collection) DecodeLocal(data []byte) (Login, error) {
	var stored storedLogin
	if err := json.Unmarshal(data, &stored); err != nil {
		return Login{}, err
	}
	if stored.PasswordEnc == "" {
		return stored.Login, nil
	}
	if c.key == nil {
		return stored.Login, fmt.Errorf("%w: %w", engine.ErrScrubbed, ErrCryptoKeyMissing)
	}
	password, err := c.open(stored.ID, stored.PasswordEnc)
	if err != nil {
		return stored.Login, fmt.Errorf("%w: %w", engine.ErrScrubbed, err)
	}
	out := stored.Login
	out.Password = password
	return out, nil
}

// seal encrypts password bound to its row GUID, returning
// base64(nonce | ciphertext).
func (c *Collection) seal(id guid.Guid, password string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	box := aead.Seal(nonce, nonce, []byte(password), []byte(id))
	return base64.StdEncoding.EncodeToString(box), nil
}

func (c *Collection) open(id guid.Guid, sealed string) (string, error) {
	box, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(box) < chacha20poly1305.NonceSizeX {
		return "", ErrCryptoDecryptFailed
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce, ciphertext := box[:chacha20poly1305.NonceSizeX], box[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return "", ErrCryptoDecryptFailed
	}
	return string(plain), nil
}
