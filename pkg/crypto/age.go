package crypto

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// ArchiveCipher encrypts backup artifacts as streams using age.
type ArchiveCipher struct {
	recipients []age.Recipient
	identities []age.Identity
}

// NewArchiveCipher parses X25519 recipients (age1...) and an optional
// identity (AGE-SECRET-KEY-...). Without an identity the cipher can only
// encrypt.
func NewArchiveCipher(recipients []string, identity string) (*ArchiveCipher, error) {
	c := &ArchiveCipher{}
	for _, raw := range recipients {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		c.recipients = append(c.recipients, r)
	}
	if strings.TrimSpace(identity) != "" {
		ids, err := age.ParseIdentities(strings.NewReader(identity))
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		c.identities = ids
		if len(c.recipients) == 0 {
			for _, id := range ids {
				if x, ok := id.(*age.X25519Identity); ok {
					c.recipients = append(c.recipients, x.Recipient())
				}
			}
		}
	}
	if len(c.recipients) == 0 {
		return nil, errors.New("age: no recipients configured")
	}
	return c, nil
}

// Enabled reports whether c can encrypt.
func (c *ArchiveCipher) Enabled() bool {
	return c != nil && len(c.recipients) > 0
}

// Encrypt copies src into dst as an age stream.
func (c *ArchiveCipher) Encrypt(dst io.Writer, src io.Reader) error {
	w, err := age.Encrypt(dst, c.recipients...)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("age encrypt copy: %w", err)
	}
	return w.Close()
}

// Decrypt copies an age stream from src into dst.
func (c *ArchiveCipher) Decrypt(dst io.Writer, src io.Reader) error {
	if len(c.identities) == 0 {
		return errors.New("age: no identity configured for decryption")
	}
	r, err := age.Decrypt(src, c.identities...)
	if err != nil {
		return fmt.Errorf("age decrypt: %w", err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("age decrypt copy: %w", err)
	}
	return nil
}
