// Package secrets seals provisioned instance details at rest.
//
// Agents report connection details (addresses, credentials) for a
// provisioned contract. When age recipients are configured the daemon
// encrypts the payload before it reaches the database; an identity file
// lets the daemon open it again for the owning tenant.
//
// Payloads written without recipients are stored as-is and pass through
// Open untouched, so turning sealing on does not break older rows.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// ageHeader is the first line of every binary age file.
const ageHeader = "age-encryption.org/v1\n"

// ErrNoIdentity is returned when a sealed payload is opened without an
// identity configured.
var ErrNoIdentity = errors.New("sealed payload requires an age identity")

// IsSealed reports whether payload looks like age ciphertext.
func IsSealed(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte(ageHeader))
}

// Sealer encrypts payloads to a fixed set of X25519 recipients. A nil or
// empty Sealer stores payloads unchanged.
type Sealer struct {
	recipients []age.Recipient
}

// NewSealer parses age1... recipient strings. Blank entries are skipped.
func NewSealer(recipients []string) (*Sealer, error) {
	sealer := &Sealer{}
	for _, raw := range recipients {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		recipient, err := age.ParseX25519Recipient(value)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		sealer.recipients = append(sealer.recipients, recipient)
	}
	return sealer, nil
}

// Enabled reports whether Seal encrypts.
func (s *Sealer) Enabled() bool {
	return s != nil && len(s.recipients) > 0
}

// Seal encrypts payload for every recipient. Empty payloads stay empty.
func (s *Sealer) Seal(payload []byte) ([]byte, error) {
	if !s.Enabled() || len(payload) == 0 {
		return payload, nil
	}
	var out bytes.Buffer
	writer, err := age.Encrypt(&out, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return nil, fmt.Errorf("write age payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close age writer: %w", err)
	}
	return out.Bytes(), nil
}

// Opener decrypts sealed payloads with one or more X25519 identities.
type Opener struct {
	identities []age.Identity
}

// LoadOpener reads an age identity file such as one produced by age-keygen.
func LoadOpener(keyPath string) (*Opener, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age identity path is required")
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseAgeIdentities(keyData)
	if err != nil {
		return nil, err
	}
	return &Opener{identities: identities}, nil
}

// Open returns the plaintext of payload. Unsealed payloads are returned
// unchanged; sealed ones need a non-nil Opener.
func (o *Opener) Open(payload []byte) ([]byte, error) {
	if !IsSealed(payload) {
		return payload, nil
	}
	if o == nil || len(o.identities) == 0 {
		return nil, ErrNoIdentity
	}
	reader, err := age.Decrypt(bytes.NewReader(payload), o.identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read age payload: %w", err)
	}
	return plain, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}
