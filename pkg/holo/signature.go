package holo

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SignatureSize is the length in bytes of a raw ed25519 signature (§3).
const SignatureSize = 64

// Signature is 64 raw signature bytes.
type Signature [SignatureSize]byte

// NewSignature wraps raw bytes into a Signature, requiring exactly
// SignatureSize bytes.
func NewSignature(raw []byte) (Signature, error) {
	var sig Signature
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("holo: signature must be %d bytes, got %d", SignatureSize, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// Bytes returns the raw signature bytes.
func (s Signature) Bytes() []byte {
	b := make([]byte, SignatureSize)
	copy(b, s[:])
	return b
}

// MarshalJSON encodes the signature as base64url, matching Hash's encoding
// convention so wire payloads are uniform.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawURLEncoding.EncodeToString(s[:]))
}

// UnmarshalJSON decodes the base64url form produced by MarshalJSON.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	raw, err := base64.RawURLEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("holo: malformed signature: %w", err)
	}
	parsed, err := NewSignature(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
