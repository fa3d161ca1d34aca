// Package holo provides the shared content-addressing primitives — hashes,
// timestamps, and signatures — used across the source chain, DHT, and
// countersigning packages.
package holo

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	jsoncanonicalizer "github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// HashType tags the kind of content a Hash addresses. It is carried
// alongside the 32-byte digest so a Hash can't be mistaken for the wrong
// kind of reference.
type HashType uint32

const (
	HashTypeAction HashType = iota + 1
	HashTypeEntry
	HashTypeAgent
	HashTypeDna
	HashTypeOp
	HashTypeWarrant
	HashTypeExternal
)

func (t HashType) String() string {
	switch t {
	case HashTypeAction:
		return "Action"
	case HashTypeEntry:
		return "Entry"
	case HashTypeAgent:
		return "Agent"
	case HashTypeDna:
		return "Dna"
	case HashTypeOp:
		return "Op"
	case HashTypeWarrant:
		return "Warrant"
	case HashTypeExternal:
		return "External"
	default:
		return "Unknown"
	}
}

// Hash is an opaque 32-byte digest plus a 4-byte type tag.
type Hash struct {
	Type   HashType
	Digest [32]byte
}

// ActionHash, EntryHash, AgentKey, DnaHash, OpHash and WarrantHash are all
// represented by the same underlying Hash, distinguished by HashType. The
// aliases exist purely to make signatures self-documenting, matching §3.
type (
	ActionHash  = Hash
	EntryHash   = Hash
	AgentKey    = Hash
	DnaHash     = Hash
	OpHash      = Hash
	WarrantHash = Hash
)

// AnyDht is the sum of an ActionHash or an EntryHash — any hash that can
// serve as the target of a StoreRecord/StoreEntry lookup.
type AnyDht = Hash

// AnyLinkable is the sum of an EntryHash or an opaque External reference —
// any hash that CreateLink can target.
type AnyLinkable = Hash

// NewHash computes the content hash of data under the given type tag using
// blake2b-256, the same 32-byte digest Holochain itself uses.
func NewHash(t HashType, data []byte) Hash {
	sum := blake2b.Sum256(data)
	return Hash{Type: t, Digest: sum}
}

// HashContent canonicalizes v with RFC 8785 JSON Canonicalization (JCS) and
// hashes the canonical bytes. This is the single definition of "content
// hash" used throughout the module: any two equal values, regardless of Go
// map/slice ordering, canonicalize to the same bytes and hash identically.
func HashContent(t HashType, v interface{}) (Hash, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Hash{}, fmt.Errorf("holo: marshal for canonicalization: %w", err)
	}
	canon, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return Hash{}, fmt.Errorf("holo: jcs canonicalization: %w", err)
	}
	return NewHash(t, canon), nil
}

// IsZero reports whether h is the zero Hash (no type, no digest) — used to
// detect unset optional hash fields (e.g. Action.PrevAction on Dna).
func (h Hash) IsZero() bool {
	return h.Type == 0 && h.Digest == [32]byte{}
}

// Bytes returns the raw 32-byte digest, discarding the type tag.
func (h Hash) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, h.Digest[:])
	return b
}

// String renders the hash as "<Type>:<base64url digest>", e.g.
// "Action:q80...". It is stable and suitable as a map key or log field.
func (h Hash) String() string {
	return fmt.Sprintf("%s:%s", h.Type, base64.RawURLEncoding.EncodeToString(h.Digest[:]))
}

// ParseHash parses the String() representation back into a Hash.
func ParseHash(s string) (Hash, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Hash{}, fmt.Errorf("holo: malformed hash %q", s)
	}
	var t HashType
	switch parts[0] {
	case "Action":
		t = HashTypeAction
	case "Entry":
		t = HashTypeEntry
	case "Agent":
		t = HashTypeAgent
	case "Dna":
		t = HashTypeDna
	case "Op":
		t = HashTypeOp
	case "Warrant":
		t = HashTypeWarrant
	case "External":
		t = HashTypeExternal
	default:
		return Hash{}, fmt.Errorf("holo: unknown hash type %q", parts[0])
	}
	digest, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Hash{}, fmt.Errorf("holo: malformed digest: %w", err)
	}
	if len(digest) != 32 {
		return Hash{}, fmt.Errorf("holo: digest must be 32 bytes, got %d", len(digest))
	}
	var h Hash
	h.Type = t
	copy(h.Digest[:], digest)
	return h, nil
}

// MarshalJSON renders the Hash using its String() form so it round-trips
// through canonicalized JSON the same way every other field does.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses the String() form produced by MarshalJSON.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
