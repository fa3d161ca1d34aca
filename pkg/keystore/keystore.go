// Package keystore implements the Keystore port (§6) — the external
// signing collaborator every other package treats as injected. This module
// owns only the contract and an in-memory ed25519 implementation suitable
// for tests and single-process deployments; a production keystore (HSM,
// lair-keystore equivalent) is out of scope (§1) and satisfies the same
// interface.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/holochain-go/corechain/pkg/holo"
)

// Keystore is the signing port described in §6: sign bytes for a given
// public key, verify a signature, and mint new agent keypairs.
type Keystore interface {
	Sign(pubKey holo.AgentKey, data []byte) (holo.Signature, error)
	Verify(pubKey holo.AgentKey, data []byte, sig holo.Signature) bool
	NewSignKeypairRandom() (holo.AgentKey, error)
}

// InMemory is an ed25519-backed Keystore holding all private keys in
// process memory, modeled on the signer/verifier split in the teacher's
// crypto package (Ed25519Signer / Ed25519Verifier) but collapsed into one
// keyed-by-pubkey store since a node's keystore fronts many agent keys, not
// just one.
type InMemory struct {
	mu   sync.RWMutex
	keys map[holo.AgentKey]ed25519.PrivateKey
}

// NewInMemory creates an empty in-memory keystore.
func NewInMemory() *InMemory {
	return &InMemory{keys: make(map[holo.AgentKey]ed25519.PrivateKey)}
}

// NewSignKeypairRandom generates a fresh ed25519 keypair, retains the
// private half, and returns the public half as an AgentKey.
func (k *InMemory) NewSignKeypairRandom() (holo.AgentKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return holo.Hash{}, fmt.Errorf("keystore: key generation: %w", err)
	}
	agentKey := holo.Hash{Type: holo.HashTypeAgent}
	copy(agentKey.Digest[:], pub)

	k.mu.Lock()
	k.keys[agentKey] = priv
	k.mu.Unlock()

	return agentKey, nil
}

// Import registers an existing ed25519 private key under its derived
// AgentKey — used by tests that need deterministic keys.
func (k *InMemory) Import(priv ed25519.PrivateKey) holo.AgentKey {
	pub := priv.Public().(ed25519.PublicKey)
	agentKey := holo.Hash{Type: holo.HashTypeAgent}
	copy(agentKey.Digest[:], pub)

	k.mu.Lock()
	k.keys[agentKey] = priv
	k.mu.Unlock()

	return agentKey
}

// Sign signs data with the private key for pubKey.
func (k *InMemory) Sign(pubKey holo.AgentKey, data []byte) (holo.Signature, error) {
	k.mu.RLock()
	priv, ok := k.keys[pubKey]
	k.mu.RUnlock()
	if !ok {
		return holo.Signature{}, fmt.Errorf("keystore: no private key for %s", pubKey)
	}
	raw := ed25519.Sign(priv, data)
	sig, err := holo.NewSignature(raw)
	if err != nil {
		return holo.Signature{}, err
	}
	return sig, nil
}

// Verify checks sig against pubKey and data without requiring pubKey's
// private key to be held locally — any public key can be verified, not
// just ones this keystore can sign for, matching a real keystore's
// semantics (verification needs no secret material).
func (k *InMemory) Verify(pubKey holo.AgentKey, data []byte, sig holo.Signature) bool {
	if pubKey.Type != holo.HashTypeAgent {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey.Bytes()), data, sig.Bytes())
}

var _ Keystore = (*InMemory)(nil)
