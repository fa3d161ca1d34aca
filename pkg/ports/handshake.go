// Peer version compatibility: a gossip peer advertises a semver version of
// the wire protocol it speaks; a node only queries peers whose advertised
// version satisfies its own configured compatibility range. Modeled on the
// teacher's use of Masterminds/semver/v3 for build/manifest compatibility
// checks before trusting remote input.
package ports

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/holochain-go/corechain/pkg/holo"
)

// PeerHandshake is the version-negotiation payload a Network implementation
// exchanges with a remote peer before the first real request (§6): "which
// wire protocol version do you speak, and which agent key is this peer."
type PeerHandshake struct {
	PeerAgent holo.AgentKey
	Version   string // semver, e.g. "0.3.1"
}

// VersionRange is a node's configured compatibility range for remote peers,
// expressed as a semver constraint (e.g. ">= 0.2.0, < 1.0.0").
type VersionRange struct {
	constraint *semver.Constraints
	raw        string
}

// ParseVersionRange compiles a semver constraint string into a reusable
// VersionRange. An empty string means "accept any version."
func ParseVersionRange(constraint string) (VersionRange, error) {
	if constraint == "" {
		return VersionRange{raw: constraint}, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return VersionRange{}, fmt.Errorf("ports: invalid peer version constraint %q: %w", constraint, err)
	}
	return VersionRange{constraint: c, raw: constraint}, nil
}

// Accepts reports whether peerVersion satisfies the range. A peer
// advertising an unparsable version string is never accepted: a gossip peer
// that can't even state its version compatibly is not trustworthy input.
func (r VersionRange) Accepts(peerVersion string) (bool, error) {
	if r.constraint == nil {
		return true, nil
	}
	v, err := semver.NewVersion(peerVersion)
	if err != nil {
		return false, fmt.Errorf("ports: peer advertised unparsable version %q: %w", peerVersion, err)
	}
	return r.constraint.Check(v), nil
}

// CheckPeerCompatible is the one-shot form used at handshake time: is this
// peer's advertised wire-protocol version acceptable for this node's
// configured range. A non-nil error or false means the peer must not be
// queried (§6 Network port: "incompatible peers are not queried").
func CheckPeerCompatible(hs PeerHandshake, allowed VersionRange) (bool, error) {
	ok, err := allowed.Accepts(hs.Version)
	if err != nil {
		return false, err
	}
	return ok, nil
}
