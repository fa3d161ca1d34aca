package holo

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages (§7). Callers use errors.Is against
// these, and errors.As against the richer *MissingDhtDepError /
// *RejectedError types below for the payload they carry.
var (
	ErrHeaderAndEntryMismatch = errors.New("holo: entry presence/visibility does not match action")
	ErrMalformedGenesisData   = errors.New("holo: malformed genesis data")
	ErrGenesisDataMissing     = errors.New("holo: genesis data missing")
	ErrPrevActionMismatch     = errors.New("holo: prev_action does not match previous action's hash")
	ErrSeqMismatch            = errors.New("holo: action_seq is not prev.action_seq + 1")
	ErrBadSignature           = errors.New("holo: signature verification failed")
	ErrCounterfeitOp          = errors.New("holo: op failed wire-level authenticity check")
	ErrChainLocked            = errors.New("holo: chain is locked by a countersigning session")
	ErrHeadMoved              = errors.New("holo: chain head moved concurrently, retry")
	ErrSessionExpired         = errors.New("holo: countersigning session expired")
	ErrSessionUnknown         = errors.New("holo: countersigning session unknown")
	ErrDuplicateReceipt       = errors.New("holo: duplicate receipt, dropped")
)

// MissingDhtDepError is a recoverable dependency-availability error (§7):
// the validator needs Hash but it isn't present locally or via cascade yet.
// Workflows catch this with errors.As and schedule a retry instead of
// treating it as terminal.
type MissingDhtDepError struct {
	Hash Hash
}

func (e *MissingDhtDepError) Error() string {
	return fmt.Sprintf("holo: missing dht dependency %s", e.Hash)
}

// MissingDhtDep constructs a MissingDhtDepError for hash.
func MissingDhtDep(hash Hash) error {
	return &MissingDhtDepError{Hash: hash}
}

// RejectedError is a terminal validation rejection (§7) carrying the reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("holo: rejected: %s", e.Reason)
}

// Rejected constructs a RejectedError with reason.
func Rejected(reason string) error {
	return &RejectedError{Reason: reason}
}
