/*
errors.go - Centralized error types for the ledger engine

ERROR KINDS:
  StoreError         A single store call failed (network, availability).
                     Surfaced immediately, never retried automatically.
  ErrNotFound        Document/party/entry missing. BENIGN in deletion flows
                     (idempotent convergence), FATAL in posting flows.
  VerificationError  Entries still present after a verified delete. Fatal,
                     carries the remaining ids for manual remediation.
  PostingError       The ledger write for a document did not happen. The
                     document and the entry are separate store calls, so the
                     caller decides whether to roll back or retry.
  SagaError          A multi-step sequence stopped at a named step.

DIAGNOSTICS (not errors):
  DriftDetected, OrphanedEntry, DuplicatePosting are reported by the
  Auditor and logged as warnings. See audit.go.

SEE ALSO:
  - reconciler.go: VerificationError
  - writer.go: PostingError
  - saga.go: SagaError
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPartyNotFound is returned when posting against an unknown party.
	ErrPartyNotFound = errors.New("party not found")

	// ErrInvalidAmount is returned when an amount is zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrDuplicatePosting is returned when an entry already exists for the
	// same (reference_id, reference_type) in the domain.
	ErrDuplicatePosting = errors.New("duplicate posting for reference")

	// ErrVerificationFailed is returned when a delete could not be verified.
	ErrVerificationFailed = errors.New("delete verification failed")

	ErrUnknownDomain = errors.New("unknown ledger domain")
	ErrUnknownKind   = errors.New("unknown document kind")

	// ErrPartyMismatch is returned when a payment names a party that does not
	// own the document it settles.
	ErrPartyMismatch = errors.New("party does not own the referenced document")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// StoreError wraps a failed store call. This is the transient kind: the
// user-level action may be retried as a whole.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// storeErr wraps err unless it is nil or already a domain error.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// PostingError reports that a ledger entry was NOT written.
type PostingError struct {
	Stage     string // "validate", "party", "duplicate", "lock", "last_balance", "insert"
	Domain    Domain
	PartyID   PartyID
	Reference Reference
	Err       error
}

func (e *PostingError) Error() string {
	return fmt.Sprintf("posting %s to %s ledger of %s failed at %s: %v",
		e.Reference, e.Domain, e.PartyID, e.Stage, e.Err)
}

func (e *PostingError) Unwrap() error { return e.Err }

// VerificationError lists ledger rows that survived every delete strategy.
type VerificationError struct {
	Domain    Domain
	Reference Reference
	Remaining []EntryID
	Err       error // last error seen while retrying, may be nil
}

func (e *VerificationError) Error() string {
	ids := make([]string, len(e.Remaining))
	for i, id := range e.Remaining {
		ids[i] = string(id)
	}
	msg := fmt.Sprintf("%d %s ledger entries for %s still present after delete: [%s]",
		len(e.Remaining), e.Domain, e.Reference, strings.Join(ids, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return ErrVerificationFailed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error came from a failed store call.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsNotFound returns true if the error indicates a missing row or party.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPartyNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicatePosting) ||
		errors.Is(err, ErrUnknownDomain) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrPartyMismatch)
}
