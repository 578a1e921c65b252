// Package ledger defines the read and append operations the verifier needs
// from the public ledger.  Implementations live in subpackages.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a transaction id does not resolve.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrUnavailable wraps transport or availability failures.
	ErrUnavailable = errors.New("ledger: unavailable")
)

// DefaultHistoryLimit bounds how many account transactions a revocation
// scan inspects.
const DefaultHistoryLimit = 1000

type Transaction struct {
	ID             string
	Sender         string
	Receiver       string
	Note           []byte
	ConfirmedRound uint64
}

// Lookup is the read-only indexer view of the ledger.
type Lookup interface {
	// Transaction returns ErrNotFound when id does not exist.
	Transaction(ctx context.Context, id string) (Transaction, error)
	// AccountTransactions returns up to limit of the account's most recent
	// transactions, newest first.
	AccountTransactions(ctx context.Context, address string, limit int) ([]Transaction, error)
}

// Payment is a zero-value audit transaction.
type Payment struct {
	Receiver string
	Amount   uint64
	Note     []byte
}

// AuditLog appends audit entries signed by the lock's own account.
type AuditLog interface {
	Sender() string
	Submit(ctx context.Context, p Payment) (string, error)
	// Confirmation returns the confirmed round, or 0 while pending.
	Confirmation(ctx context.Context, txID string) (uint64, error)
}

// Contract verdicts returned by the on-chain verify_access method.
const (
	VerdictGranted        = "GRANTED"
	VerdictDeniedRevoked  = "DENIED_REVOKED"
	VerdictDeniedNotYet   = "DENIED_NOT_YET_VALID"
	VerdictDeniedExpired  = "DENIED_EXPIRED"
	VerifyAccessMethodSig = "verify_access(string)string"
)

// ContractVerifier evaluates a key through the deployed application's
// read-only verify_access method.
type ContractVerifier interface {
	VerifyAccess(ctx context.Context, keyID string) (string, error)
}
