package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

var (
	ErrRecordNotFound    = errors.New("transaction not found on ledger")
	ErrMalformedNote     = errors.New("transaction note is not a guest key record")
	ErrNoteAppMismatch   = errors.New("transaction app_id mismatch")
	ErrNotKeyCreation    = errors.New("transaction is not a key creation")
	ErrRecipientMismatch = errors.New("recipient mismatch")
	ErrWindowMismatch    = errors.New("validity window does not match ledger record")
	ErrInvalidRecipient  = errors.New("ledger recipient is not a valid address")
)

// DefaultLedgerTimeout bounds every individual ledger request.
const DefaultLedgerTimeout = 5 * time.Second

// AuthenticityChecker resolves a credential to the create_guest_key
// transaction that minted it.  Every failure, including transport errors,
// is a denial.
type AuthenticityChecker struct {
	lookup  ledger.Lookup
	appID   string
	timeout time.Duration
}

func NewAuthenticityChecker(lookup ledger.Lookup, appID string, timeout time.Duration) *AuthenticityChecker {
	if timeout <= 0 {
		timeout = DefaultLedgerTimeout
	}
	return &AuthenticityChecker{lookup: lookup, appID: appID, timeout: timeout}
}

func (c *AuthenticityChecker) Check(ctx context.Context, cred types.Credential) (types.OnChainRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, err := c.lookup.Transaction(ctx, cred.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return types.OnChainRecord{}, ErrRecordNotFound
		}
		return types.OnChainRecord{}, fmt.Errorf("%w: %w", ErrRecordNotFound, errors.Join(ledger.ErrUnavailable, err))
	}
	if len(tx.Note) == 0 {
		return types.OnChainRecord{}, ErrRecordNotFound
	}

	note, ok := types.DecodeNote(tx.Note)
	if !ok || note.AppID == "" || note.Action == "" {
		return types.OnChainRecord{}, ErrMalformedNote
	}
	if !note.AppID.Matches(c.appID) {
		return types.OnChainRecord{}, ErrNoteAppMismatch
	}
	if note.Action != types.ActionCreateGuestKey {
		return types.OnChainRecord{}, ErrNotKeyCreation
	}
	if note.Details == nil || note.Details.Recipient == "" {
		return types.OnChainRecord{}, ErrMalformedNote
	}

	recipient := note.Details.Recipient
	if !IsValidAddress(recipient) {
		return types.OnChainRecord{}, ErrInvalidRecipient
	}
	if cred.OwnerClaim != "" && cred.OwnerClaim != recipient {
		return types.OnChainRecord{}, ErrRecipientMismatch
	}
	if !windowMatches(cred, note.Details) {
		return types.OnChainRecord{}, ErrWindowMismatch
	}

	id := tx.ID
	if id == "" {
		id = cred.ID
	}
	return types.OnChainRecord{
		TransactionID:    id,
		OwnerAddress:     tx.Sender,
		ConfirmedRound:   tx.ConfirmedRound,
		RecipientAddress: recipient,
		Note:             note,
	}, nil
}

// windowMatches rejects a credential whose validity window was edited after
// the key was minted.  Records without a window are not cross-checked.
func windowMatches(cred types.Credential, d *types.NoteDetails) bool {
	if d.ValidFrom != "" && cred.ValidFrom != "" && !sameInstant(d.ValidFrom, cred.ValidFrom) {
		return false
	}
	if d.ValidUntil != "" && cred.ValidUntil != "" && !sameInstant(d.ValidUntil, cred.ValidUntil) {
		return false
	}
	return true
}

// authenticityKind classifies a Check error.
func authenticityKind(err error) types.ErrorKind {
	switch {
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return types.KindUnavailable
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrMalformedNote):
		return types.KindNotFound
	default:
		return types.KindPolicyViolation
	}
}
