package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// RevocationFailPolicy decides what an unreachable ledger means for the
// revocation check.
type RevocationFailPolicy string

const (
	// RevocationFailOpen treats an unavailable history as "not revoked".
	// A ledger outage therefore lets a revoked key through.
	RevocationFailOpen RevocationFailPolicy = "open"
	// RevocationFailClosed denies when the history cannot be fetched.
	RevocationFailClosed RevocationFailPolicy = "closed"
)

// ParseRevocationFailPolicy maps a config string to a policy, defaulting to
// fail-open for unknown values.
func ParseRevocationFailPolicy(s string) RevocationFailPolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(RevocationFailClosed)) {
		return RevocationFailClosed
	}
	return RevocationFailOpen
}

var ErrRevocationUnavailable = errors.New("revocation status unavailable")

// RevocationScanner searches the key owner's recent history for a
// revoke_guest_key note naming the credential.
type RevocationScanner struct {
	lookup  ledger.Lookup
	appID   string
	limit   int
	policy  RevocationFailPolicy
	timeout time.Duration
}

type RevocationOptions struct {
	AppID   string
	Limit   int
	Policy  RevocationFailPolicy
	Timeout time.Duration
}

func NewRevocationScanner(lookup ledger.Lookup, opts RevocationOptions) *RevocationScanner {
	if opts.Limit <= 0 {
		opts.Limit = ledger.DefaultHistoryLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLedgerTimeout
	}
	if opts.Policy == "" {
		opts.Policy = RevocationFailOpen
	}
	return &RevocationScanner{
		lookup:  lookup,
		appID:   opts.AppID,
		limit:   opts.Limit,
		policy:  opts.Policy,
		timeout: opts.Timeout,
	}
}

func (s *RevocationScanner) Policy() RevocationFailPolicy { return s.policy }

// IsRevoked returns a non-nil error only under RevocationFailClosed when the
// owner's history could not be fetched.
func (s *RevocationScanner) IsRevoked(ctx context.Context, keyID, owner string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	txs, err := s.lookup.AccountTransactions(ctx, owner, s.limit)
	if err != nil {
		if s.policy == RevocationFailClosed {
			return false, fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
		}
		return false, nil
	}

	for _, note := range decodedNotes(txs) {
		if note.IsRevocationOf(s.appID, keyID) {
			return true, nil
		}
	}
	return false, nil
}

// decodedNotes yields the notes that decode as structured records, skipping
// empty and undecodable ones.
func decodedNotes(txs []ledger.Transaction) []types.Note {
	out := make([]types.Note, 0, len(txs))
	for _, tx := range txs {
		if n, ok := types.DecodeNote(tx.Note); ok {
			out = append(out, n)
		}
	}
	return out
}
