package store

import (
	"context"
	"time"
)

// AccessEventRecord captures one verification decision for the local
// mirror.  The ledger audit entry, when one was written, is referenced by
// AuditTxID.
type AccessEventRecord struct {
	EventID        string
	KeyID          string // empty when the payload did not parse
	KeyName        string
	OwnerAddress   string // empty until authenticity resolved it
	Recipient      string
	Granted        bool
	Reason         string
	Stage          string
	ErrorKind      string
	ConfirmedRound uint64 // 0 when unknown
	AuditTxID      string
	Actuation      string
	ReaderID       string
	ReceivedAt     time.Time
	DecidedAt      time.Time
}

// AccessEventStore persists access decisions as an append-only log.
type AccessEventStore interface {
	RecordEvent(ctx context.Context, rec AccessEventRecord) error
	// ListRecent returns up to limit events, newest first.
	ListRecent(ctx context.Context, limit int) ([]AccessEventRecord, error)
	// PruneOlderThan deletes events decided before cutoff.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultListLimit applies when a caller asks for a non-positive limit.
const DefaultListLimit = 50

// MaxListLimit caps ListRecent.
const MaxListLimit = 500

// ClampLimit normalizes a requested list size.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}
