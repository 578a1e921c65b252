// Package sqlite persists the local access-event mirror with
// modernc.org/sqlite.  Writes go through the single-writer db.Worker.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Soteria/server/internal/db"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/store"
)

type AccessEventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAccessEventStore(db *sql.DB, writer *dbpkg.Worker) *AccessEventStore {
	return &AccessEventStore{db: db, writer: writer}
}

func (s *AccessEventStore) RecordEvent(ctx context.Context, rec store.AccessEventRecord) error {
	if rec.EventID == "" {
		return fmt.Errorf("RecordEvent: event id is required")
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = rec.DecidedAt
	}
	if rec.Actuation == "" {
		rec.Actuation = "none"
	}

	var granted int
	if rec.Granted {
		granted = 1
	}

	var round any
	if rec.ConfirmedRound > 0 {
		round = int64(rec.ConfirmedRound)
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_events(
  event_id, key_id, key_name, owner_address, recipient,
  decision_granted, decision_reason, stage, error_kind,
  confirmed_round, audit_tx_id, actuation, reader_id,
  received_at_ms, decided_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.EventID, nullable(rec.KeyID), nullable(rec.KeyName), nullable(rec.OwnerAddress), nullable(rec.Recipient),
			granted, rec.Reason, rec.Stage, nullable(rec.ErrorKind),
			round, nullable(rec.AuditTxID), rec.Actuation, nullable(rec.ReaderID),
			rec.ReceivedAt.UTC().UnixMilli(), rec.DecidedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("RecordEvent insert: %w", err)
		}
		return nil
	})
}

func (s *AccessEventStore) ListRecent(ctx context.Context, limit int) ([]store.AccessEventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, key_id, key_name, owner_address, recipient,
       decision_granted, decision_reason, stage, error_kind,
       confirmed_round, audit_tx_id, actuation, reader_id,
       received_at_ms, decided_at_ms
FROM access_events
ORDER BY decided_at_ms DESC, rowid DESC
LIMIT ?;`, store.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ListRecent query: %w", err)
	}
	defer rows.Close()

	var out []store.AccessEventRecord
	for rows.Next() {
		var (
			rec       store.AccessEventRecord
			keyID     sql.NullString
			keyName   sql.NullString
			owner     sql.NullString
			recipient sql.NullString
			errorKind sql.NullString
			auditTxID sql.NullString
			readerID  sql.NullString
			granted   int
			round     sql.NullInt64
			received  int64
			decided   int64
		)
		if err := rows.Scan(
			&rec.EventID, &keyID, &keyName, &owner, &recipient,
			&granted, &rec.Reason, &rec.Stage, &errorKind,
			&round, &auditTxID, &rec.Actuation, &readerID,
			&received, &decided,
		); err != nil {
			return nil, fmt.Errorf("ListRecent scan: %w", err)
		}
		rec.KeyID = keyID.String
		rec.KeyName = keyName.String
		rec.OwnerAddress = owner.String
		rec.Recipient = recipient.String
		rec.Granted = granted == 1
		rec.ErrorKind = errorKind.String
		if round.Valid && round.Int64 > 0 {
			rec.ConfirmedRound = uint64(round.Int64)
		}
		rec.AuditTxID = auditTxID.String
		rec.ReaderID = readerID.String
		rec.ReceivedAt = time.UnixMilli(received).UTC()
		rec.DecidedAt = time.UnixMilli(decided).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRecent rows: %w", err)
	}
	return out, nil
}

func (s *AccessEventStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM access_events WHERE decided_at_ms < ?;`,
			cutoff.UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("PruneOlderThan delete: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
