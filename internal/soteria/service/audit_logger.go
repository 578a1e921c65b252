package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

const (
	DefaultConfirmAttempts = 10
	DefaultConfirmInterval = time.Second
)

type AuditConfig struct {
	AppID           string
	ConfirmAttempts int
	ConfirmInterval time.Duration
	// SubmitTimeout bounds the submission call itself.
	SubmitTimeout time.Duration
	Now           func() time.Time
}

// AuditLogger appends guest_access and guest_access_denied notes to the
// ledger as zero-amount payments from the lock account to the key owner.
// It is advisory: every failure is logged and reported as an empty id.
type AuditLogger struct {
	log      ledger.AuditLog
	appID    string
	attempts int
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *log.Logger
}

func NewAuditLogger(al ledger.AuditLog, cfg AuditConfig, logger *log.Logger) *AuditLogger {
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = DefaultConfirmAttempts
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = DefaultConfirmInterval
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultLedgerTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AuditLogger{
		log:      al,
		appID:    cfg.AppID,
		attempts: cfg.ConfirmAttempts,
		interval: cfg.ConfirmInterval,
		timeout:  cfg.SubmitTimeout,
		now:      cfg.Now,
		logger:   logger,
	}
}

// LogGranted records a successful entry.  Returns the audit transaction id,
// or "" if the entry could not be submitted and confirmed.
func (a *AuditLogger) LogGranted(ctx context.Context, keyID, name, owner string) string {
	return a.append(ctx, owner, types.AccessLogNote{
		Action:     types.ActionGuestAccess,
		KeyID:      keyID,
		KeyName:    name,
		AccessType: "granted",
	})
}

// LogDenied records a refused entry with its reason.
func (a *AuditLogger) LogDenied(ctx context.Context, keyID, name, owner, reason string) string {
	return a.append(ctx, owner, types.AccessLogNote{
		Action:     types.ActionGuestAccessDenied,
		KeyID:      keyID,
		KeyName:    name,
		AccessType: "denied",
		Reason:     reason,
	})
}

func (a *AuditLogger) append(ctx context.Context, owner string, note types.AccessLogNote) string {
	if a == nil || a.log == nil {
		return ""
	}
	if owner == "" {
		a.logger.Printf("audit skipped action=%s key=%s: owner unknown", note.Action, note.KeyID)
		return ""
	}
	note.AppID = a.appID
	note.Timestamp = a.now().UTC().Format(time.RFC3339)

	b, err := json.Marshal(note)
	if err != nil {
		a.logger.Printf("audit marshal action=%s key=%s: %v", note.Action, note.KeyID, err)
		return ""
	}

	sctx, cancel := context.WithTimeout(ctx, a.timeout)
	txID, err := a.log.Submit(sctx, ledger.Payment{Receiver: owner, Amount: 0, Note: b})
	cancel()
	if err != nil {
		a.logger.Printf("audit submit failed action=%s key=%s: %v", note.Action, note.KeyID, err)
		return ""
	}

	round, ok := a.waitConfirmed(ctx, txID)
	if !ok {
		a.logger.Printf("audit unconfirmed action=%s key=%s tx=%s after %d attempts",
			note.Action, note.KeyID, txID, a.attempts)
		return ""
	}
	a.logger.Printf("audit logged action=%s key=%s tx=%s round=%d", note.Action, note.KeyID, txID, round)
	return txID
}

// waitConfirmed polls Confirmation up to attempts times.  Poll errors count
// as "still pending".
func (a *AuditLogger) waitConfirmed(ctx context.Context, txID string) (uint64, bool) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for i := 0; i < a.attempts; i++ {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		round, err := a.log.Confirmation(cctx, txID)
		cancel()
		if err == nil && round > 0 {
			return round, true
		}
		if i == a.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-ticker.C:
		}
	}
	return 0, false
}
