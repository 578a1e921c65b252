package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/memory"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

func lastAuditNote(t *testing.T, l *memory.Ledger) types.AccessLogNote {
	t.Helper()
	notes := l.Submitted()
	require.NotEmpty(t, notes)
	var n types.AccessLogNote
	require.NoError(t, json.Unmarshal(notes[len(notes)-1], &n))
	return n
}

func TestAuditLogger_LogGranted(t *testing.T) {
	l := memory.New(lockAddr)

	txID := newAuditLogger(l).LogGranted(context.Background(), "KEY1", "Alice", ownerAddr)
	require.NotEmpty(t, txID)

	tx, err := l.Transaction(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, lockAddr, tx.Sender)
	assert.Equal(t, ownerAddr, tx.Receiver)

	n := lastAuditNote(t, l)
	assert.Equal(t, types.AccessLogNote{
		AppID:      testAppID,
		Action:     types.ActionGuestAccess,
		KeyID:      "KEY1",
		KeyName:    "Alice",
		Timestamp:  insideWindow.Format(time.RFC3339),
		AccessType: "granted",
	}, n)
}

func TestAuditLogger_LogDenied(t *testing.T) {
	l := memory.New(lockAddr)

	txID := newAuditLogger(l).LogDenied(context.Background(), "KEY1", "Alice", ownerAddr, "key has been revoked by owner")
	require.NotEmpty(t, txID)

	n := lastAuditNote(t, l)
	assert.Equal(t, types.ActionGuestAccessDenied, n.Action)
	assert.Equal(t, "denied", n.AccessType)
	assert.Equal(t, "key has been revoked by owner", n.Reason)
}

func TestAuditLogger_WaitsForConfirmation(t *testing.T) {
	l := memory.New(lockAddr)
	l.SetConfirmationLag(3)

	txID := newAuditLogger(l).LogGranted(context.Background(), "KEY1", "Alice", ownerAddr)
	assert.NotEmpty(t, txID)
}

func TestAuditLogger_FailuresReturnEmptyID(t *testing.T) {
	cases := map[string]func(l *memory.Ledger){
		"submit fails":       func(l *memory.Ledger) { l.FailSubmit(errLedgerDown) },
		"never confirms":     func(l *memory.Ledger) { l.SetConfirmationLag(-1) },
		"confirmation fails": func(l *memory.Ledger) { l.FailConfirmation(errLedgerDown) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			l := memory.New(lockAddr)
			setup(l)

			a := newAuditLogger(l)
			assert.Empty(t, a.LogGranted(context.Background(), "KEY1", "Alice", ownerAddr))
			assert.Empty(t, a.LogDenied(context.Background(), "KEY1", "Alice", ownerAddr, "expired"))
		})
	}
}

func TestAuditLogger_UnknownOwnerSkipsSubmission(t *testing.T) {
	l := memory.New(lockAddr)

	assert.Empty(t, newAuditLogger(l).LogDenied(context.Background(), "KEY1", "Alice", "", "not found"))
	_, _, submits := l.Calls()
	assert.Zero(t, submits)
}

func TestAuditLogger_NilIsNoop(t *testing.T) {
	var a *service.AuditLogger
	assert.Empty(t, a.LogGranted(context.Background(), "KEY1", "Alice", ownerAddr))
}

func TestAuditLogger_CancelledContextStopsPolling(t *testing.T) {
	l := memory.New(lockAddr)
	l.SetConfirmationLag(-1)
	a := service.NewAuditLogger(l, service.AuditConfig{
		AppID:           testAppID,
		ConfirmAttempts: 1000,
		ConfirmInterval: time.Hour,
	}, silentLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.Empty(t, a.LogGranted(ctx, "KEY1", "Alice", ownerAddr))
	assert.Less(t, time.Since(start), 5*time.Second)
}
