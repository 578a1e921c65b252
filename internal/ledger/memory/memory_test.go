package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/memory"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

func TestAppendAssignsRoundsAndIDs(t *testing.T) {
	l := memory.New(memory.DevLock)

	a := l.Append(ledger.Transaction{Sender: "X", Receiver: "X"})
	b := l.Append(ledger.Transaction{ID: "FIXED", Sender: "X", Receiver: "Y"})

	assert.Len(t, a.ID, 52)
	assert.Equal(t, uint64(1), a.ConfirmedRound)
	assert.Equal(t, "FIXED", b.ID)
	assert.Equal(t, uint64(2), b.ConfirmedRound)

	got, err := l.Transaction(context.Background(), "FIXED")
	require.NoError(t, err)
	assert.Equal(t, "Y", got.Receiver)

	_, err = l.Transaction(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAccountTransactionsNewestFirst(t *testing.T) {
	l := memory.New(memory.DevLock)
	l.Append(ledger.Transaction{ID: "1", Sender: "X", Receiver: "X"})
	l.Append(ledger.Transaction{ID: "2", Sender: "Z", Receiver: "Z"})
	l.Append(ledger.Transaction{ID: "3", Sender: "Y", Receiver: "X"})

	txs, err := l.AccountTransactions(context.Background(), "X", 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "3", txs[0].ID)
	assert.Equal(t, "1", txs[1].ID)

	txs, err = l.AccountTransactions(context.Background(), "X", 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestReturnedNotesAreCopies(t *testing.T) {
	l := memory.New(memory.DevLock)
	l.Append(ledger.Transaction{ID: "1", Note: []byte("abc")})

	tx, _ := l.Transaction(context.Background(), "1")
	tx.Note[0] = 'z'

	again, _ := l.Transaction(context.Background(), "1")
	assert.Equal(t, "abc", string(again.Note))
}

func TestSubmitAndConfirmationLag(t *testing.T) {
	l := memory.New(memory.DevLock)
	l.SetConfirmationLag(2)
	ctx := context.Background()

	id, err := l.Submit(ctx, ledger.Payment{Receiver: "OWNER", Note: []byte("n")})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		round, err := l.Confirmation(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, round, "poll %d should be pending", i)
	}
	round, err := l.Confirmation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), round)

	_, err = l.Submit(ctx, ledger.Payment{})
	assert.Error(t, err, "receiver is required")

	assert.Equal(t, [][]byte{[]byte("n")}, l.Submitted())
	_, _, submits := l.Calls()
	assert.Equal(t, int64(2), submits)
}

func TestInjectedFailures(t *testing.T) {
	l := memory.New(memory.DevLock)
	boom := errors.New("boom")
	ctx := context.Background()

	l.FailLookups(boom)
	_, err := l.Transaction(ctx, "x")
	assert.ErrorIs(t, err, boom)
	_, err = l.VerifyAccess(ctx, "x")
	assert.ErrorIs(t, err, boom)
	l.FailLookups(nil)

	l.FailHistory(boom)
	_, err = l.AccountTransactions(ctx, "x", 1)
	assert.ErrorIs(t, err, boom)

	l.FailSubmit(boom)
	_, err = l.Submit(ctx, ledger.Payment{Receiver: "x"})
	assert.ErrorIs(t, err, boom)
}

func TestVerdicts(t *testing.T) {
	l := memory.New(memory.DevLock)
	l.SetVerdict("KEY1", ledger.VerdictDeniedExpired)

	v, err := l.VerifyAccess(context.Background(), "KEY1")
	require.NoError(t, err)
	assert.Equal(t, ledger.VerdictDeniedExpired, v)

	_, err = l.VerifyAccess(context.Background(), "KEY2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSeedDev(t *testing.T) {
	l := memory.New(memory.DevLock)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	key, err := l.SeedDev("42", now)
	require.NoError(t, err)

	tx, err := l.Transaction(context.Background(), key.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.DevOwner, tx.Sender)

	note, ok := types.DecodeNote(tx.Note)
	require.True(t, ok)
	assert.Equal(t, types.ActionCreateGuestKey, note.Action)
	assert.Equal(t, memory.DevRecipient, note.Details.Recipient)

	var p map[string]string
	require.NoError(t, json.Unmarshal([]byte(key.Payload), &p))
	assert.Equal(t, key.ID, p["keyId"])
	assert.Equal(t, note.Details.ValidUntil, p["validUntil"])
}
