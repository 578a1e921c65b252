// Package memory is an in-process ledger for tests and dev environments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
)

// Ledger stores transactions in append order and serves them back through
// the ledger.Lookup and ledger.AuditLog interfaces.
type Ledger struct {
	mu       sync.RWMutex
	txs      []ledger.Transaction
	byID     map[string]int
	round    uint64
	sender   string
	verdicts map[string]string

	lookupErr  error
	historyErr error
	submitErr  error
	confirmErr error
	confirmLag int
	pending    map[string]int

	lookupCalls  atomic.Int64
	historyCalls atomic.Int64
	submitCalls  atomic.Int64
}

// New returns an empty ledger whose audit entries are sent from sender.
func New(sender string) *Ledger {
	return &Ledger{
		byID:     make(map[string]int),
		sender:   sender,
		verdicts: make(map[string]string),
		pending:  make(map[string]int),
	}
}

// Append confirms a transaction in the next round.  A blank ID gets a
// generated one.  Returns the stored transaction.
func (l *Ledger) Append(tx ledger.Transaction) ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(tx)
}

func (l *Ledger) appendLocked(tx ledger.Transaction) ledger.Transaction {
	if tx.ID == "" {
		tx.ID = newTxID()
	}
	l.round++
	tx.ConfirmedRound = l.round
	l.byID[tx.ID] = len(l.txs)
	l.txs = append(l.txs, tx)
	return tx
}

// AppendNote marshals note as JSON and appends a self-payment from sender.
func (l *Ledger) AppendNote(id, sender string, note any) (ledger.Transaction, error) {
	b, err := json.Marshal(note)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("marshal note: %w", err)
	}
	return l.Append(ledger.Transaction{ID: id, Sender: sender, Receiver: sender, Note: b}), nil
}

// FailLookups makes Transaction return err until cleared with nil.
func (l *Ledger) FailLookups(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookupErr = err
}

// FailHistory makes AccountTransactions return err until cleared with nil.
func (l *Ledger) FailHistory(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.historyErr = err
}

// FailSubmit makes Submit return err until cleared with nil.
func (l *Ledger) FailSubmit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr = err
}

// FailConfirmation makes Confirmation return err until cleared with nil.
func (l *Ledger) FailConfirmation(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmErr = err
}

// SetConfirmationLag makes each submitted transaction report pending for n
// Confirmation polls before it is confirmed.  A negative n never confirms.
func (l *Ledger) SetConfirmationLag(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmLag = n
}

// SetVerdict fixes the contract verdict for keyID.
func (l *Ledger) SetVerdict(keyID, verdict string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verdicts[keyID] = verdict
}

func (l *Ledger) Transaction(ctx context.Context, id string) (ledger.Transaction, error) {
	l.lookupCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lookupErr != nil {
		return ledger.Transaction{}, l.lookupErr
	}
	i, ok := l.byID[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return cloneTx(l.txs[i]), nil
}

func (l *Ledger) AccountTransactions(ctx context.Context, address string, limit int) ([]ledger.Transaction, error) {
	l.historyCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.historyErr != nil {
		return nil, l.historyErr
	}
	var out []ledger.Transaction
	for i := len(l.txs) - 1; i >= 0; i-- {
		tx := l.txs[i]
		if tx.Sender != address && tx.Receiver != address {
			continue
		}
		out = append(out, cloneTx(tx))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) Sender() string { return l.sender }

func (l *Ledger) Submit(ctx context.Context, p ledger.Payment) (string, error) {
	l.submitCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != nil {
		return "", l.submitErr
	}
	if strings.TrimSpace(p.Receiver) == "" {
		return "", fmt.Errorf("submit: receiver is required")
	}
	tx := l.appendLocked(ledger.Transaction{
		Sender:   l.sender,
		Receiver: p.Receiver,
		Note:     append([]byte(nil), p.Note...),
	})
	l.pending[tx.ID] = l.confirmLag
	return tx.ID, nil
}

func (l *Ledger) Confirmation(ctx context.Context, txID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmErr != nil {
		return 0, l.confirmErr
	}
	i, ok := l.byID[txID]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	if left := l.pending[txID]; left != 0 {
		if left > 0 {
			l.pending[txID] = left - 1
		}
		return 0, nil
	}
	return l.txs[i].ConfirmedRound, nil
}

func (l *Ledger) VerifyAccess(ctx context.Context, keyID string) (string, error) {
	l.lookupCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lookupErr != nil {
		return "", l.lookupErr
	}
	v, ok := l.verdicts[keyID]
	if !ok {
		return "", fmt.Errorf("verify_access %s: %w", keyID, ledger.ErrNotFound)
	}
	return v, nil
}

// Submitted returns the notes of every audit transaction sent by the lock
// account, oldest first.  Test-only helper.
func (l *Ledger) Submitted() [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out [][]byte
	for _, tx := range l.txs {
		if tx.Sender == l.sender {
			out = append(out, append([]byte(nil), tx.Note...))
		}
	}
	return out
}

// Calls reports how many lookup, history and submit calls were served.
func (l *Ledger) Calls() (lookups, history, submits int64) {
	return l.lookupCalls.Load(), l.historyCalls.Load(), l.submitCalls.Load()
}

func cloneTx(tx ledger.Transaction) ledger.Transaction {
	tx.Note = append([]byte(nil), tx.Note...)
	return tx
}

// newTxID returns a 52-character uppercase id shaped like a ledger
// transaction id.
func newTxID() string {
	a := strings.ReplaceAll(strings.ToUpper(uuid.NewString()), "-", "")
	b := strings.ReplaceAll(strings.ToUpper(uuid.NewString()), "-", "")
	return (a + b)[:52]
}
