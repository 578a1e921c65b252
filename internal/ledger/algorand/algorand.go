// Package algorand adapts the Algorand indexer and algod REST clients to the
// ledger interfaces.
package algorand

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
)

type Config struct {
	AlgodAddress   string
	AlgodToken     string
	IndexerAddress string
	IndexerToken   string
	LockMnemonic   string // 25-word mnemonic of the lock's audit account
	AppID          uint64 // numeric application id; 0 disables contract calls
}

// Client serves ledger.Lookup, ledger.AuditLog and ledger.ContractVerifier
// from one pair of REST clients.
type Client struct {
	algod   *algod.Client
	indexer *indexer.Client
	account crypto.Account
	appID   uint64
}

func New(cfg Config) (*Client, error) {
	ac, err := algod.MakeClient(cfg.AlgodAddress, cfg.AlgodToken)
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	ic, err := indexer.MakeClient(cfg.IndexerAddress, cfg.IndexerToken)
	if err != nil {
		return nil, fmt.Errorf("indexer client: %w", err)
	}
	acct, err := accountFromMnemonic(cfg.LockMnemonic)
	if err != nil {
		return nil, err
	}
	return &Client{algod: ac, indexer: ic, account: acct, appID: cfg.AppID}, nil
}

func accountFromMnemonic(m string) (crypto.Account, error) {
	m = strings.Join(strings.Fields(m), " ")
	if m == "" {
		return crypto.Account{}, errors.New("lock mnemonic is required")
	}
	sk, err := mnemonic.ToPrivateKey(m)
	if err != nil {
		return crypto.Account{}, fmt.Errorf("lock mnemonic: %w", err)
	}
	acct, err := crypto.AccountFromPrivateKey(ed25519.PrivateKey(sk))
	if err != nil {
		return crypto.Account{}, fmt.Errorf("lock account: %w", err)
	}
	return acct, nil
}

func (c *Client) Transaction(ctx context.Context, id string) (ledger.Transaction, error) {
	resp, err := c.indexer.LookupTransaction(id).Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return ledger.Transaction{}, ledger.ErrNotFound
		}
		return ledger.Transaction{}, fmt.Errorf("lookup %s: %w: %w", id, ledger.ErrUnavailable, err)
	}
	if resp.Transaction.Id == "" {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return fromModel(resp.Transaction), nil
}

func (c *Client) AccountTransactions(ctx context.Context, address string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	resp, err := c.indexer.LookupAccountTransactions(address).Limit(uint64(limit)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("account history %s: %w: %w", address, ledger.ErrUnavailable, err)
	}
	out := make([]ledger.Transaction, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		out = append(out, fromModel(tx))
	}
	return out, nil
}

func (c *Client) Sender() string { return c.account.Address.String() }

func (c *Client) Submit(ctx context.Context, p ledger.Payment) (string, error) {
	sp, err := c.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("suggested params: %w: %w", ledger.ErrUnavailable, err)
	}
	txn, err := transaction.MakePaymentTxn(c.Sender(), p.Receiver, p.Amount, p.Note, "", sp)
	if err != nil {
		return "", fmt.Errorf("build payment: %w", err)
	}
	_, signed, err := crypto.SignTransaction(c.account.PrivateKey, txn)
	if err != nil {
		return "", fmt.Errorf("sign payment: %w", err)
	}
	txID, err := c.algod.SendRawTransaction(signed).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("send payment: %w: %w", ledger.ErrUnavailable, err)
	}
	return txID, nil
}

func (c *Client) Confirmation(ctx context.Context, txID string) (uint64, error) {
	info, _, err := c.algod.PendingTransactionInformation(txID).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending info %s: %w: %w", txID, ledger.ErrUnavailable, err)
	}
	if info.PoolError != "" {
		return 0, fmt.Errorf("pending info %s: rejected: %s", txID, info.PoolError)
	}
	return info.ConfirmedRound, nil
}

// VerifyAccess simulates the application's verify_access method with an
// unsigned call from the lock account and returns its string verdict.
func (c *Client) VerifyAccess(ctx context.Context, keyID string) (string, error) {
	if c.appID == 0 {
		return "", errors.New("verify_access: numeric app id not configured")
	}
	method, err := abi.MethodFromSignature(ledger.VerifyAccessMethodSig)
	if err != nil {
		return "", fmt.Errorf("verify_access method: %w", err)
	}
	sp, err := c.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("suggested params: %w: %w", ledger.ErrUnavailable, err)
	}

	var atc transaction.AtomicTransactionComposer
	err = atc.AddMethodCall(transaction.AddMethodCallParams{
		AppID:           c.appID,
		Method:          method,
		MethodArgs:      []interface{}{keyID},
		Sender:          c.account.Address,
		SuggestedParams: sp,
		OnComplete:      types.NoOpOC,
		Signer:          transaction.EmptyTransactionSigner{},
		BoxReferences:   []types.AppBoxReference{{AppID: c.appID, Name: []byte(keyID)}},
	})
	if err != nil {
		return "", fmt.Errorf("verify_access call: %w", err)
	}

	res, err := atc.Simulate(ctx, c.algod, models.SimulateRequest{AllowEmptySignatures: true})
	if err != nil {
		return "", fmt.Errorf("verify_access simulate: %w: %w", ledger.ErrUnavailable, err)
	}
	if groups := res.SimulateResponse.TxnGroups; len(groups) > 0 && groups[0].FailureMessage != "" {
		// The contract asserts the key box exists; a failed assert means
		// the key was never created.
		return "", fmt.Errorf("verify_access %s: %w: %s", keyID, ledger.ErrNotFound, groups[0].FailureMessage)
	}
	if len(res.MethodResults) == 0 {
		return "", errors.New("verify_access: no method result")
	}
	mr := res.MethodResults[0]
	if mr.DecodeError != nil {
		return "", fmt.Errorf("verify_access decode: %w", mr.DecodeError)
	}
	verdict, ok := mr.ReturnValue.(string)
	if !ok {
		return "", fmt.Errorf("verify_access: unexpected return type %T", mr.ReturnValue)
	}
	return verdict, nil
}

func fromModel(tx models.Transaction) ledger.Transaction {
	return ledger.Transaction{
		ID:             tx.Id,
		Sender:         tx.Sender,
		Receiver:       tx.PaymentTransaction.Receiver,
		Note:           tx.Note,
		ConfirmedRound: tx.ConfirmedRound,
	}
}

// isNotFound recognises the SDK's HTTP 404 error text; the SDK does not
// export a concrete error type to match on.
func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "HTTP 404") ||
		strings.Contains(strings.ToLower(err.Error()), "no transaction found")
}
