package service_test

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/memory"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

const testAppID = "42"

var (
	ownerAddr = "OWNER" + strings.Repeat("A", 53)
	guestAddr = "GUEST" + strings.Repeat("B", 53)
	lockAddr  = "LOCK" + strings.Repeat("C", 54)

	windowFrom   = "2025-01-01T00:00:00Z"
	windowUntil  = "2025-01-02T00:00:00Z"
	t0           = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1           = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	insideWindow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	errLedgerDown = errors.New("indexer: connection refused")
)

func silentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// guestKey describes one minted key and the payload that carries it.
type guestKey struct {
	ID        string
	Name      string
	Recipient string
	From      string
	Until     string
}

func defaultKey() guestKey {
	return guestKey{
		ID:        "TXN123ABCDEF",
		Name:      "Alice",
		Recipient: guestAddr,
		From:      windowFrom,
		Until:     windowUntil,
	}
}

// payload encodes k the way the owner dashboard renders a QR code.
func (k guestKey) payload() string {
	m := map[string]any{"keyId": k.ID, "appId": testAppID}
	if k.Recipient != "" {
		m["recipient"] = k.Recipient
	}
	if k.Name != "" {
		m["keyName"] = k.Name
	}
	if k.From != "" {
		m["validFrom"] = k.From
	}
	if k.Until != "" {
		m["validUntil"] = k.Until
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// mint appends k's create_guest_key note sent by ownerAddr.
func mint(t *testing.T, l *memory.Ledger, k guestKey) {
	t.Helper()
	_, err := l.AppendNote(k.ID, ownerAddr, types.Note{
		AppID:     testAppID,
		Action:    types.ActionCreateGuestKey,
		Timestamp: windowFrom,
		Details: &types.NoteDetails{
			Name:       k.Name,
			Recipient:  k.Recipient,
			ValidFrom:  k.From,
			ValidUntil: k.Until,
		},
	})
	if err != nil {
		t.Fatalf("mint %s: %v", k.ID, err)
	}
}

// revoke appends a revoke_guest_key note for keyID sent by ownerAddr.
func revoke(t *testing.T, l *memory.Ledger, keyID string) {
	t.Helper()
	_, err := l.AppendNote("", ownerAddr, types.Note{
		AppID:   testAppID,
		Action:  types.ActionRevokeGuestKey,
		Revokes: keyID,
	})
	if err != nil {
		t.Fatalf("revoke %s: %v", keyID, err)
	}
}

func newPipeline(l *memory.Ledger, now time.Time, mut ...func(*service.PipelineConfig)) *service.Pipeline {
	cfg := service.PipelineConfig{
		Mode:          service.ModeLedgerNotes,
		AppID:         testAppID,
		TimeTolerance: service.DefaultTimeTolerance,
		LedgerTimeout: time.Second,
		Now:           fixedClock(now),
	}
	for _, m := range mut {
		m(&cfg)
	}
	return service.NewPipeline(cfg, l, l, silentLogger())
}

func newAuditLogger(l *memory.Ledger) *service.AuditLogger {
	return service.NewAuditLogger(l, service.AuditConfig{
		AppID:           testAppID,
		ConfirmAttempts: 5,
		ConfirmInterval: time.Millisecond,
		SubmitTimeout:   time.Second,
		Now:             fixedClock(insideWindow),
	}, silentLogger())
}

// recordingActuator counts transitions and how many sessions held the
// door open at once.
type recordingActuator struct {
	mu          sync.Mutex
	engaged     bool
	open        int
	maxOpen     int
	disengages  int
	engages     int
	disengageFn func() error
}

func newRecordingActuator() *recordingActuator {
	return &recordingActuator{engaged: true}
}

func (a *recordingActuator) Disengage() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disengageFn != nil {
		if err := a.disengageFn(); err != nil {
			return err
		}
	}
	a.disengages++
	a.open++
	if a.open > a.maxOpen {
		a.maxOpen = a.open
	}
	a.engaged = false
	return nil
}

func (a *recordingActuator) Engage() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engages++
	if a.open > 0 {
		a.open--
	}
	a.engaged = true
	return nil
}

func (a *recordingActuator) snapshot() (engaged bool, disengages, engages, maxOpen int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engaged, a.disengages, a.engages, a.maxOpen
}
