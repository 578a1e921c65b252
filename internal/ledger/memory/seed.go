package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// Dev accounts used by SeedDev.
var (
	DevOwner     = "DEVOWNER" + strings.Repeat("A", 50)
	DevRecipient = "DEVGUEST" + strings.Repeat("B", 50)
	DevLock      = "DEVLOCK" + strings.Repeat("C", 51)
)

// DevKey is a guest key minted by SeedDev together with its QR payload.
type DevKey struct {
	ID      string
	Payload string
}

// SeedDev mints one guest key valid for a day from now so a dev server has
// something to scan.
func (l *Ledger) SeedDev(appID string, now time.Time) (DevKey, error) {
	now = now.UTC()
	from := now.Add(-time.Minute).Format(time.RFC3339)
	until := now.Add(24 * time.Hour).Format(time.RFC3339)

	tx, err := l.AppendNote("", DevOwner, types.Note{
		AppID:     types.AppID(appID),
		Action:    types.ActionCreateGuestKey,
		Timestamp: now.Format(time.RFC3339),
		Details: &types.NoteDetails{
			Name:       "Dev Guest",
			Recipient:  DevRecipient,
			ValidFrom:  from,
			ValidUntil: until,
		},
	})
	if err != nil {
		return DevKey{}, fmt.Errorf("seed dev key: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"keyId":      tx.ID,
		"appId":      appID,
		"recipient":  DevRecipient,
		"keyName":    "Dev Guest",
		"validFrom":  from,
		"validUntil": until,
	})
	if err != nil {
		return DevKey{}, fmt.Errorf("seed dev payload: %w", err)
	}
	return DevKey{ID: tx.ID, Payload: string(payload)}, nil
}
