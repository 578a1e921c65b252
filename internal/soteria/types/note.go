package types

import (
	"encoding/json"
	"strings"
)

// Note actions written by the owner dashboard and by the verifier itself.
const (
	ActionCreateGuestKey    = "create_guest_key"
	ActionRevokeGuestKey    = "revoke_guest_key"
	ActionGuestAccess       = "guest_access"
	ActionGuestAccessDenied = "guest_access_denied"
	ActionLock              = "lock"
	ActionUnlock            = "unlock"
)

// NoteDetails is the body of a create_guest_key note.
type NoteDetails struct {
	Name       string `json:"name,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	ValidFrom  string `json:"validFrom,omitempty"`
	ValidUntil string `json:"validUntil,omitempty"`
}

// Note is the structured JSON payload attached to a ledger transaction.
type Note struct {
	AppID     AppID        `json:"app_id"`
	Action    string       `json:"action"`
	Timestamp string       `json:"timestamp,omitempty"`
	Details   *NoteDetails `json:"details,omitempty"`
	Revokes   string       `json:"revokes,omitempty"`
}

// DecodeNote attempts to read raw as a Note.  The second return is false for
// empty or non-JSON-object payloads.
func DecodeNote(raw []byte) (Note, bool) {
	if len(raw) == 0 {
		return Note{}, false
	}
	var n Note
	if err := json.Unmarshal(raw, &n); err != nil {
		return Note{}, false
	}
	n.Action = strings.TrimSpace(n.Action)
	return n, true
}

// IsRevocationOf reports whether n revokes keyID for the given application.
func (n Note) IsRevocationOf(appID, keyID string) bool {
	return n.AppID.Matches(appID) &&
		n.Action == ActionRevokeGuestKey &&
		n.Revokes != "" &&
		n.Revokes == keyID
}

// AccessLogNote is the audit payload the verifier appends for each access
// event.  AppID stays a plain string so numeric deployments round-trip as
// the configured form.
type AccessLogNote struct {
	AppID      string `json:"app_id"`
	Action     string `json:"action"`
	KeyID      string `json:"keyId"`
	KeyName    string `json:"keyName"`
	Timestamp  string `json:"timestamp"`
	AccessType string `json:"access_type"`
	Reason     string `json:"reason,omitempty"`
}

// OnChainRecord is a confirmed create_guest_key transaction.
type OnChainRecord struct {
	TransactionID    string
	OwnerAddress     string
	ConfirmedRound   uint64
	RecipientAddress string
	Note             Note
}
