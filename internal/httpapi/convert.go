package httpapi

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/store"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// ── Verify ───────────────────────────────────────────────────────────────────

func verifyRequestFromProto(p *structpb.Struct) types.VerifyRequest {
	return types.VerifyRequestFromStruct(p)
}

func verifyResponseToProto(r types.VerifyResponse) (*structpb.Struct, error) {
	return r.ToStruct()
}

// ── Events ───────────────────────────────────────────────────────────────────

type eventJSON struct {
	EventID        string `json:"event_id"`
	KeyID          string `json:"key_id,omitempty"`
	KeyName        string `json:"key_name,omitempty"`
	OwnerAddress   string `json:"owner_address,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Granted        bool   `json:"granted"`
	Reason         string `json:"reason"`
	Stage          string `json:"stage,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ConfirmedRound uint64 `json:"confirmed_round,omitempty"`
	AuditTxID      string `json:"audit_tx_id,omitempty"`
	Actuation      string `json:"actuation"`
	ReaderID       string `json:"reader_id,omitempty"`
	ReceivedAt     string `json:"received_at"`
	DecidedAt      string `json:"decided_at"`
}

type eventsResponse struct {
	OK     bool        `json:"ok"`
	Events []eventJSON `json:"events"`
}

func eventToJSON(ev store.AccessEventRecord) eventJSON {
	return eventJSON{
		EventID:        ev.EventID,
		KeyID:          ev.KeyID,
		KeyName:        ev.KeyName,
		OwnerAddress:   ev.OwnerAddress,
		Recipient:      ev.Recipient,
		Granted:        ev.Granted,
		Reason:         ev.Reason,
		Stage:          ev.Stage,
		ErrorKind:      ev.ErrorKind,
		ConfirmedRound: ev.ConfirmedRound,
		AuditTxID:      ev.AuditTxID,
		Actuation:      ev.Actuation,
		ReaderID:       ev.ReaderID,
		ReceivedAt:     ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
		DecidedAt:      ev.DecidedAt.UTC().Format(time.RFC3339Nano),
	}
}
