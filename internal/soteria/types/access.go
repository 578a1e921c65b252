package types

type VerifyRequest struct {
	Payload  string `json:"payload"`
	ReaderID string `json:"reader_id,omitempty"` // optional scanner identifier
}

// Actuation outcomes reported alongside a decision.
const (
	ActuationNone     = "none"
	ActuationUnlocked = "unlocked"
	ActuationBusy     = "busy"
	ActuationFailed   = "failed"
)

type VerifyResponse struct {
	OK         bool               `json:"ok"`
	Granted    bool               `json:"granted"`
	Reason     string             `json:"reason"`
	Result     VerificationResult `json:"result"`
	Actuation  string             `json:"actuation"`
	AuditTxID  string             `json:"audit_tx_id,omitempty"`
	EventID    string             `json:"event_id,omitempty"`
	ServerTime string             `json:"server_time"`
}

type RelockResponse struct {
	OK         bool   `json:"ok"`
	Cancelled  bool   `json:"cancelled"`
	ServerTime string `json:"server_time"`
}
