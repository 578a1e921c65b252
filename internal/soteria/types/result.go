package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// ErrorKind classifies why a verification was denied.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindMalformedInput  ErrorKind = "malformed_input"
	KindPolicyViolation ErrorKind = "policy_violation"
	KindNotFound        ErrorKind = "not_found"
	KindUnavailable     ErrorKind = "unavailable"
	KindSystemFault     ErrorKind = "system_fault"
)

// Details keys populated on a GRANT.
const (
	DetailKeyID          = "keyId"
	DetailKeyName        = "keyName"
	DetailRecipient      = "recipient"
	DetailOwner          = "owner"
	DetailConfirmedRound = "confirmedRound"
	DetailTransactionID  = "transactionId"
	DetailValidFrom      = "validFrom"
	DetailValidUntil     = "validUntil"
	DetailErrorKind      = "errorKind"
	DetailStage          = "stage"
)

// VerificationResult records one access decision.  It cannot be modified
// after construction; Details returns a copy.
type VerificationResult struct {
	granted   bool
	reason    string
	details   map[string]any
	decidedAt time.Time
}

// Grant builds a GRANT result.  Later maps override earlier ones on key
// collisions.
func Grant(reason string, decidedAt time.Time, details ...map[string]any) VerificationResult {
	merged := make(map[string]any)
	for _, d := range details {
		maps.Copy(merged, d)
	}
	return VerificationResult{
		granted:   true,
		reason:    reason,
		details:   merged,
		decidedAt: decidedAt.UTC(),
	}
}

// Deny builds a DENY result tagged with the failure kind.
func Deny(kind ErrorKind, reason string, decidedAt time.Time) VerificationResult {
	d := make(map[string]any, 1)
	if kind != KindNone {
		d[DetailErrorKind] = string(kind)
	}
	return VerificationResult{
		reason:    reason,
		details:   d,
		decidedAt: decidedAt.UTC(),
	}
}

func (r VerificationResult) Granted() bool        { return r.granted }
func (r VerificationResult) Reason() string       { return r.reason }
func (r VerificationResult) DecidedAt() time.Time { return r.decidedAt }

// Details returns a copy of the result's detail map.
func (r VerificationResult) Details() map[string]any {
	return maps.Clone(r.details)
}

// Detail returns a single detail value.
func (r VerificationResult) Detail(key string) (any, bool) {
	v, ok := r.details[key]
	return v, ok
}

// Kind returns the failure classification, or KindNone for a grant.
func (r VerificationResult) Kind() ErrorKind {
	if s, ok := r.details[DetailErrorKind].(string); ok {
		return ErrorKind(s)
	}
	return KindNone
}

// WithDetail returns a copy of r with one extra detail.  Used by the
// pipeline to tag the stage a denial happened in.
func (r VerificationResult) WithDetail(key string, value any) VerificationResult {
	d := maps.Clone(r.details)
	if d == nil {
		d = make(map[string]any, 1)
	}
	d[key] = value
	r.details = d
	return r
}

func (r VerificationResult) String() string {
	status := "ACCESS DENIED"
	if r.granted {
		status = "ACCESS GRANTED"
	}
	return fmt.Sprintf("%s: %s (at %s)", status, r.reason, r.decidedAt.Format(time.RFC3339))
}

type resultJSON struct {
	Granted   bool           `json:"granted"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details"`
	DecidedAt string         `json:"decided_at"`
}

func (r VerificationResult) MarshalJSON() ([]byte, error) {
	d := r.details
	if d == nil {
		d = map[string]any{}
	}
	return json.Marshal(resultJSON{
		Granted:   r.granted,
		Reason:    r.reason,
		Details:   d,
		DecidedAt: r.decidedAt.Format(time.RFC3339Nano),
	})
}
