package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// MaxPayloadBytes caps a scanned payload.  A full guest key encodes to
// roughly 300 bytes of JSON.
const MaxPayloadBytes = 4096

// DefaultDisplayName is used when a payload carries no keyName.
const DefaultDisplayName = "Unknown Guest"

const addressAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// AddressLength is the length of a textual ledger address.
const AddressLength = 58

type ParseErrorKind string

const (
	MalformedPayload     ParseErrorKind = "malformed_payload"
	MissingField         ParseErrorKind = "missing_field"
	ApplicationMismatch  ParseErrorKind = "application_mismatch"
	InvalidAddressFormat ParseErrorKind = "invalid_address_format"
)

// ParseError reports why a payload was rejected before any ledger call.
type ParseError struct {
	Kind   ParseErrorKind
	Field  string
	Detail string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("missing required field %q", e.Field)
	case ApplicationMismatch:
		return fmt.Sprintf("application id mismatch: %s", e.Detail)
	case InvalidAddressFormat:
		return fmt.Sprintf("invalid address format in %q", e.Field)
	default:
		if e.Detail != "" {
			return "malformed payload: " + e.Detail
		}
		return "malformed payload"
	}
}

// ErrorKind maps a parse failure onto the verification taxonomy.
func (e *ParseError) ErrorKind() types.ErrorKind {
	if e.Kind == MalformedPayload || e.Kind == MissingField {
		return types.KindMalformedInput
	}
	return types.KindPolicyViolation
}

// ParserOptions select which payload fields a deployment requires.
type ParserOptions struct {
	AppID            string
	RequireRecipient bool
	RequireWindow    bool
}

// CredentialParser turns a raw scanned payload into a Credential.  It never
// touches the network.
type CredentialParser struct {
	opts ParserOptions
}

func NewCredentialParser(opts ParserOptions) *CredentialParser {
	opts.AppID = strings.TrimSpace(opts.AppID)
	return &CredentialParser{opts: opts}
}

func (p *CredentialParser) Parse(raw string) (types.Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.Credential{}, &ParseError{Kind: MalformedPayload, Detail: "empty payload"}
	}
	if len(raw) > MaxPayloadBytes {
		return types.Credential{}, &ParseError{Kind: MalformedPayload, Detail: "payload too large"}
	}
	if raw[0] != '{' {
		return types.Credential{}, &ParseError{Kind: MalformedPayload, Detail: "not a JSON object"}
	}

	var q types.QRPayload
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&q); err != nil {
		return types.Credential{}, &ParseError{Kind: MalformedPayload, Detail: err.Error()}
	}
	if dec.More() {
		return types.Credential{}, &ParseError{Kind: MalformedPayload, Detail: "trailing data"}
	}

	keyID := trimmed(q.KeyID)
	if keyID == "" {
		return types.Credential{}, &ParseError{Kind: MissingField, Field: "keyId"}
	}
	if q.AppID == nil || *q.AppID == "" {
		return types.Credential{}, &ParseError{Kind: MissingField, Field: "appId"}
	}
	from, until := trimmed(q.ValidFrom), trimmed(q.ValidUntil)
	if p.opts.RequireWindow {
		if from == "" {
			return types.Credential{}, &ParseError{Kind: MissingField, Field: "validFrom"}
		}
		if until == "" {
			return types.Credential{}, &ParseError{Kind: MissingField, Field: "validUntil"}
		}
	}
	recipient := trimmed(q.Recipient)
	if p.opts.RequireRecipient && recipient == "" {
		return types.Credential{}, &ParseError{Kind: MissingField, Field: "recipient"}
	}

	if !q.AppID.Matches(p.opts.AppID) {
		return types.Credential{}, &ParseError{
			Kind:   ApplicationMismatch,
			Detail: fmt.Sprintf("expected %q, got %q", p.opts.AppID, q.AppID.String()),
		}
	}

	if !validKeyID(keyID) {
		return types.Credential{}, &ParseError{Kind: MalformedPayload, Detail: "keyId has invalid characters"}
	}
	if recipient != "" && !IsValidAddress(recipient) {
		return types.Credential{}, &ParseError{Kind: InvalidAddressFormat, Field: "recipient"}
	}

	name := trimmed(q.KeyName)
	if name == "" {
		name = DefaultDisplayName
	}

	return types.Credential{
		ID:            keyID,
		OwnerClaim:    recipient,
		DisplayName:   name,
		ValidFrom:     from,
		ValidUntil:    until,
		ApplicationID: q.AppID.String(),
	}, nil
}

// IsValidAddress checks the textual shape of a ledger address: exactly 58
// characters from the base32 alphabet.  The checksum is not verified.
func IsValidAddress(addr string) bool {
	if len(addr) != AddressLength {
		return false
	}
	for i := 0; i < len(addr); i++ {
		if strings.IndexByte(addressAlphabet, addr[i]) < 0 {
			return false
		}
	}
	return true
}

// validKeyID accepts printable identifiers without whitespace.  Contract
// deployments use free-form key names, so the charset is not restricted
// to base32.
func validKeyID(id string) bool {
	if len(id) > 128 {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// AsParseError unwraps err into a *ParseError.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
