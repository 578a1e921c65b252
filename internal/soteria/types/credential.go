package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// AppID identifies a verifier deployment.  Deployments encode it either as a
// JSON string ("Soteria_v1.0", "42") or as a JSON integer (42); both decode
// to the same canonical string form.
type AppID string

var errBadAppID = errors.New("app id must be a string or an integer")

func (a *AppID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = AppID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errBadAppID
	}
	if _, err := n.Int64(); err != nil {
		return errBadAppID
	}
	*a = AppID(n.String())
	return nil
}

// Matches reports whether a equals the configured id.  Numeric ids compare
// by value so "042" and 42 refer to the same application.
func (a AppID) Matches(configured string) bool {
	got := strings.TrimSpace(string(a))
	want := strings.TrimSpace(configured)
	if got == "" || want == "" {
		return false
	}
	if got == want {
		return true
	}
	gn, gerr := strconv.ParseInt(got, 10, 64)
	wn, werr := strconv.ParseInt(want, 10, 64)
	return gerr == nil && werr == nil && gn == wn
}

func (a AppID) String() string { return string(a) }

// QRPayload is the wire shape of a scanned guest key.  Pointer fields
// distinguish "absent" from "present but empty".
type QRPayload struct {
	KeyID      *string `json:"keyId"`
	AppID      *AppID  `json:"appId"`
	Recipient  *string `json:"recipient,omitempty"`
	KeyName    *string `json:"keyName,omitempty"`
	ValidFrom  *string `json:"validFrom,omitempty"`
	ValidUntil *string `json:"validUntil,omitempty"`
	CreatedAt  *string `json:"createdAt,omitempty"`
}

// Credential is the sanitized, verifier-facing form of a guest key.
type Credential struct {
	ID            string
	OwnerClaim    string // optional recipient address
	DisplayName   string
	ValidFrom     string
	ValidUntil    string
	ApplicationID string
}

// HasWindow reports whether the credential carries its own validity window.
func (c Credential) HasWindow() bool {
	return c.ValidFrom != "" && c.ValidUntil != ""
}
