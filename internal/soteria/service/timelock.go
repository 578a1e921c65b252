package service

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// DefaultTimeTolerance is the clock-drift allowance applied to both ends of
// a validity window.
const DefaultTimeTolerance = 60 * time.Second

// TimeLockValidator enforces a credential's validity window.
type TimeLockValidator struct {
	tolerance time.Duration
}

func NewTimeLockValidator(tolerance time.Duration) *TimeLockValidator {
	if tolerance < 0 {
		tolerance = 0
	}
	return &TimeLockValidator{tolerance: tolerance}
}

// Validate widens [validFrom, validUntil] by the tolerance on each side and
// checks now against it.  A grant carries no details.
func (v *TimeLockValidator) Validate(cred types.Credential, now time.Time) types.VerificationResult {
	from, errFrom := parseTimestamp(cred.ValidFrom)
	until, errUntil := parseTimestamp(cred.ValidUntil)
	if errFrom != nil || errUntil != nil {
		return types.Deny(types.KindMalformedInput, "invalid timestamp format", now)
	}

	adjustedFrom := from.Add(-v.tolerance)
	adjustedUntil := until.Add(v.tolerance)

	if now.Before(adjustedFrom) {
		n := wholeSeconds(adjustedFrom.Sub(now))
		return types.Deny(types.KindPolicyViolation, fmt.Sprintf("not yet valid, starts in %d seconds", n), now)
	}
	if now.After(adjustedUntil) {
		n := wholeSeconds(now.Sub(adjustedUntil))
		return types.Deny(types.KindPolicyViolation, fmt.Sprintf("expired %d seconds ago", n), now)
	}
	return types.Grant("time-lock valid", now)
}

// Remaining reports how long the credential stays usable at now, including
// tolerance.  Zero for unparsable or expired windows.
func (v *TimeLockValidator) Remaining(cred types.Credential, now time.Time) time.Duration {
	until, err := parseTimestamp(cred.ValidUntil)
	if err != nil {
		return 0
	}
	d := until.Add(v.tolerance).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// parseTimestamp accepts RFC 3339 timestamps with or without fractional
// seconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// sameInstant reports whether a and b are equal strings or parse to the
// same instant.
func sameInstant(a, b string) bool {
	if strings.TrimSpace(a) == strings.TrimSpace(b) {
		return true
	}
	ta, errA := parseTimestamp(a)
	tb, errB := parseTimestamp(b)
	return errA == nil && errB == nil && ta.Equal(tb)
}

func wholeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
