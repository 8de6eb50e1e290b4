package types

import (
	"strings"

	"github.com/google/uuid"
)

// ReferralCodeLength is the length of generated referral codes.
const ReferralCodeLength = 8

// NewReferralCode returns a random upper-case hex code. Uniqueness is enforced
// by the database; callers retry on a unique violation.
func NewReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:ReferralCodeLength])
}

// NormalizeReferralCode trims and upper-cases user supplied codes.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
