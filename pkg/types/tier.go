package types

import (
	"fmt"
	"strings"
)

// Tier is the trust level of a principal.
type Tier string

const (
	TierOwner    Tier = "owner"
	TierFamily   Tier = "family"
	TierFriend   Tier = "friend"
	TierStranger Tier = "stranger"
)

// IsValid returns true if the tier is recognized.
func (t Tier) IsValid() bool {
	switch t {
	case TierOwner, TierFamily, TierFriend, TierStranger:
		return true
	default:
		return false
	}
}

// Restrictiveness returns a numeric value for ordering (higher = stricter).
func (t Tier) Restrictiveness() int {
	switch t {
	case TierOwner:
		return 0
	case TierFamily:
		return 1
	case TierFriend:
		return 2
	default:
		return 3 // Default to strictest
	}
}

// MoreRestrictive returns whichever of a and b is stricter.
func MoreRestrictive(a, b Tier) Tier {
	if b.Restrictiveness() > a.Restrictiveness() {
		return b
	}
	return a
}

// ParseTier parses a tier name. Empty input is an error.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid tier %q", s)
	}
	return t, nil
}
