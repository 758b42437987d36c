// Package affinity maps numeric affinity scores onto relationship tiers and
// prompt tone labels.
package affinity

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Min is the lowest representable affinity.
	Min = -100.0
	// Max is the highest representable affinity.
	Max = 100.0
	// DefaultDeltaBound is the largest magnitude a single external delta may have.
	DefaultDeltaBound = 5.0
)

var (
	// ErrInvalidAffinity is returned when an affinity lies outside [Min, Max].
	ErrInvalidAffinity = errors.New("affinity out of range")
	// ErrInvalidDelta is returned when a delta exceeds the allowed bound.
	ErrInvalidDelta = errors.New("affinity delta out of range")
	// ErrUnknownTier is returned by ParseTier for unrecognized names.
	ErrUnknownTier = errors.New("unknown relationship tier")
)

// Tier is a discrete relationship category.
type Tier string

const (
	TierEnemy        Tier = "enemy"
	TierRival        Tier = "rival"
	TierStranger     Tier = "stranger"
	TierAcquaintance Tier = "acquaintance"
	TierFriend       Tier = "friend"
	TierCloseFriend  Tier = "close_friend"
	TierLover        Tier = "lover"
	TierSpouse       Tier = "spouse"
)

// band is a closed upper bound and the value assigned to everything above
// the previous band up to and including it.
type band[T any] struct {
	upper float64
	value T
}

var tierBands = []band[Tier]{
	{-91, TierEnemy},
	{-51, TierRival},
	{10, TierStranger},
	{20, TierAcquaintance},
	{30, TierFriend},
	{50, TierCloseFriend},
	{70, TierLover},
	{Max, TierSpouse},
}

var toneBands = []band[string]{
	{-91, "extremely hostile"},
	{-41, "hostile"},
	{-11, "cold"},
	{10, "neutral"},
	{40, "warm"},
	{60, "fond"},
	{70, "in love"},
	{90, "deeply in love"},
	{Max, "devoted"},
}

// Tiers returns all tiers ordered from lowest to highest affinity.
func Tiers() []Tier {
	out := make([]Tier, len(tierBands))
	for i, b := range tierBands {
		out[i] = b.value
	}
	return out
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	for _, b := range tierBands {
		if b.value == t {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (t Tier) String() string {
	return string(t)
}

// ParseTier converts a tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Clamp restricts a to [Min, Max]. NaN clamps to 0.
func Clamp(a float64) float64 {
	if math.IsNaN(a) {
		return 0
	}
	return math.Max(Min, math.Min(Max, a))
}

// TierFor returns the tier containing a. The caller is expected to clamp
// first; values outside [Min, Max] fail with ErrInvalidAffinity.
func TierFor(a float64) (Tier, error) {
	if math.IsNaN(a) || a < Min || a > Max {
		return "", fmt.Errorf("%w: %v", ErrInvalidAffinity, a)
	}
	for _, b := range tierBands {
		if a <= b.upper {
			return b.value, nil
		}
	}
	return TierSpouse, nil
}

// ToneLabel returns a descriptive tone for prompt construction. It is a
// display hint only and must not drive access decisions.
func ToneLabel(a float64) string {
	a = Clamp(a)
	for _, b := range toneBands {
		if a <= b.upper {
			return b.value
		}
	}
	return toneBands[len(toneBands)-1].value
}

// ValidateDelta rejects deltas whose magnitude exceeds bound or that are not
// finite numbers.
func ValidateDelta(delta, bound float64) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, delta)
	}
	if math.Abs(delta) > bound {
		return fmt.Errorf("%w: |%v| > %v", ErrInvalidDelta, delta, bound)
	}
	return nil
}

// Apply clamps current+delta and returns the resulting affinity and tier.
func Apply(current, delta float64) (float64, Tier) {
	next := Clamp(current + delta)
	tier, _ := TierFor(next)
	return next, tier
}
