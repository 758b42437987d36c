package affinity

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestTierFor_Boundaries(t *testing.T) {
	tests := []struct {
		affinity float64
		expected Tier
	}{
		{-100, TierEnemy},
		{-91, TierEnemy},
		{-90.5, TierRival},
		{-90, TierRival},
		{-51, TierRival},
		{-50, TierStranger},
		{0, TierStranger},
		{10, TierStranger},
		{10.01, TierAcquaintance},
		{11, TierAcquaintance},
		{15, TierAcquaintance},
		{20, TierAcquaintance},
		{21, TierFriend},
		{30, TierFriend},
		{31, TierCloseFriend},
		{50, TierCloseFriend},
		{51, TierLover},
		{70, TierLover},
		{71, TierSpouse},
		{100, TierSpouse},
	}

	for _, tt := range tests {
		got, err := TierFor(tt.affinity)
		if err != nil {
			t.Fatalf("TierFor(%v) returned error: %v", tt.affinity, err)
		}
		if got != tt.expected {
			t.Errorf("TierFor(%v) = %s, want %s", tt.affinity, got, tt.expected)
		}
	}
}

func TestTierFor_OutOfRange(t *testing.T) {
	for _, a := range []float64{-100.0001, 100.5, 1000, math.NaN()} {
		if _, err := TierFor(a); !errors.Is(err, ErrInvalidAffinity) {
			t.Errorf("TierFor(%v) error = %v, want ErrInvalidAffinity", a, err)
		}
	}
}

func TestTierFor_PartitionIsMonotonic(t *testing.T) {
	order := make(map[Tier]int)
	for i, tier := range Tiers() {
		order[tier] = i
	}

	prev := -1
	for a := Min; a <= Max; a += 0.25 {
		tier, err := TierFor(a)
		if err != nil {
			t.Fatalf("TierFor(%v): %v", a, err)
		}
		idx := order[tier]
		if idx < prev {
			t.Fatalf("tier order decreased at %v: %s", a, tier)
		}
		prev = idx
	}
	if prev != len(Tiers())-1 {
		t.Errorf("expected to reach the last tier, got index %d", prev)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in, expected float64
	}{
		{0, 0},
		{-100, -100},
		{100, 100},
		{150, 100},
		{-150, -100},
		{42.5, 42.5},
		{math.Inf(1), 100},
		{math.Inf(-1), -100},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.expected {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.expected)
		}
	}
}

func TestApply_ClampHoldsAfterEveryStep(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	current := 0.0
	for i := 0; i < 5000; i++ {
		delta := (r.Float64()*2 - 1) * DefaultDeltaBound * 3
		var tier Tier
		current, tier = Apply(current, delta)
		if current < Min || current > Max {
			t.Fatalf("step %d: affinity %v escaped range", i, current)
		}
		want, err := TierFor(current)
		if err != nil || want != tier {
			t.Fatalf("step %d: tier %s inconsistent with affinity %v", i, tier, current)
		}
	}
}

func TestToneLabel(t *testing.T) {
	tests := []struct {
		affinity float64
		expected string
	}{
		{-100, "extremely hostile"},
		{-91, "extremely hostile"},
		{-90, "hostile"},
		{-41, "hostile"},
		{-40, "cold"},
		{-11, "cold"},
		{0, "neutral"},
		{10, "neutral"},
		{11, "warm"},
		{40, "warm"},
		{55, "fond"},
		{70, "in love"},
		{85, "deeply in love"},
		{95, "devoted"},
		{500, "devoted"},
	}
	for _, tt := range tests {
		if got := ToneLabel(tt.affinity); got != tt.expected {
			t.Errorf("ToneLabel(%v) = %q, want %q", tt.affinity, got, tt.expected)
		}
	}

	seen := make(map[string]bool)
	for _, b := range toneBands {
		seen[b.value] = true
	}
	if len(seen) != 9 {
		t.Errorf("expected 9 distinct tone bands, got %d", len(seen))
	}
}

func TestValidateDelta(t *testing.T) {
	valid := []float64{0, 5, -5, 4.999, -0.1}
	for _, d := range valid {
		if err := ValidateDelta(d, DefaultDeltaBound); err != nil {
			t.Errorf("ValidateDelta(%v) unexpected error: %v", d, err)
		}
	}
	invalid := []float64{5.0001, -6, math.NaN(), math.Inf(1)}
	for _, d := range invalid {
		if err := ValidateDelta(d, DefaultDeltaBound); !errors.Is(err, ErrInvalidDelta) {
			t.Errorf("ValidateDelta(%v) error = %v, want ErrInvalidDelta", d, err)
		}
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers() {
		got, err := ParseTier(string(tier))
		if err != nil || got != tier {
			t.Errorf("ParseTier(%q) = %q, %v", tier, got, err)
		}
	}
	if _, err := ParseTier("nemesis"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}
