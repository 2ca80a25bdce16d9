package model

import "fmt"

type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

var tierOrder = []Tier{TierTrivial, TierSimple, TierModerate, TierComplex}

func (t Tier) Rank() int {
	for i, v := range tierOrder {
		if v == t {
			return i
		}
	}
	return -1
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Next returns the tier one step above t; complex stays complex.
func (t Tier) Next() Tier {
	r := t.Rank()
	if r < 0 {
		return TierSimple
	}
	if r+1 >= len(tierOrder) {
		return TierComplex
	}
	return tierOrder[r+1]
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown complexity tier %q", s)
	}
	return t, nil
}

func Tiers() []Tier {
	return append([]Tier(nil), tierOrder...)
}
