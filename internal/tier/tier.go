// Package tier defines the ordered access tiers and the comparison rules
// used by the policy evaluator. All functions are total over arbitrary
// string input: garbled or unknown tiers resolve to Public rather than
// failing, so an unauthenticated request can never crash the gate.
package tier

import (
	"encoding/json"
	"strings"
)

// Tier is one of the ordered access tiers, or the disjoint Restricted class.
type Tier int

const (
	Public Tier = iota
	Basic
	Plus
	Elite

	// Restricted is not part of the rank order. Restricted content is
	// visible only to restricted clearance, and restricted clearance sees
	// everything else by default.
	Restricted
)

var displayNames = map[Tier]string{
	Public:     "public",
	Basic:      "basic",
	Plus:       "plus",
	Elite:      "elite",
	Restricted: "restricted",
}

var aliases = map[string]Tier{
	"public":       Public,
	"free":         Public,
	"all":          Public,
	"visitor":      Public,
	"basic":        Basic,
	"member":       Basic,
	"starter":      Basic,
	"plus":         Plus,
	"premium":      Plus,
	"pro":          Plus,
	"elite":        Elite,
	"enterprise":   Elite,
	"founder":      Elite,
	"restricted":   Restricted,
	"internal":     Restricted,
	"inner-circle": Restricted,
}

// Resolve maps a raw tier string to its canonical Tier. Unknown or empty
// input resolves to Public.
func Resolve(input string) Tier {
	t, ok := aliases[strings.TrimSpace(strings.ToLower(input))]
	if !ok {
		return Public
	}
	return t
}

// String returns the canonical display name.
func (t Tier) String() string {
	name, ok := displayNames[t]
	if !ok {
		return "public"
	}
	return name
}

// MarshalJSON emits the canonical alias string; tiers cross every wire as
// names, never as enum values.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts alias strings, resolving them like Resolve does.
// Bare numbers are read as ranks for callers that still send them; anything
// out of range degrades to Public.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*t = Resolve(name)
		return nil
	}
	var rank int
	if err := json.Unmarshal(data, &rank); err != nil {
		return err
	}
	if rank < int(Public) || rank > int(Restricted) {
		*t = Public
		return nil
	}
	*t = Tier(rank)
	return nil
}

// Rank returns the numeric rank used for ordering. Restricted has no rank;
// callers must check IsRestricted before comparing ranks.
func (t Tier) Rank() int {
	if t == Restricted {
		return -1
	}
	return int(t)
}

// IsRestricted reports whether t is the disjoint restricted class.
func (t Tier) IsRestricted() bool { return t == Restricted }

// Satisfies reports whether a holder of current may view content requiring
// required. Restricted is special-cased on both sides before numeric order:
// restricted content is satisfied only by restricted clearance, while
// restricted clearance satisfies everything.
func Satisfies(current, required Tier) bool {
	if required == Restricted {
		return current == Restricted
	}
	if current == Restricted {
		return true
	}
	return current.Rank() >= required.Rank()
}

// Max returns the higher-ranked of a and b, ignoring Restricted entirely:
// if either side is Restricted the other side wins, and Max(Restricted,
// Restricted) is Public. Used to compute a document's effective required
// tier from its declared tier list.
func Max(a, b Tier) Tier {
	if a == Restricted {
		a = Public
	}
	if b == Restricted {
		b = Public
	}
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Known returns every canonical tier in rank order, Restricted last.
func Known() []Tier {
	return []Tier{Public, Basic, Plus, Elite, Restricted}
}
