package access

import (
	"time"

	"abrahamoflondon.org/internal/tier"
)

// Reason is a denial reason. The set is closed; rendering maps each value
// to a specific remediation page and must never see anything else.
type Reason string

const (
	ReasonAuthRequired        Reason = "auth_required"
	ReasonInnerCircleRequired Reason = "inner_circle_required"
	ReasonInsufficientTier    Reason = "insufficient_tier"
	ReasonPrivateOnly         Reason = "private_only"
	ReasonMaintenanceMode     Reason = "maintenance_mode"
	ReasonGeoBlocked          Reason = "geo_blocked"
	ReasonRateLimited         Reason = "rate_limited"
)

// Subscription is the consumed (never computed) billing state.
type Subscription struct {
	Status    string    `json:"status"`
	Plan      string    `json:"plan"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the subscription currently grants membership.
func (s *Subscription) Active(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status != "active" {
		return false
	}
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return false
	}
	return true
}

// Context is the per-request access context, constructed at the boundary
// and never persisted.
type Context struct {
	Tier       tier.Tier
	Membership bool
	Internal   bool

	Subscription *Subscription
	Roles        []string
	MemberID     string
	Email        string

	Country   string
	Now       time.Time // zero means "use the evaluator clock"
	ViewCount int

	// AllowRestricted overrides the restricted-class gate: an explicit
	// false denies restricted content even to restricted clearance.
	AllowRestricted *bool

	ReturnTo string
}

// ResolvedTier is the effective tier: internal clearance maps to the
// restricted class, and an active subscription may lift the stored tier to
// the plan's tier.
func (c Context) ResolvedTier(now time.Time) tier.Tier {
	if c.Internal {
		return tier.Restricted
	}
	resolved := c.Tier
	if c.Subscription.Active(now) {
		if planTier := tier.Resolve(c.Subscription.Plan); !planTier.IsRestricted() && planTier.Rank() > resolved.Rank() && !resolved.IsRestricted() {
			resolved = planTier
		}
	}
	return resolved
}

// TimeWindow is one allowed time-of-day span, evaluated in Timezone (or the
// evaluator default when empty). Start and End are "HH:MM"; a window with
// Start after End wraps past midnight.
type TimeWindow struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// Rules are the optional fine-grained per-document restrictions. These are
// hard allow/deny rules; violations never upsell.
type Rules struct {
	AllowedEmails    []string     `json:"allowed_emails,omitempty"`
	AllowedIDs       []string     `json:"allowed_ids,omitempty"`
	RequiredRoles    []string     `json:"required_roles,omitempty"` // any-of
	BlockedCountries []string     `json:"blocked_countries,omitempty"`
	TimeWindows      []TimeWindow `json:"time_windows,omitempty"`
	AvailableFrom    time.Time    `json:"available_from,omitempty"`
	AvailableUntil   time.Time    `json:"available_until,omitempty"`
	MaxViews         int          `json:"max_views,omitempty"`
}

// Document describes one content unit for the evaluator.
type Document struct {
	Slug              string      `json:"slug"`
	Tiers             []tier.Tier `json:"tiers"`
	RequireMembership bool        `json:"require_membership"`
	Rules             *Rules      `json:"rules,omitempty"`
}

// DeclaresRestricted reports whether the document lists the restricted class.
func (d Document) DeclaresRestricted() bool {
	for _, t := range d.Tiers {
		if t.IsRestricted() {
			return true
		}
	}
	return false
}

// RequiredTier is the maximum-rank declared tier, ignoring the restricted
// class. An empty tier list means public.
func (d Document) RequiredTier() tier.Tier {
	required := tier.Public
	for _, t := range d.Tiers {
		required = tier.Max(required, t)
	}
	return required
}

// RequiresMembership reports whether any of the membership conditions hold:
// the explicit flag, a declared restricted class, or any declared tier
// above public.
func (d Document) RequiresMembership() bool {
	if d.RequireMembership {
		return true
	}
	for _, t := range d.Tiers {
		if t.IsRestricted() || t.Rank() > tier.Public.Rank() {
			return true
		}
	}
	return false
}

// Decision is the outcome of one evaluation. Decisions are pure values.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Redirect string `json:"redirect,omitempty"`

	Reason       Reason        `json:"reason,omitempty"`
	RequiredTier string        `json:"required_tier,omitempty"`
	CurrentTier  string        `json:"current_tier,omitempty"`
	Hint         string        `json:"hint,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	ETA          time.Time     `json:"eta,omitempty"`
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny constructs a denial with the given reason.
func Deny(reason Reason) Decision { return Decision{Reason: reason} }
