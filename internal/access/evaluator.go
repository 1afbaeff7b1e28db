// Package access decides whether a request may view a piece of content. The
// evaluator is an ordered short-circuit pipeline over pure values: no I/O,
// no mutation, total over malformed input (unknown tiers degrade to public
// and the gate denies rather than failing).
package access

import (
	"strings"
	"time"

	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/tier"
)

// Settings configure the system-wide gates.
type Settings struct {
	Maintenance       bool
	MaintenanceTiers  []string
	MaintenanceETA    time.Time
	GeoBlock          bool
	GeoBlockCountries []string
	DefaultTimezone   string
}

// Evaluator evaluates access policy. Construct with NewEvaluator; the zero
// value has every system gate disabled.
type Evaluator struct {
	maintenance      bool
	maintenanceTiers map[tier.Tier]bool
	maintenanceETA   time.Time

	geoBlock   bool
	geoBlocked map[string]bool

	defaultLoc *time.Location
	now        func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEvaluator builds an evaluator from gate settings. An unknown default
// timezone falls back to UTC.
func NewEvaluator(settings Settings, opts ...Option) *Evaluator {
	e := &Evaluator{
		maintenance:      settings.Maintenance,
		maintenanceTiers: map[tier.Tier]bool{},
		maintenanceETA:   settings.MaintenanceETA,
		geoBlock:         settings.GeoBlock,
		geoBlocked:       map[string]bool{},
		defaultLoc:       time.UTC,
		now:              time.Now,
	}
	for _, name := range settings.MaintenanceTiers {
		e.maintenanceTiers[tier.Resolve(name)] = true
	}
	for _, country := range settings.GeoBlockCountries {
		e.geoBlocked[normalizeCountry(country)] = true
	}
	if settings.DefaultTimezone != "" {
		if loc, err := time.LoadLocation(settings.DefaultTimezone); err == nil {
			e.defaultLoc = loc
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the gate pipeline: maintenance, geo, document rules,
// membership, restricted class, tier rank. The first failing gate
// determines the decision.
func (e *Evaluator) Evaluate(doc Document, ctx Context) Decision {
	decision := e.evaluate(doc, ctx)
	obs.ObserveDecision(decision.Allowed, string(decision.Reason))
	return decision
}

func (e *Evaluator) evaluate(doc Document, ctx Context) Decision {
	now := ctx.Now
	if now.IsZero() {
		now = e.now()
	}
	current := ctx.ResolvedTier(now)

	if e.maintenance && !e.maintenanceTiers[current] {
		d := Deny(ReasonMaintenanceMode)
		d.ETA = e.maintenanceETA
		d.Hint = "We are briefly down for maintenance. Please check back shortly."
		return d
	}

	if e.geoBlock && ctx.Country != "" && e.geoBlocked[normalizeCountry(ctx.Country)] {
		return Deny(ReasonGeoBlocked)
	}

	if doc.Rules != nil {
		if d, ok := e.checkRules(doc, ctx, current, now); !ok {
			return d
		}
	}

	if doc.RequiresMembership() && !e.membershipSatisfied(ctx, current, now) {
		return Deny(ReasonInnerCircleRequired)
	}

	if doc.DeclaresRestricted() {
		if !current.IsRestricted() {
			return Deny(ReasonPrivateOnly)
		}
		if ctx.AllowRestricted != nil && !*ctx.AllowRestricted {
			return Deny(ReasonPrivateOnly)
		}
		return Allow()
	}

	if required := doc.RequiredTier(); !tier.Satisfies(current, required) {
		d := Deny(ReasonInsufficientTier)
		d.RequiredTier = required.String()
		d.CurrentTier = current.String()
		return d
	}

	return Allow()
}

func (e *Evaluator) membershipSatisfied(ctx Context, current tier.Tier, now time.Time) bool {
	if ctx.Internal || current.IsRestricted() {
		return true
	}
	if ctx.Membership {
		return true
	}
	return ctx.Subscription.Active(now)
}

// checkRules evaluates the document's fine-grained rules in their fixed
// order. Violations yield PrivateOnly, except the availability window which
// reuses InsufficientTier with a contact-support hint (the remediation is
// identical, not the cause).
func (e *Evaluator) checkRules(doc Document, ctx Context, current tier.Tier, now time.Time) (Decision, bool) {
	rules := doc.Rules

	if !rules.AvailableFrom.IsZero() && now.Before(rules.AvailableFrom) {
		return availabilityDenial(current), false
	}
	if !rules.AvailableUntil.IsZero() && now.After(rules.AvailableUntil) {
		return availabilityDenial(current), false
	}

	if len(rules.AllowedEmails) > 0 && !containsFold(rules.AllowedEmails, ctx.Email) {
		return Deny(ReasonPrivateOnly), false
	}

	if len(rules.AllowedIDs) > 0 && !containsFold(rules.AllowedIDs, ctx.MemberID) {
		return Deny(ReasonPrivateOnly), false
	}

	if len(rules.RequiredRoles) > 0 && !anyRole(rules.RequiredRoles, ctx.Roles) {
		return Deny(ReasonPrivateOnly), false
	}

	if len(rules.BlockedCountries) > 0 && ctx.Country != "" {
		for _, country := range rules.BlockedCountries {
			if normalizeCountry(country) == normalizeCountry(ctx.Country) {
				return Deny(ReasonPrivateOnly), false
			}
		}
	}

	// Multiple windows are a union: inside any one of them passes.
	if len(rules.TimeWindows) > 0 && !e.withinAnyWindow(rules.TimeWindows, now) {
		return Deny(ReasonPrivateOnly), false
	}

	if rules.MaxViews > 0 && ctx.ViewCount >= rules.MaxViews {
		return Deny(ReasonPrivateOnly), false
	}

	return Decision{}, true
}

func availabilityDenial(current tier.Tier) Decision {
	d := Deny(ReasonInsufficientTier)
	d.CurrentTier = current.String()
	d.Hint = "This content is not currently available. Contact support if you believe this is an error."
	return d
}

func (e *Evaluator) withinAnyWindow(windows []TimeWindow, now time.Time) bool {
	for _, w := range windows {
		loc := e.defaultLoc
		if w.Timezone != "" {
			if parsed, err := time.LoadLocation(w.Timezone); err == nil {
				loc = parsed
			}
		}
		start, okStart := parseClock(w.Start)
		end, okEnd := parseClock(w.End)
		if !okStart || !okEnd {
			continue
		}
		local := now.In(loc)
		minute := local.Hour()*60 + local.Minute()
		if start <= end {
			if minute >= start && minute < end {
				return true
			}
		} else {
			// Wraps past midnight.
			if minute >= start || minute < end {
				return true
			}
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func normalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

func containsFold(list []string, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

func anyRole(required, held []string) bool {
	for _, want := range required {
		if containsFold(held, strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}
