package access

import (
	"testing"

	"abrahamoflondon.org/internal/tier"
)

func TestRedirectForEveryReason(t *testing.T) {
	cases := map[Reason]string{
		ReasonAuthRequired:        "/login",
		ReasonInnerCircleRequired: "/inner-circle",
		ReasonPrivateOnly:         "/access-denied",
		ReasonMaintenanceMode:     "/maintenance",
		ReasonGeoBlocked:          "/unavailable-region",
		ReasonRateLimited:         "/rate-limited",
		Reason("made-up-reason"):  "/access-denied",
	}
	for reason, want := range cases {
		if got := RedirectFor(Deny(reason), Context{}); got != want {
			t.Fatalf("RedirectFor(%s)=%q, want %q", reason, got, want)
		}
	}
}

func TestRedirectForInsufficientTierCarriesTier(t *testing.T) {
	d := Deny(ReasonInsufficientTier)
	d.RequiredTier = "plus"
	if got := RedirectFor(d, Context{}); got != "/membership/upgrade?tier=plus" {
		t.Fatalf("unexpected upgrade redirect: %q", got)
	}
}

func TestRedirectForStampsReturnTo(t *testing.T) {
	got := RedirectFor(Deny(ReasonAuthRequired), Context{ReturnTo: "/books/the-long-game"})
	if got != "/login?returnTo=%2Fbooks%2Fthe-long-game" {
		t.Fatalf("returnTo not stamped: %q", got)
	}
}

func TestRedirectForAllowed(t *testing.T) {
	if got := RedirectFor(Allow(), Context{ReturnTo: "/x"}); got != "" {
		t.Fatalf("allowed decision should not redirect: %q", got)
	}
	d := Allow()
	d.Redirect = "/welcome"
	if got := RedirectFor(d, Context{}); got != "/welcome" {
		t.Fatalf("allowed redirect lost: %q", got)
	}
}

func TestFilterVisibleAndGroupByTier(t *testing.T) {
	e := newTestEvaluator(Settings{})
	docs := []Document{
		{Slug: "essay", Tiers: nil},
		{Slug: "letter", Tiers: []tier.Tier{tier.Basic}},
		{Slug: "framework", Tiers: []tier.Tier{tier.Plus}},
		{Slug: "minutes", Tiers: []tier.Tier{tier.Restricted}},
	}
	ctx := Context{Tier: tier.Basic, Membership: true}

	visible := e.FilterVisible(docs, ctx)
	if len(visible) != 2 {
		t.Fatalf("expected 2 visible documents, got %d", len(visible))
	}
	if visible[0].Slug != "essay" || visible[1].Slug != "letter" {
		t.Fatalf("unexpected visible set: %v", visible)
	}

	groups := e.GroupByTier(docs, Context{Internal: true})
	if len(groups["public"]) != 1 || len(groups["basic"]) != 1 || len(groups["plus"]) != 1 || len(groups["restricted"]) != 1 {
		t.Fatalf("unexpected grouping: %v", groups)
	}
}

func TestCanUpgrade(t *testing.T) {
	if !CanUpgrade(tier.Basic, tier.Plus) {
		t.Fatal("basic -> plus should be a valid upgrade")
	}
	if CanUpgrade(tier.Plus, tier.Plus) {
		t.Fatal("same tier is not an upgrade")
	}
	if CanUpgrade(tier.Elite, tier.Basic) {
		t.Fatal("downgrade is not an upgrade")
	}
	if CanUpgrade(tier.Restricted, tier.Elite) || CanUpgrade(tier.Basic, tier.Restricted) {
		t.Fatal("restricted is never a source or target of upgrades")
	}
}
