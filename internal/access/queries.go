package access

import "abrahamoflondon.org/internal/tier"

// FilterVisible returns only the documents the context may view.
func (e *Evaluator) FilterVisible(docs []Document, ctx Context) []Document {
	var out []Document
	for _, doc := range docs {
		if e.Evaluate(doc, ctx).Allowed {
			out = append(out, doc)
		}
	}
	return out
}

// GroupByTier groups the visible documents by their effective required tier
// (restricted documents under "restricted").
func (e *Evaluator) GroupByTier(docs []Document, ctx Context) map[string][]Document {
	out := make(map[string][]Document)
	for _, doc := range docs {
		if !e.Evaluate(doc, ctx).Allowed {
			continue
		}
		name := doc.RequiredTier().String()
		if doc.DeclaresRestricted() {
			name = tier.Restricted.String()
		}
		out[name] = append(out[name], doc)
	}
	return out
}

// CanUpgrade reports whether moving from current to target is a meaningful
// upgrade. The restricted class is never a source or target of upgrades,
// and a same-or-higher current tier makes the request meaningless.
func CanUpgrade(current, target tier.Tier) bool {
	if current.IsRestricted() || target.IsRestricted() {
		return false
	}
	return target.Rank() > current.Rank()
}
