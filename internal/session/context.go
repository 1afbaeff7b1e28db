package session

import (
	"context"
	"strings"
)

type memberIDContextKey struct{}
type rolesContextKey struct{}

// ContextWithMember stores the authenticated member identity in the context.
func ContextWithMember(ctx context.Context, memberID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, memberIDContextKey{}, strings.TrimSpace(memberID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesContextKey{}, dedupeRoles(roles))
	}
	return ctx
}

// MemberIDFromContext extracts the authenticated member id from context.
func MemberIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(memberIDContextKey{}).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns the roles stored in context, deduplicated and
// lower-cased.
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Value(rolesContextKey{}).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context carries the given role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
