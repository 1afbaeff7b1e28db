package keystore

import (
	"sort"
	"strings"
)

const emailHashPrefixLen = 12

// ListMembers returns privacy-safe summaries of every member, newest
// first. Nothing in the output identifies a member beyond the truncated
// identity hash and the optional display name.
func (s *Service) ListMembers() []MemberSummary {
	s.mu.RLock()
	out := make([]MemberSummary, 0, len(s.members))
	for _, member := range s.members {
		out = append(out, s.summarizeMemberLocked(member))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SearchMembers filters members by name substring or exact email. The
// email is hashed before lookup and never retained.
func (s *Service) SearchMembers(query string) []MemberSummary {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListMembers()
	}

	if strings.Contains(query, "@") {
		if member := s.memberByEmail(query); member != nil {
			s.mu.RLock()
			summary := s.summarizeMemberLocked(member)
			s.mu.RUnlock()
			return []MemberSummary{summary}
		}
		return nil
	}

	needle := strings.ToLower(query)
	s.mu.RLock()
	var out []MemberSummary
	for _, member := range s.members {
		if strings.Contains(strings.ToLower(member.Name), needle) || strings.HasPrefix(member.EmailHash, needle) {
			out = append(out, s.summarizeMemberLocked(member))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KeysForMember returns the key summaries for a member looked up by email,
// newest first. The summaries expose suffixes only, never hashes or secrets.
func (s *Service) KeysForMember(email string) []KeySummary {
	member := s.memberByEmail(email)
	if member == nil {
		return nil
	}

	s.mu.RLock()
	out := make([]KeySummary, 0, len(member.KeyHashes))
	for _, hash := range member.KeyHashes {
		key, ok := s.keys[hash]
		if !ok {
			continue
		}
		out = append(out, KeySummary{
			Suffix:       key.Suffix,
			Status:       key.Status,
			CreatedAt:    key.CreatedAt,
			ExpiresAt:    key.ExpiresAt,
			UseCount:     key.UseCount,
			RevokeReason: key.RevokeReason,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ExportSummary is the bulk export for admin tooling: every member summary
// with its key summaries attached. Safe to hand to support staff.
type ExportSummary struct {
	Members []MemberExport `json:"members"`
	Keys    int            `json:"total_keys"`
}

// MemberExport pairs one member summary with its keys.
type MemberExport struct {
	MemberSummary
	Keys []KeySummary `json:"keys,omitempty"`
}

// Export builds the full privacy-safe export.
func (s *Service) Export() ExportSummary {
	s.mu.RLock()
	members := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	s.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	var export ExportSummary
	s.mu.RLock()
	for _, member := range members {
		entry := MemberExport{MemberSummary: s.summarizeMemberLocked(member)}
		for _, hash := range member.KeyHashes {
			key, ok := s.keys[hash]
			if !ok {
				continue
			}
			entry.Keys = append(entry.Keys, KeySummary{
				Suffix:       key.Suffix,
				Status:       key.Status,
				CreatedAt:    key.CreatedAt,
				ExpiresAt:    key.ExpiresAt,
				UseCount:     key.UseCount,
				RevokeReason: key.RevokeReason,
			})
			export.Keys++
		}
		export.Members = append(export.Members, entry)
	}
	s.mu.RUnlock()
	return export
}

// MemberMetadata returns a copy of the member's metadata, or nil when the
// member is unknown.
func (s *Service) MemberMetadata(memberID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.members[memberID]
	if !ok || member.Metadata == nil {
		return nil
	}
	out := make(map[string]string, len(member.Metadata))
	for k, v := range member.Metadata {
		out[k] = v
	}
	return out
}

// summarizeMemberLocked builds the privacy-safe view. Caller holds s.mu.
func (s *Service) summarizeMemberLocked(member *Member) MemberSummary {
	summary := MemberSummary{
		ID:          member.ID,
		Name:        member.Name,
		Status:      member.Status,
		CreatedAt:   member.CreatedAt,
		LastSeenAt:  member.LastSeenAt,
		UnlockCount: member.UnlockCount,
		TotalKeys:   len(member.KeyHashes),
	}
	if len(member.EmailHash) >= emailHashPrefixLen {
		summary.EmailHashPrefix = member.EmailHash[:emailHashPrefixLen]
	} else {
		summary.EmailHashPrefix = member.EmailHash
	}
	for _, hash := range member.KeyHashes {
		if key, ok := s.keys[hash]; ok && key.Status == KeyStatusActive {
			summary.ActiveKeys++
		}
	}
	return summary
}
