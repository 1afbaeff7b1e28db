package keystore

import "time"

// Member statuses.
const (
	MemberStatusPending = "pending"
	MemberStatusActive  = "active"
	MemberStatusRevoked = "revoked"
)

// Key statuses. Transitions are monotonic: active may become expired or
// revoked, and neither ever reverses.
const (
	KeyStatusActive  = "active"
	KeyStatusExpired = "expired"
	KeyStatusRevoked = "revoked"
)

// Member is the durable identity behind a set of keys. The plaintext email
// is never stored; EmailHash is the lookup handle.
type Member struct {
	ID          string            `json:"id"`
	EmailHash   string            `json:"email_hash"`
	Name        string            `json:"name,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	UnlockCount int               `json:"unlock_count"`
	KeyHashes   []string          `json:"key_hashes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Key is a bearer credential, derived from its member. Only the hash of the
// secret is kept; the secret itself is returned once at issuance and never
// retrievable again.
type Key struct {
	Hash      string    `json:"hash"`
	Suffix    string    `json:"suffix"`
	MemberID  string    `json:"member_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	UseCount   int       `json:"use_count"`
	MaxUses    int       `json:"max_uses,omitempty"`

	RevokedAt    time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string    `json:"revoked_by,omitempty"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

// IssuedKey is the one-time issuance result carrying the plaintext secret.
type IssuedKey struct {
	Secret    string    `json:"secret"`
	Suffix    string    `json:"suffix"`
	MemberID  string    `json:"member_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verification statuses, returned as values rather than errors.
const (
	VerifyMissing  = "missing_key"
	VerifyNotFound = "key_not_found"
	VerifyRevoked  = "key_revoked"
	VerifyExpired  = "key_expired"
	VerifyValid    = "valid"
)

// Verification is the outcome of checking a bearer secret.
type Verification struct {
	Status string `json:"status"`
	Valid  bool   `json:"valid"`

	KeySuffix    string    `json:"key_suffix,omitempty"`
	KeyExpiresAt time.Time `json:"key_expires_at,omitempty"`
	MemberID     string    `json:"member_id,omitempty"`
	MemberName   string    `json:"member_name,omitempty"`
	MemberStatus string    `json:"member_status,omitempty"`
}

// CleanupStats summarizes one retention sweep.
type CleanupStats struct {
	MembersPurged   int `json:"members_purged"`
	KeysPurged      int `json:"keys_purged"`
	KeysAutoExpired int `json:"keys_auto_expired"`
}

// MemberSummary is the privacy-safe admin view of a member: no plaintext
// identity, only a hash prefix.
type MemberSummary struct {
	ID              string    `json:"id"`
	EmailHashPrefix string    `json:"email_hash_prefix"`
	Name            string    `json:"name,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	UnlockCount     int       `json:"unlock_count"`
	ActiveKeys      int       `json:"active_keys"`
	TotalKeys       int       `json:"total_keys"`
}

// KeySummary is the privacy-safe admin view of a key.
type KeySummary struct {
	Suffix       string    `json:"suffix"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	UseCount     int       `json:"use_count"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}
