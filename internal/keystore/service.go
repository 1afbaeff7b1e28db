// Package keystore manages the membership credential lifecycle: issuing,
// verifying, revoking and retiring bearer keys tied to a member identity.
//
// The member and key tables are authoritative in memory and written through
// to the durable record store. A failed persist after a committed in-memory
// mutation is logged and queued, never retried synchronously; the next
// write flushes the accumulated state.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"abrahamoflondon.org/internal/ids"
	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/record"
)

const (
	memberPrefix = "member/"
	keyPrefix    = "key/"
	emailPrefix  = "email/"

	secretPrefix = "aol_"

	reasonKeyLimit = "exceeded key limit"

	defaultKeyTTL = 30 * 24 * time.Hour
	defaultKeyCap = 5

	lockStripes = 64
)

var (
	// ErrInvalidInput indicates a malformed argument such as an empty email.
	ErrInvalidInput = errors.New("keystore: invalid input")
	// ErrStoreUnavailable indicates the durable store could not be reached.
	// Distinct from a not-found verification: "we could not check" is never
	// reported as "the credential is invalid".
	ErrStoreUnavailable = errors.New("keystore: store unavailable")
)

// Service is the membership key store. Construct with NewService, hydrate
// with Load, and flush pending writes with Close on shutdown.
type Service struct {
	store record.Store
	now   func() time.Time

	keyTTL time.Duration
	keyCap int

	secretSource func() (string, error)

	// memberLocks serialize the find-or-create / quota-enforce / create /
	// persist sequence per member, striped by email hash.
	memberLocks [lockStripes]sync.Mutex

	mu         sync.RWMutex
	members    map[string]*Member // member id -> member
	keys       map[string]*Key    // secret hash -> key
	emailIndex map[string]string  // email hash -> member id
	dirty      map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithKeyTTL sets the fixed lifetime attached to issued keys.
func WithKeyTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.keyTTL = ttl
		}
	}
}

// WithKeyCap sets the per-member active-key quota.
func WithKeyCap(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.keyCap = n
		}
	}
}

// WithSecretSource overrides secret generation, for tests.
func WithSecretSource(fn func() (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.secretSource = fn
		}
	}
}

// NewService constructs a key store backed by the given record store.
func NewService(store record.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("keystore: record store is required")
	}
	s := &Service{
		store:        store,
		now:          time.Now,
		keyTTL:       defaultKeyTTL,
		keyCap:       defaultKeyCap,
		secretSource: generateSecret,
		members:      make(map[string]*Member),
		keys:         make(map[string]*Key),
		emailIndex:   make(map[string]string),
		dirty:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load hydrates the in-memory tables from the durable store.
func (s *Service) Load(ctx context.Context) error {
	memberRecs, err := s.store.ListByPrefix(ctx, memberPrefix)
	if err != nil {
		return s.wrapStoreErr(err)
	}
	keyRecs, err := s.store.ListByPrefix(ctx, keyPrefix)
	if err != nil {
		return s.wrapStoreErr(err)
	}
	emailRecs, err := s.store.ListByPrefix(ctx, emailPrefix)
	if err != nil {
		return s.wrapStoreErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range memberRecs {
		var m Member
		if err := json.Unmarshal(rec.Value, &m); err != nil {
			continue
		}
		s.members[m.ID] = &m
	}
	for _, rec := range keyRecs {
		var k Key
		if err := json.Unmarshal(rec.Value, &k); err != nil {
			continue
		}
		s.keys[k.Hash] = &k
	}
	for _, rec := range emailRecs {
		s.emailIndex[strings.TrimPrefix(rec.Key, emailPrefix)] = string(rec.Value)
	}
	return nil
}

// Close flushes writes that failed earlier. Call on shutdown.
func (s *Service) Close(ctx context.Context) error {
	s.flushDirty(ctx)
	s.mu.RLock()
	pending := len(s.dirty)
	s.mu.RUnlock()
	if pending > 0 {
		return fmt.Errorf("%w: %d records still unflushed", ErrStoreUnavailable, pending)
	}
	return nil
}

// IssueKey hashes the email, finds or creates the member, and attaches a
// fresh key with a fixed TTL. If the member would exceed the active-key
// quota, the oldest active key is auto-revoked first, so the quota holds
// after every issuance. The returned plaintext secret is never retrievable
// again.
func (s *Service) IssueKey(ctx context.Context, email, name string, metadata map[string]string) (IssuedKey, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return IssuedKey{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	emailHash := hashEmail(email)

	lock := s.lockFor(emailHash)
	lock.Lock()
	defer lock.Unlock()

	s.flushDirty(ctx)

	secret, err := s.secretSource()
	if err != nil {
		return IssuedKey{}, fmt.Errorf("keystore: generate secret: %w", err)
	}
	secretHash := hashSecret(secret)
	now := s.now().UTC()

	s.mu.Lock()
	member := s.memberByEmailHashLocked(emailHash)
	if member == nil {
		member = &Member{
			ID:         ids.New(),
			EmailHash:  emailHash,
			Name:       strings.TrimSpace(name),
			Status:     MemberStatusPending,
			CreatedAt:  now,
			LastSeenAt: now,
		}
		s.members[member.ID] = member
		s.emailIndex[emailHash] = member.ID
	} else {
		member.LastSeenAt = now
		if member.Name == "" {
			member.Name = strings.TrimSpace(name)
		}
	}
	if len(metadata) > 0 {
		if member.Metadata == nil {
			member.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			member.Metadata[k] = v
		}
	}

	key := &Key{
		Hash:      secretHash,
		Suffix:    secretSuffix(secret),
		MemberID:  member.ID,
		Status:    KeyStatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.keyTTL),
	}
	s.keys[secretHash] = key
	member.KeyHashes = append(member.KeyHashes, secretHash)

	revoked := s.enforceQuotaLocked(member, now)

	memberID := member.ID
	issued := IssuedKey{
		Secret:    secret,
		Suffix:    key.Suffix,
		MemberID:  memberID,
		ExpiresAt: key.ExpiresAt,
	}
	// Marshal under the lock so concurrent mutators cannot race the encoder.
	memberData, _ := json.Marshal(member)
	keyData, _ := json.Marshal(key)
	revokedData := make(map[string][]byte, len(revoked))
	for _, old := range revoked {
		revokedData[old.Hash], _ = json.Marshal(old)
	}
	s.mu.Unlock()

	s.persistRaw(ctx, memberPrefix+memberID, memberData)
	s.persistRaw(ctx, keyPrefix+secretHash, keyData)
	s.persistRaw(ctx, emailPrefix+emailHash, []byte(memberID))
	for hash, data := range revokedData {
		s.persistRaw(ctx, keyPrefix+hash, data)
	}

	obs.ObserveKeyOperation("issue", "ok")
	return issued, nil
}

// enforceQuotaLocked revokes the oldest active keys until the member is at
// or under the quota. Caller holds s.mu.
func (s *Service) enforceQuotaLocked(member *Member, now time.Time) []*Key {
	var active []*Key
	for _, hash := range member.KeyHashes {
		if k, ok := s.keys[hash]; ok && k.Status == KeyStatusActive {
			active = append(active, k)
		}
	}
	if len(active) <= s.keyCap {
		return nil
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].Hash < active[j].Hash
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	var revoked []*Key
	for _, k := range active[:len(active)-s.keyCap] {
		k.Status = KeyStatusRevoked
		k.RevokedAt = now
		k.RevokedBy = "system"
		k.RevokeReason = reasonKeyLimit
		revoked = append(revoked, k)
	}
	return revoked
}

// VerifyKey checks a bearer secret by hash lookup only; the secret is never
// compared directly. Credential outcomes come back as values; a non-nil
// error means the store could not be consulted and nothing is known about
// the credential.
func (s *Service) VerifyKey(ctx context.Context, secret string) (Verification, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Verification{Status: VerifyMissing}, nil
	}
	secretHash := hashSecret(secret)

	key, member, err := s.lookup(ctx, secretHash)
	if err != nil {
		return Verification{}, err
	}
	if key == nil {
		obs.ObserveKeyOperation("verify", VerifyNotFound)
		return Verification{Status: VerifyNotFound}, nil
	}

	s.mu.RLock()
	snapshot := *key
	s.mu.RUnlock()

	switch snapshot.Status {
	case KeyStatusRevoked:
		obs.ObserveKeyOperation("verify", VerifyRevoked)
		return Verification{Status: VerifyRevoked, KeySuffix: snapshot.Suffix}, nil
	case KeyStatusExpired:
		obs.ObserveKeyOperation("verify", VerifyExpired)
		return Verification{Status: VerifyExpired, KeySuffix: snapshot.Suffix}, nil
	}

	now := s.now().UTC()
	if now.After(snapshot.ExpiresAt) || (snapshot.MaxUses > 0 && snapshot.UseCount >= snapshot.MaxUses) {
		// Lazy, monotonic, idempotent flip: the one permitted write-on-read.
		s.mu.Lock()
		if key.Status == KeyStatusActive {
			key.Status = KeyStatusExpired
		}
		keyData, _ := json.Marshal(key)
		s.mu.Unlock()
		s.persistRaw(ctx, keyPrefix+snapshot.Hash, keyData)
		obs.ObserveKeyOperation("verify", VerifyExpired)
		return Verification{Status: VerifyExpired, KeySuffix: snapshot.Suffix}, nil
	}

	v := Verification{
		Status:       VerifyValid,
		Valid:        true,
		KeySuffix:    snapshot.Suffix,
		KeyExpiresAt: snapshot.ExpiresAt,
		MemberID:     snapshot.MemberID,
	}
	if member != nil {
		s.mu.RLock()
		v.MemberName = member.Name
		v.MemberStatus = member.Status
		s.mu.RUnlock()
	}
	obs.ObserveKeyOperation("verify", "ok")
	return v, nil
}

// RecordUnlock re-verifies the secret and, when valid, increments the key
// and member usage counters and stamps last-used. Invalid verifications
// never increment anything.
func (s *Service) RecordUnlock(ctx context.Context, secret string, unlockCtx map[string]string) (Verification, error) {
	v, err := s.VerifyKey(ctx, secret)
	if err != nil || !v.Valid {
		return v, err
	}

	now := s.now().UTC()
	secretHash := hashSecret(strings.TrimSpace(secret))

	var keyData, memberData []byte
	var memberID string

	s.mu.Lock()
	key := s.keys[secretHash]
	if key != nil {
		key.UseCount++
		key.LastUsedAt = now
		keyData, _ = json.Marshal(key)
		if member := s.members[key.MemberID]; member != nil {
			member.UnlockCount++
			member.LastSeenAt = now
			// First successful unlock activates a pending member.
			if member.Status == MemberStatusPending {
				member.Status = MemberStatusActive
			}
			if len(unlockCtx) > 0 {
				if member.Metadata == nil {
					member.Metadata = make(map[string]string, len(unlockCtx))
				}
				for k, val := range unlockCtx {
					member.Metadata[k] = val
				}
			}
			memberID = member.ID
			v.MemberStatus = member.Status
			memberData, _ = json.Marshal(member)
		}
	}
	s.mu.Unlock()

	if keyData != nil {
		s.persistRaw(ctx, keyPrefix+secretHash, keyData)
	}
	if memberData != nil {
		s.persistRaw(ctx, memberPrefix+memberID, memberData)
	}
	obs.ObserveKeyOperation("unlock", "ok")
	return v, nil
}

// RevokeKey revokes the key for the given secret. Idempotent: revoking an
// already-revoked key returns false without error.
func (s *Service) RevokeKey(ctx context.Context, secret, by, reason string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}
	return s.revokeHash(ctx, hashSecret(secret), by, reason)
}

// RevokeKeyForMember revokes a member's key identified by its display
// suffix. Used by the admin surface, which never sees secrets.
func (s *Service) RevokeKeyForMember(ctx context.Context, email, suffix, by, reason string) bool {
	member := s.memberByEmail(email)
	if member == nil {
		return false
	}
	s.mu.RLock()
	var target string
	for _, hash := range member.KeyHashes {
		if k, ok := s.keys[hash]; ok && k.Suffix == suffix && k.Status != KeyStatusRevoked {
			target = hash
			break
		}
	}
	s.mu.RUnlock()
	if target == "" {
		return false
	}
	return s.revokeHash(ctx, target, by, reason)
}

func (s *Service) revokeHash(ctx context.Context, secretHash, by, reason string) bool {
	now := s.now().UTC()

	s.mu.Lock()
	key := s.keys[secretHash]
	if key == nil || key.Status == KeyStatusRevoked {
		s.mu.Unlock()
		return false
	}
	key.Status = KeyStatusRevoked
	key.RevokedAt = now
	key.RevokedBy = by
	key.RevokeReason = reason
	keyData, _ := json.Marshal(key)
	s.mu.Unlock()

	s.persistRaw(ctx, keyPrefix+secretHash, keyData)
	obs.ObserveKeyOperation("revoke", "ok")
	return true
}

// RevokeAllForMember revokes every key still revocable for the member and
// returns the count. Used by deletion and erasure flows.
func (s *Service) RevokeAllForMember(ctx context.Context, email, by, reason string) int {
	member := s.memberByEmail(email)
	if member == nil {
		return 0
	}

	now := s.now().UTC()
	touched := make(map[string][]byte)

	s.mu.Lock()
	for _, hash := range member.KeyHashes {
		key, ok := s.keys[hash]
		if !ok || key.Status == KeyStatusRevoked {
			continue
		}
		key.Status = KeyStatusRevoked
		key.RevokedAt = now
		key.RevokedBy = by
		key.RevokeReason = reason
		touched[hash], _ = json.Marshal(key)
	}
	// Bulk revocation demotes the member itself: keys issued to the
	// member afterwards still verify but carry the revoked status.
	member.Status = MemberStatusRevoked
	memberData, _ := json.Marshal(member)
	memberID := member.ID
	s.mu.Unlock()

	for hash, data := range touched {
		s.persistRaw(ctx, keyPrefix+hash, data)
	}
	s.persistRaw(ctx, memberPrefix+memberID, memberData)
	return len(touched)
}

// DeleteMember revokes all of the member's keys, then hard-deletes the
// member record and its identity-hash lookup entry. Privacy erasure is
// irreversible; the revoked keys that remain carry no identity.
func (s *Service) DeleteMember(ctx context.Context, email string) bool {
	member := s.memberByEmail(email)
	if member == nil {
		return false
	}
	s.RevokeAllForMember(ctx, email, "system", "member deleted")

	s.mu.Lock()
	delete(s.members, member.ID)
	delete(s.emailIndex, member.EmailHash)
	delete(s.dirty, memberPrefix+member.ID)
	delete(s.dirty, emailPrefix+member.EmailHash)
	s.mu.Unlock()

	s.deleteRecord(ctx, memberPrefix+member.ID)
	s.deleteRecord(ctx, emailPrefix+member.EmailHash)
	obs.ObserveKeyOperation("delete_member", "ok")
	return true
}

// Cleanup is the periodic retention sweep: active keys past expiry flip to
// expired; keys and members untouched for longer than the retention window
// are purged entirely.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) CleanupStats {
	now := s.now().UTC()
	var stats CleanupStats

	persistKeys := make(map[string][]byte)
	var deleteRecords []string

	s.mu.Lock()
	for hash, key := range s.keys {
		if key.Status == KeyStatusActive && now.After(key.ExpiresAt) {
			key.Status = KeyStatusExpired
			stats.KeysAutoExpired++
			persistKeys[hash], _ = json.Marshal(key)
		}
		lastTouch := key.LastUsedAt
		if lastTouch.IsZero() {
			lastTouch = key.CreatedAt
		}
		if retention > 0 && now.Sub(lastTouch) > retention {
			delete(s.keys, hash)
			delete(s.dirty, keyPrefix+hash)
			delete(persistKeys, hash)
			if member, ok := s.members[key.MemberID]; ok {
				member.KeyHashes = removeString(member.KeyHashes, hash)
			}
			deleteRecords = append(deleteRecords, keyPrefix+hash)
			stats.KeysPurged++
		}
	}
	for id, member := range s.members {
		lastTouch := member.LastSeenAt
		if lastTouch.IsZero() {
			lastTouch = member.CreatedAt
		}
		if retention > 0 && now.Sub(lastTouch) > retention {
			for _, hash := range member.KeyHashes {
				if _, ok := s.keys[hash]; ok {
					delete(s.keys, hash)
					delete(s.dirty, keyPrefix+hash)
					delete(persistKeys, hash)
					deleteRecords = append(deleteRecords, keyPrefix+hash)
					stats.KeysPurged++
				}
			}
			delete(s.members, id)
			delete(s.emailIndex, member.EmailHash)
			delete(s.dirty, memberPrefix+id)
			delete(s.dirty, emailPrefix+member.EmailHash)
			deleteRecords = append(deleteRecords, memberPrefix+id, emailPrefix+member.EmailHash)
			stats.MembersPurged++
		}
	}
	s.mu.Unlock()

	for hash, data := range persistKeys {
		s.persistRaw(ctx, keyPrefix+hash, data)
	}
	for _, recKey := range deleteRecords {
		s.deleteRecord(ctx, recKey)
	}
	return stats
}

// --- lookup helpers ---

// lookup resolves a key and its member, reading through to the store when
// the in-memory table misses (a cold start or a record written by another
// node).
func (s *Service) lookup(ctx context.Context, secretHash string) (*Key, *Member, error) {
	s.mu.RLock()
	key := s.keys[secretHash]
	var member *Member
	if key != nil {
		member = s.members[key.MemberID]
	}
	s.mu.RUnlock()
	if key != nil {
		return key, member, nil
	}

	data, err := s.store.Get(ctx, keyPrefix+secretHash)
	if errors.Is(err, record.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, s.wrapStoreErr(err)
	}
	var loaded Key
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, nil, fmt.Errorf("keystore: corrupt key record: %w", err)
	}

	var loadedMember *Member
	if memberData, err := s.store.Get(ctx, memberPrefix+loaded.MemberID); err == nil {
		var m Member
		if json.Unmarshal(memberData, &m) == nil {
			loadedMember = &m
		}
	}

	s.mu.Lock()
	if existing, ok := s.keys[loaded.Hash]; ok {
		key = existing
	} else {
		s.keys[loaded.Hash] = &loaded
		key = &loaded
	}
	if loadedMember != nil {
		if existing, ok := s.members[loadedMember.ID]; ok {
			loadedMember = existing
		} else {
			s.members[loadedMember.ID] = loadedMember
			s.emailIndex[loadedMember.EmailHash] = loadedMember.ID
		}
	}
	s.mu.Unlock()
	return key, loadedMember, nil
}

func (s *Service) memberByEmail(email string) *Member {
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memberByEmailHashLocked(hashEmail(email))
}

func (s *Service) memberByEmailHashLocked(emailHash string) *Member {
	id, ok := s.emailIndex[emailHash]
	if !ok {
		return nil
	}
	return s.members[id]
}

func (s *Service) lockFor(emailHash string) *sync.Mutex {
	if emailHash == "" {
		return &s.memberLocks[0]
	}
	return &s.memberLocks[int(emailHash[0])%lockStripes]
}

// --- persistence helpers ---

func (s *Service) persistRaw(ctx context.Context, recKey string, data []byte) {
	if err := s.store.Put(ctx, recKey, data); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn", "msg": "keystore persist failed, queued",
			"record": recKey, "error": err.Error(),
		})
		s.mu.Lock()
		s.dirty[recKey] = struct{}{}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	delete(s.dirty, recKey)
	s.mu.Unlock()
}

func (s *Service) deleteRecord(ctx context.Context, recKey string) {
	if err := s.store.Delete(ctx, recKey); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn", "msg": "keystore delete failed, queued",
			"record": recKey, "error": err.Error(),
		})
		s.mu.Lock()
		s.dirty[recKey] = struct{}{}
		s.mu.Unlock()
	}
}

// flushDirty retries records whose earlier persist failed, resolving each
// from current in-memory state (a record deleted since then is deleted
// from the store too).
func (s *Service) flushDirty(ctx context.Context) {
	s.mu.RLock()
	if len(s.dirty) == 0 {
		s.mu.RUnlock()
		return
	}
	pending := make([]string, 0, len(s.dirty))
	for recKey := range s.dirty {
		pending = append(pending, recKey)
	}
	s.mu.RUnlock()

	for _, recKey := range pending {
		var (
			data   []byte
			exists bool
		)
		s.mu.RLock()
		switch {
		case strings.HasPrefix(recKey, memberPrefix):
			if m, ok := s.members[strings.TrimPrefix(recKey, memberPrefix)]; ok {
				data, _ = json.Marshal(m)
				exists = true
			}
		case strings.HasPrefix(recKey, keyPrefix):
			if k, ok := s.keys[strings.TrimPrefix(recKey, keyPrefix)]; ok {
				data, _ = json.Marshal(k)
				exists = true
			}
		case strings.HasPrefix(recKey, emailPrefix):
			if id, ok := s.emailIndex[strings.TrimPrefix(recKey, emailPrefix)]; ok {
				data = []byte(id)
				exists = true
			}
		}
		s.mu.RUnlock()

		var err error
		if exists {
			err = s.store.Put(ctx, recKey, data)
		} else {
			err = s.store.Delete(ctx, recKey)
		}
		if err == nil {
			s.mu.Lock()
			delete(s.dirty, recKey)
			s.mu.Unlock()
		}
	}
}

func (s *Service) wrapStoreErr(err error) error {
	if errors.Is(err, record.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// --- hashing and secrets ---

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// secretSuffix is the non-secret display tail shown in admin views.
func secretSuffix(secret string) string {
	if len(secret) <= 4 {
		return secret
	}
	return secret[len(secret)-4:]
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
