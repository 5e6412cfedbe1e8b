// Package auth covers both halves of the credential model: locally
// issued API keys and externally issued workload-identity tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/fsnotify/fsnotify"
)

// Role orders key privileges: admin covers write covers read.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleWrite Role = "write"
	RoleRead  Role = "read"
)

// rank maps roles onto the comparison scale.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleWrite:
		return 2
	case RoleRead:
		return 1
	}
	return 0
}

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	return r.rank() > 0
}

// Covers reports whether r satisfies the required role.
func (r Role) Covers(required Role) bool {
	return r.rank() >= required.rank()
}

// Scope restricts a key to subsets of repos and distributions. An empty
// list means unrestricted in that dimension.
type Scope struct {
	Repos         []string `json:"repos,omitempty"`
	Distributions []string `json:"distributions,omitempty"`
}

// ApiKey is one stored credential. The hash never leaves the store.
type ApiKey struct {
	ID          string     `json:"id"`
	Hash        string     `json:"hash"`
	Role        Role       `json:"role"`
	Scope       *Scope     `json:"scope,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	Description string     `json:"description,omitempty"`
}

// KeyInfo is the listing view of a key, identical to ApiKey minus the
// hash.
type KeyInfo struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Scope       *Scope     `json:"scope,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	Description string     `json:"description,omitempty"`
}

// ErrKeyNotFound is returned when revoking an unknown key id.
var ErrKeyNotFound = errors.New("api key not found")

// keyFile is the on-disk document at apiKeysPath.
type keyFile struct {
	Keys []*ApiKey `json:"keys"`
}

// lastUsedPersistInterval bounds how often a matched key rewrites the
// key file. The in-memory lastUsed is updated on every match.
const lastUsedPersistInterval = time.Minute

// KeyStore manages the API key file. The mutex guards the key slice
// and file writes only; hash verification is CPU-bound by design of
// the KDF and runs outside the lock so concurrent requests verify in
// parallel.
//
// External edits to the file are picked up through fsnotify so keys can
// be provisioned by configuration management without a restart.
type KeyStore struct {
	path     string
	adminKey string

	mu         sync.Mutex
	keys       []*ApiKey
	selfWrites int

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewKeyStore loads the key file at path, creating an empty one when
// absent. adminKey, when non-empty, acts as a bootstrap admin secret
// that bypasses the stored keys.
func NewKeyStore(path, adminKey string) (*KeyStore, error) {
	store := &KeyStore{
		path:     path,
		adminKey: adminKey,
		done:     make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	if err := store.load(); err != nil {
		return nil, err
	}

	if err := store.watch(); err != nil {
		slog.Warn("Key store hot reload unavailable", "error", err)
	}

	return store, nil
}

// Close stops the file watcher.
func (s *KeyStore) Close() {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

// load reads the key file into memory. A missing file yields an empty
// store.
func (s *KeyStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *KeyStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.keys = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read key store: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("corrupt key store %s: %w", s.path, err)
	}
	s.keys = file.Keys
	return nil
}

// saveLocked persists the current key set via a temporary sibling. The
// write is flagged so the watcher does not reload our own change.
func (s *KeyStore) saveLocked() error {
	data, err := json.MarshalIndent(keyFile{Keys: s.keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key store: %w", err)
	}

	tmp := s.path + ".tmp"
	s.selfWrites++
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace key store: %w", err)
	}
	return nil
}

// watch reloads the key file when something other than the store itself
// rewrites it. The containing directory is watched because the file is
// replaced by rename.
func (s *KeyStore) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path || !event.Op.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				s.mu.Lock()
				if s.selfWrites > 0 {
					s.selfWrites--
					s.mu.Unlock()
					continue
				}
				if err := s.loadLocked(); err != nil {
					slog.Error("Key store reload failed", "error", err)
				} else {
					slog.Info("Key store reloaded", "keys", len(s.keys))
				}
				s.mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Key store watcher error", "error", err)
			}
		}
	}()

	return nil
}

// CreateKey issues a new key and returns it with the plaintext secret.
// The secret is shown exactly once; only its hash is stored.
func (s *KeyStore) CreateKey(role Role, description string, scope *Scope) (*ApiKey, string, error) {
	if !role.Valid() {
		return nil, "", fmt.Errorf("invalid role %q", role)
	}

	id, err := randomHex(8)
	if err != nil {
		return nil, "", err
	}
	secret, err := randomHex(32)
	if err != nil {
		return nil, "", err
	}
	hash, err := argon2id.CreateHash(secret, argon2id.DefaultParams)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key secret: %w", err)
	}

	key := &ApiKey{
		ID:          id,
		Hash:        hash,
		Role:        role,
		Scope:       scope,
		CreatedAt:   time.Now().UTC(),
		Description: description,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	if err := s.saveLocked(); err != nil {
		s.keys = s.keys[:len(s.keys)-1]
		return nil, "", err
	}
	return key, secret, nil
}

// ValidateKey resolves a presented secret to a key. The bootstrap admin
// secret short-circuits with a synthetic admin identity. Stored keys are
// checked in order against a snapshot taken under the lock, so the slow
// hash comparisons never hold up other store operations. A match updates
// lastUsed.
func (s *KeyStore) ValidateKey(presented string) (*ApiKey, bool) {
	if presented == "" {
		return nil, false
	}
	if s.adminKey != "" && presented == s.adminKey {
		return &ApiKey{ID: "admin", Role: RoleAdmin}, true
	}

	s.mu.Lock()
	candidates := make([]ApiKey, len(s.keys))
	for i, key := range s.keys {
		candidates[i] = *key
	}
	s.mu.Unlock()

	for i := range candidates {
		match, err := argon2id.ComparePasswordAndHash(presented, candidates[i].Hash)
		if err != nil || !match {
			continue
		}
		now := time.Now().UTC()
		matched := candidates[i]
		matched.LastUsed = &now
		s.touch(matched.ID, now)
		return &matched, true
	}
	return nil, false
}

// touch records a use of the key. The file rewrite is debounced so a
// busy key does not turn every request into a disk write. A key revoked
// since the validation snapshot is left alone.
func (s *KeyStore) touch(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys {
		if key.ID != id {
			continue
		}
		persist := key.LastUsed == nil || now.Sub(*key.LastUsed) >= lastUsedPersistInterval
		key.LastUsed = &now
		if persist {
			if err := s.saveLocked(); err != nil {
				slog.Warn("Failed to persist lastUsed", "keyId", id, "error", err)
			}
		}
		return
	}
}

// DeleteKey revokes the key with the given id.
func (s *KeyStore) DeleteKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, key := range s.keys {
		if key.ID != id {
			continue
		}
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
		return s.saveLocked()
	}
	return ErrKeyNotFound
}

// ListKeys returns all keys without their hashes.
func (s *KeyStore) ListKeys() []KeyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]KeyInfo, 0, len(s.keys))
	for _, key := range s.keys {
		infos = append(infos, KeyInfo{
			ID:          key.ID,
			Role:        key.Role,
			Scope:       key.Scope,
			CreatedAt:   key.CreatedAt,
			LastUsed:    key.LastUsed,
			Description: key.Description,
		})
	}
	return infos
}

// HasPermission checks the role hierarchy and, when the key carries a
// scope, membership of repo and dist in the scoped sets. Empty repo or
// dist arguments skip the respective scope dimension.
func HasPermission(key *ApiKey, required Role, repo, dist string) bool {
	if key == nil || !key.Role.Covers(required) {
		return false
	}
	if key.Scope == nil {
		return true
	}
	if repo != "" && len(key.Scope.Repos) > 0 && !slices.Contains(key.Scope.Repos, repo) {
		return false
	}
	if dist != "" && len(key.Scope.Distributions) > 0 && !slices.Contains(key.Scope.Distributions, dist) {
		return false
	}
	return true
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
