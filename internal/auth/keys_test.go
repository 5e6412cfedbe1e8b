package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, adminKey string) *KeyStore {
	t.Helper()
	store, err := NewKeyStore(filepath.Join(t.TempDir(), "keys.json"), adminKey)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestCreateAndValidateKey(t *testing.T) {
	store := newTestStore(t, "")

	key, secret, err := store.CreateKey(RoleWrite, "ci uploader", nil)
	require.NoError(t, err)
	assert.Len(t, key.ID, 16)
	assert.Len(t, secret, 64)
	assert.NotContains(t, key.Hash, secret)

	resolved, ok := store.ValidateKey(secret)
	require.True(t, ok)
	assert.Equal(t, key.ID, resolved.ID)
	assert.Equal(t, RoleWrite, resolved.Role)
	require.NotNil(t, resolved.LastUsed)

	_, ok = store.ValidateKey("wrong-secret")
	assert.False(t, ok)
	_, ok = store.ValidateKey("")
	assert.False(t, ok)
}

func TestValidateKeyConcurrent(t *testing.T) {
	store := newTestStore(t, "")

	first, firstSecret, err := store.CreateKey(RoleWrite, "", nil)
	require.NoError(t, err)
	second, secondSecret, err := store.CreateKey(RoleRead, "", nil)
	require.NoError(t, err)

	secrets := map[string]string{firstSecret: first.ID, secondSecret: second.ID}

	var wg sync.WaitGroup
	results := make(chan string, 8)
	for i := 0; i < 4; i++ {
		for secret := range secrets {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resolved, ok := store.ValidateKey(secret)
				if assert.True(t, ok) {
					results <- resolved.ID
				}
			}()
		}
	}
	wg.Wait()
	close(results)

	counts := map[string]int{}
	for id := range results {
		counts[id]++
	}
	assert.Equal(t, map[string]int{first.ID: 4, second.ID: 4}, counts)
}

func TestLastUsedPersistDebounce(t *testing.T) {
	store := newTestStore(t, "")
	_, secret, err := store.CreateKey(RoleRead, "", nil)
	require.NoError(t, err)

	_, ok := store.ValidateKey(secret)
	require.True(t, ok)
	persisted, err := os.ReadFile(store.path)
	require.NoError(t, err)
	assert.Contains(t, string(persisted), "lastUsed")

	// A second match inside the debounce window updates memory only.
	resolved, ok := store.ValidateKey(secret)
	require.True(t, ok)
	require.NotNil(t, resolved.LastUsed)

	after, err := os.ReadFile(store.path)
	require.NoError(t, err)
	assert.Equal(t, persisted, after)
}

func TestBootstrapAdminKey(t *testing.T) {
	store := newTestStore(t, "super-secret")

	key, ok := store.ValidateKey("super-secret")
	require.True(t, ok)
	assert.Equal(t, "admin", key.ID)
	assert.Equal(t, RoleAdmin, key.Role)
}

func TestValidateSkipsCorruptHashes(t *testing.T) {
	store := newTestStore(t, "")
	store.keys = append(store.keys, &ApiKey{ID: "broken", Hash: "not-a-hash", Role: RoleRead})

	_, secret, err := store.CreateKey(RoleRead, "", nil)
	require.NoError(t, err)

	resolved, ok := store.ValidateKey(secret)
	require.True(t, ok)
	assert.NotEqual(t, "broken", resolved.ID)
}

func TestDeleteKey(t *testing.T) {
	store := newTestStore(t, "")

	key, secret, err := store.CreateKey(RoleRead, "", nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteKey(key.ID))
	_, ok := store.ValidateKey(secret)
	assert.False(t, ok)

	assert.ErrorIs(t, store.DeleteKey(key.ID), ErrKeyNotFound)
}

func TestListKeysOmitsHash(t *testing.T) {
	store := newTestStore(t, "")
	_, _, err := store.CreateKey(RoleAdmin, "first", nil)
	require.NoError(t, err)
	_, _, err = store.CreateKey(RoleRead, "second", &Scope{Repos: []string{"default"}})
	require.NoError(t, err)

	infos := store.ListKeys()
	require.Len(t, infos, 2)

	data, err := json.Marshal(infos)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hash")
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	store, err := NewKeyStore(path, "")
	require.NoError(t, err)
	_, secret, err := store.CreateKey(RoleWrite, "persisted", nil)
	require.NoError(t, err)
	store.Close()

	reopened, err := NewKeyStore(path, "")
	require.NoError(t, err)
	defer reopened.Close()

	resolved, ok := reopened.ValidateKey(secret)
	require.True(t, ok)
	assert.Equal(t, "persisted", resolved.Description)
}

func TestHotReloadPicksUpExternalEdit(t *testing.T) {
	store := newTestStore(t, "")
	require.Empty(t, store.ListKeys())

	hash, err := argon2id.CreateHash("external-secret", argon2id.DefaultParams)
	require.NoError(t, err)
	external := keyFile{Keys: []*ApiKey{{
		ID:        "ext00001",
		Hash:      hash,
		Role:      RoleRead,
		CreatedAt: time.Now().UTC(),
	}}}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.path, data, 0600))

	assert.Eventually(t, func() bool {
		infos := store.ListKeys()
		return len(infos) == 1 && infos[0].ID == "ext00001"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHasPermission(t *testing.T) {
	scoped := &ApiKey{ID: "scoped", Role: RoleWrite, Scope: &Scope{
		Repos:         []string{"default"},
		Distributions: []string{"stable"},
	}}

	tests := []struct {
		name     string
		key      *ApiKey
		required Role
		repo     string
		dist     string
		want     bool
	}{
		{"nil key", nil, RoleRead, "", "", false},
		{"admin covers write", &ApiKey{Role: RoleAdmin}, RoleWrite, "", "", true},
		{"write covers read", &ApiKey{Role: RoleWrite}, RoleRead, "", "", true},
		{"read does not cover write", &ApiKey{Role: RoleRead}, RoleWrite, "", "", false},
		{"unscoped key any repo", &ApiKey{Role: RoleWrite}, RoleWrite, "other", "testing", true},
		{"scoped key in scope", scoped, RoleWrite, "default", "stable", true},
		{"scoped key wrong repo", scoped, RoleWrite, "other", "stable", false},
		{"scoped key wrong dist", scoped, RoleWrite, "default", "testing", false},
		{"scope skipped without target", scoped, RoleWrite, "", "", true},
		{"unknown role", &ApiKey{Role: Role("owner")}, RoleRead, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.key, tt.required, tt.repo, tt.dist))
		})
	}
}
