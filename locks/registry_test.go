package locks

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	dbPath := filepath.Join(t.TempDir(), "locks.db")
	r, err := Open(dbPath, "myrepo")
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestLockCreatesDescriptorsAtomically(t *testing.T) {
	r := openTestRegistry(t)
	descs, err := r.Lock("alice", []string{"a.txt", "b.txt"}, "working on it", false, "main", 1000)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	d, ok := r.GetLock("a.txt")
	require.True(t, ok)
	assert.Equal(t, "alice", d.Owner)
	assert.Equal(t, "working on it", d.Comment)
	assert.Equal(t, "main", d.Branch)
	assert.NotEmpty(t, d.Token)

	_, ok = r.GetLock("b.txt")
	assert.True(t, ok)
}

func TestLockFailsWhenAnyTargetAlreadyLocked(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Lock("alice", []string{"a.txt"}, "", false, "main", 1000)
	require.NoError(t, err)

	_, err = r.Lock("bob", []string{"a.txt", "c.txt"}, "", false, "main", 1001)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	// Atomic: c.txt must not have been locked either.
	_, ok := r.GetLock("c.txt")
	assert.False(t, ok)
}

func TestLockStealOverwritesExisting(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Lock("alice", []string{"a.txt"}, "", false, "main", 1000)
	require.NoError(t, err)

	descs, err := r.Lock("bob", []string{"a.txt"}, "taking over", true, "main", 1001)
	require.NoError(t, err)
	require.Len(t, descs, 1)

	d, ok := r.GetLock("a.txt")
	require.True(t, ok)
	assert.Equal(t, "bob", d.Owner)
}

func TestUnlockRequiresMatchingToken(t *testing.T) {
	r := openTestRegistry(t)
	descs, err := r.Lock("alice", []string{"a.txt"}, "", false, "main", 1000)
	require.NoError(t, err)
	token := descs[0].Token

	err = r.Unlock("a.txt", "not-the-token", false)
	assert.ErrorIs(t, err, ErrTokenMismatch)

	err = r.Unlock("a.txt", token, false)
	require.NoError(t, err)

	_, ok := r.GetLock("a.txt")
	assert.False(t, ok)
}

func TestUnlockBreakIgnoresToken(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Lock("alice", []string{"a.txt"}, "", false, "main", 1000)
	require.NoError(t, err)

	err = r.Unlock("a.txt", "wrong", true)
	require.NoError(t, err)

	_, ok := r.GetLock("a.txt")
	assert.False(t, ok)
}

func TestUnlockNoSuchLock(t *testing.T) {
	r := openTestRegistry(t)
	err := r.Unlock("nope.txt", "x", false)
	assert.ErrorIs(t, err, ErrNoSuchLock)
}

func TestGetLocksPrefixMatch(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Lock("alice", []string{"dir/a.txt", "dir/sub/b.txt", "other/c.txt"}, "", false, "main", 1000)
	require.NoError(t, err)

	locks := r.GetLocks("dir")
	paths := map[string]bool{}
	for _, d := range locks {
		paths[d.Path] = true
	}
	assert.True(t, paths["dir/a.txt"])
	assert.True(t, paths["dir/sub/b.txt"])
	assert.False(t, paths["other/c.txt"])

	all := r.GetLocks("")
	assert.Len(t, all, 3)
}

func TestCheckOwnershipEnforcesTokenAndOwner(t *testing.T) {
	r := openTestRegistry(t)
	descs, err := r.Lock("alice", []string{"a.txt"}, "", false, "main", 1000)
	require.NoError(t, err)
	token := descs[0].Token

	// No lock on this path at all: always fine.
	assert.NoError(t, r.CheckOwnership("bob", []string{"unlocked.txt"}, nil))

	// Correct owner and token.
	assert.NoError(t, r.CheckOwnership("alice", []string{"a.txt"}, map[string]string{"a.txt": token}))

	// Missing token.
	err = r.CheckOwnership("alice", []string{"a.txt"}, nil)
	assert.Error(t, err)

	// Wrong token.
	err = r.CheckOwnership("alice", []string{"a.txt"}, map[string]string{"a.txt": "bogus"})
	assert.Error(t, err)

	// Right token, wrong user.
	err = r.CheckOwnership("bob", []string{"a.txt"}, map[string]string{"a.txt": token})
	assert.Error(t, err)
}

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "locks.db")
	r1, err := Open(dbPath, "myrepo")
	require.NoError(t, err)
	_, err = r1.Lock("alice", []string{"a.txt"}, "durable", false, "main", 1000)
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := Open(dbPath, "myrepo")
	require.NoError(t, err)
	defer r2.Close()

	d, ok := r2.GetLock("a.txt")
	require.True(t, ok)
	assert.Equal(t, "alice", d.Owner)
	assert.Equal(t, "durable", d.Comment)
}

func TestRegistryScopesBucketByRepo(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "locks.db")
	r1, err := Open(dbPath, "repo-a")
	require.NoError(t, err)
	_, err = r1.Lock("alice", []string{"a.txt"}, "", false, "main", 1000)
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := Open(dbPath, "repo-b")
	require.NoError(t, err)
	defer r2.Close()

	_, ok := r2.GetLock("a.txt")
	assert.False(t, ok, "locks are scoped per repository bucket")
}
