package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticMapperLongestPrefixMatch(t *testing.T) {
	m := NewStaticMapper([]MappingEntry{
		{Prefix: "/projects", DefaultBranch: "main"},
		{Prefix: "/projects/acme", DefaultBranch: "trunk"},
	})

	resolved, err := m.Resolve("projects/acme/trunk/src")
	require.NoError(t, err)
	assert.Equal(t, "/projects/acme", resolved.Entry.Prefix)
	assert.Equal(t, "trunk", resolved.Branch)
	assert.Equal(t, "src", resolved.RootPath)
}

func TestStaticMapperRootRemainderSelectsDefaultBranch(t *testing.T) {
	m := NewStaticMapper([]MappingEntry{{Prefix: "/repo", DefaultBranch: "main"}})
	resolved, err := m.Resolve("repo")
	require.NoError(t, err)
	assert.Equal(t, "main", resolved.Branch)
	assert.Equal(t, "", resolved.RootPath)
}

func TestStaticMapperExplicitBranchNoRoot(t *testing.T) {
	m := NewStaticMapper([]MappingEntry{{Prefix: "/repo", DefaultBranch: "main"}})
	resolved, err := m.Resolve("repo/feature-x")
	require.NoError(t, err)
	assert.Equal(t, "feature-x", resolved.Branch)
	assert.Equal(t, "", resolved.RootPath)
}

func TestStaticMapperNoMatch(t *testing.T) {
	m := NewStaticMapper([]MappingEntry{{Prefix: "/repo", DefaultBranch: "main"}})
	_, err := m.Resolve("other")
	assert.ErrorIs(t, err, ErrNoSuchRepository)
}

func TestStaticMapperCatchAllPrefix(t *testing.T) {
	m := NewStaticMapper([]MappingEntry{{Prefix: "", DefaultBranch: "main"}})
	resolved, err := m.Resolve("anything/goes")
	require.NoError(t, err)
	assert.Equal(t, "anything", resolved.Branch)
	assert.Equal(t, "goes", resolved.RootPath)
}
