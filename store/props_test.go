package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineIgnorePatterns(t *testing.T) {
	s, err := OpenGitStore(t.TempDir())
	require.NoError(t, err)
	ins := s.Inserter()
	blobID, err := ins.WriteBlob(bytes.NewReader([]byte("# comment\n*.o\n\nbuild/\n")), 22)
	require.NoError(t, err)

	p := NewPipeline(s)
	patterns, err := p.IgnorePatterns(blobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.o", "build/"}, patterns)

	// Second call should hit the cache and return the identical slice.
	again, err := p.IgnorePatterns(blobID)
	require.NoError(t, err)
	assert.Equal(t, patterns, again)
}

func TestPipelineIgnorePatternsZeroBlob(t *testing.T) {
	s, err := OpenGitStore(t.TempDir())
	require.NoError(t, err)
	p := NewPipeline(s)
	patterns, err := p.IgnorePatterns(ObjectID{})
	require.NoError(t, err)
	assert.Nil(t, patterns)
}

func TestPipelineAutoProps(t *testing.T) {
	s, err := OpenGitStore(t.TempDir())
	require.NoError(t, err)
	ins := s.Inserter()
	content := "*.txt svn:mime-type=text/plain\n*.bin svn:executable\n"
	blobID, err := ins.WriteBlob(bytes.NewReader([]byte(content)), int64(len(content)))
	require.NoError(t, err)

	p := NewPipeline(s)
	table, err := p.AutoProps(blobID)
	require.NoError(t, err)
	require.Contains(t, table, "*.txt")
	assert.Equal(t, "text/plain", table["*.txt"]["svn:mime-type"])
	assert.Equal(t, "*", table["*.bin"]["svn:executable"])
}

func TestMatchAutoProps(t *testing.T) {
	table := map[string]PropertySet{
		"*.txt": {"svn:mime-type": "text/plain"},
		"*.bin": {"svn:executable": "*"},
	}
	got := MatchAutoProps(table, "readme.txt")
	require.NotNil(t, got)
	assert.Equal(t, "text/plain", got["svn:mime-type"])

	assert.Nil(t, MatchAutoProps(table, "readme.md"))
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("exact", "exact"))
	assert.False(t, globMatch("exact", "other"))
	assert.True(t, globMatch("*.txt", "a.txt"))
	assert.False(t, globMatch("*.txt", "a.bin"))
	assert.True(t, globMatch("prefix*", "prefixsuffix"))
	assert.True(t, globMatch("*mid*", "xxmidyy"))
}

func TestIsDotfile(t *testing.T) {
	assert.True(t, IsDotfile(".svnignore"))
	assert.True(t, IsDotfile(".svnprops"))
	assert.False(t, IsDotfile("README"))
}
