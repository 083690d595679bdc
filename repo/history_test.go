package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryLastChangeTracksAddAndModify(t *testing.T) {
	r := newTestRepo(t)
	r.addCommit(map[string]string{"a": "1"}, "add a")                 // rev 1
	r.addCommit(map[string]string{"a": "1", "b": "2"}, "add b")       // rev 2
	r.addCommit(map[string]string{"a": "1-changed", "b": "2"}, "mod") // rev 3

	b := r.branch(t)
	h := NewHistory(r.store)

	rev, err := h.LastChange(b, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, Revision(3), rev)

	rev, err = h.LastChange(b, "b", 3)
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev)

	rev, err = h.LastChange(b, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev)

	rev, err = h.LastChange(b, "nonexistent", 3)
	require.NoError(t, err)
	assert.Equal(t, Revision(-1), rev)
}

func TestHistoryLastChangeIsMonotoneAfterDeletion(t *testing.T) {
	r := newTestRepo(t)
	r.addCommit(map[string]string{"a": "1"}, "add")      // rev 1
	r.addCommit(map[string]string{}, "delete a")          // rev 2: a removed

	b := r.branch(t)
	h := NewHistory(r.store)

	rev, err := h.LastChange(b, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev)
}

func TestHistoryDetectCopyFromDisabledByDefault(t *testing.T) {
	r := newTestRepo(t)
	r.addCommit(map[string]string{"a": "same content"}, "add a")
	r.addCommit(map[string]string{"b": "same content"}, "rename to b")

	b := r.branch(t)
	h := NewHistory(r.store)

	_, ok := h.DetectCopyFrom(b, "b", 2)
	assert.False(t, ok, "rename detection is off for this branch")
}

func TestHistoryDetectCopyFromFindsRename(t *testing.T) {
	r := newTestRepo(t)
	r.addCommit(map[string]string{"a": "same content"}, "add a")
	r.addCommit(map[string]string{"b": "same content"}, "rename to b")

	b, err := NewBranch(r.store, "main", "", true)
	require.NoError(t, err)
	h := NewHistory(r.store)

	cf, ok := h.DetectCopyFrom(b, "b", 2)
	require.True(t, ok)
	assert.Equal(t, "a", cf.SourcePath)
	assert.Equal(t, Revision(1), cf.SourceRevision)
}

func TestHistoryDetectCopyFromAmbiguousIsRejected(t *testing.T) {
	r := newTestRepo(t)
	r.addCommit(map[string]string{"a": "same", "c": "same"}, "add a and c")
	r.addCommit(map[string]string{"b": "same"}, "a and c both vanish, b appears")

	b, err := NewBranch(r.store, "main", "", true)
	require.NoError(t, err)
	h := NewHistory(r.store)

	_, ok := h.DetectCopyFrom(b, "b", 2)
	assert.False(t, ok, "two equally-good candidates should not resolve")
}

func TestHistoryDetectCopyFromFallsBackToSizeAndPrefixWhenContentChanged(t *testing.T) {
	r := newTestRepo(t)
	// readme.txt renamed to readme-notes.txt with an edit in the same
	// commit: content identity alone can't find this, but size and
	// name-prefix similarity should.
	r.addCommit(map[string]string{"readme.txt": "hello world, this is the readme"}, "add readme")
	r.addCommit(map[string]string{"readme-notes.txt": "hello world, this is the readme, edited"}, "rename and edit")

	b, err := NewBranch(r.store, "main", "", true)
	require.NoError(t, err)
	h := NewHistory(r.store)

	cf, ok := h.DetectCopyFrom(b, "readme-notes.txt", 2)
	require.True(t, ok, "expected the size+prefix fallback to find the renamed source")
	assert.Equal(t, "readme.txt", cf.SourcePath)
	assert.Equal(t, Revision(1), cf.SourceRevision)
}

func TestHistoryDetectCopyFromRejectsUnrelatedCandidates(t *testing.T) {
	r := newTestRepo(t)
	r.addCommit(map[string]string{"a.txt": "x", "unrelated-big-file.bin": "y y y y y y y y y y y y y y y y y y y y"}, "add")
	r.addCommit(map[string]string{"b.txt": "completely different new content here"}, "a and unrelated both vanish, b appears")

	b, err := NewBranch(r.store, "main", "", true)
	require.NoError(t, err)
	h := NewHistory(r.store)

	_, ok := h.DetectCopyFrom(b, "b.txt", 2)
	assert.False(t, ok, "neither vanished candidate resembles the new file closely enough")
}

func TestHistoryLocationSegmentsFollowsRename(t *testing.T) {
	r := newTestRepo(t)
	r.addCommit(map[string]string{"a": "same content"}, "add a")    // rev 1
	r.addCommit(map[string]string{"b": "same content"}, "rename")   // rev 2

	b, err := NewBranch(r.store, "main", "", true)
	require.NoError(t, err)
	h := NewHistory(r.store)

	segs, err := h.LocationSegments(b, "b", 2, 1)
	require.NoError(t, err)
	require.NotEmpty(t, segs)

	var foundA bool
	for _, s := range segs {
		if s.Path == "a" {
			foundA = true
		}
	}
	assert.True(t, foundA, "expected a pre-rename segment naming path 'a'")
}
