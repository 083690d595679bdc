package store

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIDRoundTrip(t *testing.T) {
	var id ObjectID
	for i := range id {
		id[i] = byte(i)
	}
	parsed, err := ParseObjectID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.False(t, id.IsZero())
	assert.True(t, ObjectID{}.IsZero())
}

func TestParseObjectIDRejectsMalformed(t *testing.T) {
	_, err := ParseObjectID("not-hex")
	assert.Error(t, err)
	_, err = ParseObjectID("abcd")
	assert.Error(t, err)
}

func TestTreeFind(t *testing.T) {
	tr := &Tree{Entries: []TreeEntry{{Name: "a", Mode: ModeFile}, {Name: "b", Mode: ModeDir}}}
	e, ok := tr.Find("b")
	require.True(t, ok)
	assert.Equal(t, ModeDir, e.Mode)
	_, ok = tr.Find("missing")
	assert.False(t, ok)
}

func TestCommitFirstParent(t *testing.T) {
	c := &Commit{}
	_, ok := c.FirstParent()
	assert.False(t, ok)

	var p ObjectID
	p[0] = 1
	c.Parents = []ObjectID{p}
	got, ok := c.FirstParent()
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestGitStoreBlobTreeCommitRoundTrip(t *testing.T) {
	s, err := OpenGitStore(t.TempDir())
	require.NoError(t, err)

	ins := s.Inserter()
	blobID, err := ins.WriteBlob(bytes.NewReader([]byte("hello\n")), 6)
	require.NoError(t, err)

	tree := &Tree{Entries: []TreeEntry{{Name: "README", Mode: ModeFile, ID: blobID}}}
	treeID, err := ins.WriteTree(tree)
	require.NoError(t, err)

	sig := Signature{Name: "alice", Email: "alice@example.com", When: 1000}
	commit := &Commit{Tree: treeID, Author: sig, Committer: sig, Message: "initial"}
	commitID, err := ins.WriteCommit(commit)
	require.NoError(t, err)

	ok, err := ins.CompareAndSetRef("main", ObjectID{}, commitID)
	require.NoError(t, err)
	assert.True(t, ok)

	gotRef, err := s.Ref("main")
	require.NoError(t, err)
	assert.Equal(t, commitID, gotRef)

	gotCommit, err := s.Commit(commitID)
	require.NoError(t, err)
	assert.Equal(t, "initial", gotCommit.Message)
	assert.Equal(t, treeID, gotCommit.Tree)
	_, ok = gotCommit.FirstParent()
	assert.False(t, ok)

	gotTree, err := s.Tree(treeID)
	require.NoError(t, err)
	require.Len(t, gotTree.Entries, 1)
	assert.Equal(t, "README", gotTree.Entries[0].Name)

	rc, size, err := s.Blob(blobID)
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
	assert.Equal(t, int64(6), size)
}

func TestGitStoreCompareAndSetRefLosingRace(t *testing.T) {
	s, err := OpenGitStore(t.TempDir())
	require.NoError(t, err)
	ins := s.Inserter()

	blobID, err := ins.WriteBlob(bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)
	tree := &Tree{Entries: []TreeEntry{{Name: "f", Mode: ModeFile, ID: blobID}}}
	treeID, err := ins.WriteTree(tree)
	require.NoError(t, err)
	sig := Signature{Name: "bob"}
	c1ID, err := ins.WriteCommit(&Commit{Tree: treeID, Author: sig, Committer: sig, Message: "one"})
	require.NoError(t, err)

	ok, err := ins.CompareAndSetRef("main", ObjectID{}, c1ID)
	require.NoError(t, err)
	require.True(t, ok)

	// A second attempt against the stale (zero) old tip should lose the
	// race now that main already points at c1ID.
	c2ID, err := ins.WriteCommit(&Commit{Tree: treeID, Author: sig, Committer: sig, Message: "two"})
	require.NoError(t, err)
	ok, err = ins.CompareAndSetRef("main", ObjectID{}, c2ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGitStoreRefNotFound(t *testing.T) {
	s, err := OpenGitStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Ref("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestModeRoundTripThroughGit(t *testing.T) {
	s, err := OpenGitStore(t.TempDir())
	require.NoError(t, err)
	ins := s.Inserter()

	blobID, err := ins.WriteBlob(bytes.NewReader([]byte("#!/bin/sh\n")), 10)
	require.NoError(t, err)
	tree := &Tree{Entries: []TreeEntry{
		{Name: "run.sh", Mode: ModeExecutable, ID: blobID},
		{Name: "link", Mode: ModeSymlink, ID: blobID},
	}}
	treeID, err := ins.WriteTree(tree)
	require.NoError(t, err)

	got, err := s.Tree(treeID)
	require.NoError(t, err)
	byName := map[string]TreeEntry{}
	for _, e := range got.Entries {
		byName[e.Name] = e
	}
	assert.Equal(t, ModeExecutable, byName["run.sh"].Mode)
	assert.Equal(t, ModeSymlink, byName["link"].Mode)
}
