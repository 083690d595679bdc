package repo

import (
	"bytes"
	"testing"

	"github.com/rcowham/gitsvnbridge/store"
	"github.com/stretchr/testify/require"
)

// testRepo bundles a GitStore with the commit-building helpers the repo
// package's tests share: each call to addCommit writes one commit onto
// "main" whose tree is built from a flat path->content map, with the
// previous tip (if any) as sole parent.
type testRepo struct {
	t     *testing.T
	store *store.GitStore
	tip   store.ObjectID
}

func newTestRepo(t *testing.T) *testRepo {
	s, err := store.OpenGitStore(t.TempDir())
	require.NoError(t, err)
	return &testRepo{t: t, store: s}
}

// addCommit writes files (path -> content) as a full tree replacing
// whatever was there before, and commits it onto main.
func (r *testRepo) addCommit(files map[string]string, message string) store.ObjectID {
	t := r.t
	ins := r.store.Inserter()

	type dirNode struct {
		files map[string]store.ObjectID
		dirs  map[string]*dirNode
	}
	root := &dirNode{files: map[string]store.ObjectID{}, dirs: map[string]*dirNode{}}

	for path, content := range files {
		blobID, err := ins.WriteBlob(bytes.NewReader([]byte(content)), int64(len(content)))
		require.NoError(t, err)
		parts := splitPath(path)
		cur := root
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur.dirs[part]
			if !ok {
				next = &dirNode{files: map[string]store.ObjectID{}, dirs: map[string]*dirNode{}}
				cur.dirs[part] = next
			}
			cur = next
		}
		cur.files[parts[len(parts)-1]] = blobID
	}

	var writeTree func(n *dirNode) store.ObjectID
	writeTree = func(n *dirNode) store.ObjectID {
		tree := &store.Tree{}
		for name, id := range n.files {
			tree.Entries = append(tree.Entries, store.TreeEntry{Name: name, Mode: store.ModeFile, ID: id})
		}
		for name, sub := range n.dirs {
			id := writeTree(sub)
			tree.Entries = append(tree.Entries, store.TreeEntry{Name: name, Mode: store.ModeDir, ID: id})
		}
		id, err := ins.WriteTree(tree)
		require.NoError(t, err)
		return id
	}
	treeID := writeTree(root)

	sig := store.Signature{Name: "tester", Email: "tester@example.com", When: 1000}
	var parents []store.ObjectID
	if !r.tip.IsZero() {
		parents = []store.ObjectID{r.tip}
	}
	commitID, err := ins.WriteCommit(&store.Commit{Parents: parents, Tree: treeID, Author: sig, Committer: sig, Message: message})
	require.NoError(t, err)

	ok, err := ins.CompareAndSetRef("main", r.tip, commitID)
	require.NoError(t, err)
	require.True(t, ok)
	r.tip = commitID
	return commitID
}

func (r *testRepo) branch(t *testing.T) *Branch {
	b, err := NewBranch(r.store, "main", "", false)
	require.NoError(t, err)
	return b
}
