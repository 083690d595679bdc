package reporter

import (
	"bytes"
	"testing"

	"github.com/rcowham/gitsvnbridge/repo"
	"github.com/rcowham/gitsvnbridge/store"
	"github.com/rcowham/gitsvnbridge/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commitFiles writes one commit containing files (flat path -> content)
// onto "main", with parent (the zero ObjectID for the first commit).
func commitFiles(t *testing.T, s *store.GitStore, parent store.ObjectID, files map[string]string) store.ObjectID {
	t.Helper()
	ins := s.Inserter()
	tree := &store.Tree{}
	for name, content := range files {
		id, err := ins.WriteBlob(bytes.NewReader([]byte(content)), int64(len(content)))
		require.NoError(t, err)
		tree.Entries = append(tree.Entries, store.TreeEntry{Name: name, Mode: store.ModeFile, ID: id})
	}
	treeID, err := ins.WriteTree(tree)
	require.NoError(t, err)
	sig := store.Signature{Name: "tester", Email: "tester@example.com", When: 1000}
	var parents []store.ObjectID
	if !parent.IsZero() {
		parents = []store.ObjectID{parent}
	}
	commitID, err := ins.WriteCommit(&store.Commit{Parents: parents, Tree: treeID, Author: sig, Committer: sig, Message: "commit"})
	require.NoError(t, err)
	ok, err := ins.CompareAndSetRef("main", parent, commitID)
	require.NoError(t, err)
	require.True(t, ok)
	return commitID
}

func TestEngineDriveFromEmptyRepoAddsFile(t *testing.T) {
	s, err := store.OpenGitStore(t.TempDir())
	require.NoError(t, err)
	commitFiles(t, s, store.ObjectID{}, map[string]string{"README": "hello\n"})

	b, err := repo.NewBranch(s, "main", "", false)
	require.NoError(t, err)
	h := repo.NewHistory(s)
	pipeline := store.NewPipeline(s)

	oldView := repo.NewView(b, 0, pipeline, h, nil, "tester")
	newView := repo.NewView(b, 1, pipeline, h, nil, "tester")

	var buf bytes.Buffer
	ew := NewEditorWriter(wire.NewWriter(&buf))
	eng := &Engine{Branch: b, History: h, Text: NewTextDelta(), SendText: true, ReqDepth: DepthInfinity}

	require.NoError(t, eng.Drive(ew, 0, oldView, newView, Report{Depth: DepthInfinity}))

	r := wire.NewReader(&buf)
	name, items := readCmd(t, r)
	assert.Equal(t, "open-root", name)
	require.Len(t, items, 2)
	assert.Equal(t, int64(0), items[0].Number)
	rootTok := items[1].Word

	name, items = readCmd(t, r)
	assert.Equal(t, "add-file", name)
	assert.Equal(t, "README", string(items[0].Bytes))
	assert.Equal(t, rootTok, items[1].Word)

	name, items = readCmd(t, r)
	assert.Equal(t, "change-file-prop", name)
	assert.Equal(t, "svn:entry:committed-rev", string(items[1].Bytes))
	assert.Equal(t, "1", string(items[2].Bytes))

	name, _ = readCmd(t, r)
	assert.Equal(t, "apply-textdelta", name)
	for {
		n, _ := readCmd(t, r)
		if n == "textdelta-end" {
			break
		}
		assert.Equal(t, "textdelta-chunk", n)
	}

	name, _ = readCmd(t, r)
	assert.Equal(t, "close-file", name)

	name, _ = readCmd(t, r)
	assert.Equal(t, "close-dir", name)

	name, _ = readCmd(t, r)
	assert.Equal(t, "close-edit", name)
}

func TestEngineDriveSkipsUnchangedSubtree(t *testing.T) {
	s, err := store.OpenGitStore(t.TempDir())
	require.NoError(t, err)
	c1 := commitFiles(t, s, store.ObjectID{}, map[string]string{"a": "1", "b": "2"})
	commitFiles(t, s, c1, map[string]string{"a": "1-changed", "b": "2"})

	b, err := repo.NewBranch(s, "main", "", false)
	require.NoError(t, err)
	h := repo.NewHistory(s)
	pipeline := store.NewPipeline(s)

	oldView := repo.NewView(b, 1, pipeline, h, nil, "tester")
	newView := repo.NewView(b, 2, pipeline, h, nil, "tester")

	var buf bytes.Buffer
	ew := NewEditorWriter(wire.NewWriter(&buf))
	eng := &Engine{Branch: b, History: h, Text: NewTextDelta(), SendText: false, ReqDepth: DepthInfinity}

	report := Report{Depth: DepthInfinity, TargetRev: 1}
	require.NoError(t, eng.Drive(ew, 1, oldView, newView, report))

	r := wire.NewReader(&buf)
	name, items := readCmd(t, r)
	assert.Equal(t, "open-root", name)
	assert.Equal(t, int64(1), items[0].Number)

	name, items = readCmd(t, r)
	assert.Equal(t, "open-file", name)
	assert.Equal(t, "a", string(items[0].Bytes))

	name, items = readCmd(t, r)
	assert.Equal(t, "change-file-prop", name)
	assert.Equal(t, "svn:entry:committed-rev", string(items[1].Bytes))

	name, _ = readCmd(t, r)
	assert.Equal(t, "close-file", name)

	// "b" is unchanged between revisions 1 and 2 and must not appear at all.
	name, _ = readCmd(t, r)
	assert.Equal(t, "close-dir", name)

	name, _ = readCmd(t, r)
	assert.Equal(t, "close-edit", name)
}

func TestEngineDriveStartEmptyResendsEverything(t *testing.T) {
	s, err := store.OpenGitStore(t.TempDir())
	require.NoError(t, err)
	commitFiles(t, s, store.ObjectID{}, map[string]string{"a": "1"})

	b, err := repo.NewBranch(s, "main", "", false)
	require.NoError(t, err)
	h := repo.NewHistory(s)
	pipeline := store.NewPipeline(s)

	// Client claims revision 1 but start-empty: it has the root entry and
	// none of its children, so even an up-to-date update resends "a".
	oldView := repo.NewView(b, 1, pipeline, h, nil, "tester")
	newView := repo.NewView(b, 1, pipeline, h, nil, "tester")

	var buf bytes.Buffer
	ew := NewEditorWriter(wire.NewWriter(&buf))
	eng := &Engine{Branch: b, History: h, Text: NewTextDelta(), SendText: false, ReqDepth: DepthInfinity}

	report := Report{Depth: DepthInfinity, TargetRev: 1, Paths: []PathEntry{
		{Path: "", Revision: 1, StartEmpty: true, Depth: DepthInfinity},
	}}
	require.NoError(t, eng.Drive(ew, 1, oldView, newView, report))

	r := wire.NewReader(&buf)
	name, _ := readCmd(t, r)
	assert.Equal(t, "open-root", name)
	name, items := readCmd(t, r)
	assert.Equal(t, "add-file", name)
	assert.Equal(t, "a", string(items[0].Bytes))
}

func TestEngineDriveAccurateReportIsQuiet(t *testing.T) {
	s, err := store.OpenGitStore(t.TempDir())
	require.NoError(t, err)
	commitFiles(t, s, store.ObjectID{}, map[string]string{"a": "1"})

	b, err := repo.NewBranch(s, "main", "", false)
	require.NoError(t, err)
	h := repo.NewHistory(s)
	pipeline := store.NewPipeline(s)

	oldView := repo.NewView(b, 1, pipeline, h, nil, "tester")
	newView := repo.NewView(b, 1, pipeline, h, nil, "tester")

	var buf bytes.Buffer
	ew := NewEditorWriter(wire.NewWriter(&buf))
	eng := &Engine{Branch: b, History: h, Text: NewTextDelta(), SendText: true, ReqDepth: DepthInfinity}

	report := Report{Depth: DepthInfinity, TargetRev: 1, Paths: []PathEntry{
		{Path: "", Revision: 1, Depth: DepthInfinity},
	}}
	require.NoError(t, eng.Drive(ew, 1, oldView, newView, report))

	r := wire.NewReader(&buf)
	name, _ := readCmd(t, r)
	assert.Equal(t, "open-root", name)
	name, _ = readCmd(t, r)
	assert.Equal(t, "close-dir", name)
	name, _ = readCmd(t, r)
	assert.Equal(t, "close-edit", name)
}
