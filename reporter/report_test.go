package reporter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAncestor(t *testing.T) {
	assert.True(t, isAncestor("", "anything"))
	assert.True(t, isAncestor("dir", "dir/file"))
	assert.True(t, isAncestor("dir", "dir/sub/file"))
	assert.False(t, isAncestor("dir", "dir"))
	assert.False(t, isAncestor("dir", "dirx/file"))
	assert.False(t, isAncestor("dir/sub", "dir/file"))
}

func TestReportWorkingDepthAtPrefersMostSpecificEntry(t *testing.T) {
	r := Report{
		Depth: DepthInfinity,
		Paths: []PathEntry{
			{Path: "", Depth: DepthImmediates},
			{Path: "dir", Depth: DepthEmpty},
			{Path: "dir/sub", Depth: DepthFiles},
		},
	}

	assert.Equal(t, DepthFiles, r.WorkingDepthAt("dir/sub/leaf"))
	assert.Equal(t, DepthEmpty, r.WorkingDepthAt("dir/other"))
	assert.Equal(t, DepthImmediates, r.WorkingDepthAt("unrelated"))
}

func TestReportWorkingDepthAtIgnoresDeletedEntries(t *testing.T) {
	r := Report{
		Depth: DepthInfinity,
		Paths: []PathEntry{
			{Path: "dir", Depth: DepthEmpty, Deleted: true},
		},
	}
	assert.Equal(t, DepthInfinity, r.WorkingDepthAt("dir/file"))
}

func TestReportRevisionAtPrefersMostSpecificEntry(t *testing.T) {
	r := Report{
		TargetRev: 10,
		Paths: []PathEntry{
			{Path: "dir", Revision: 5},
			{Path: "dir/sub", Revision: 7},
		},
	}
	assert.Equal(t, int64(7), r.RevisionAt("dir/sub/leaf"))
	assert.Equal(t, int64(5), r.RevisionAt("dir/other"))
	assert.Equal(t, int64(10), r.RevisionAt("unrelated"))
}

func TestPathEntryFromRecordDefaults(t *testing.T) {
	pe := pathEntryFromRecord(map[string]interface{}{
		"path":        "trunk",
		"rev":         int64(42),
		"start-empty": false,
	})
	assert.Equal(t, "trunk", pe.Path)
	assert.Equal(t, int64(42), pe.Revision)
	assert.False(t, pe.StartEmpty)
	assert.Equal(t, DepthInfinity, pe.Depth, "depth defaults to infinity when omitted")
	assert.Empty(t, pe.LockToken)
}

func TestPathEntryFromRecordWithOptionalFields(t *testing.T) {
	pe := pathEntryFromRecord(map[string]interface{}{
		"path":        "trunk",
		"rev":         int64(42),
		"start-empty": true,
		"lock-token":  "opaquelocktoken:abc",
		"depth":       "files",
	})
	assert.True(t, pe.StartEmpty)
	assert.Equal(t, "opaquelocktoken:abc", pe.LockToken)
	assert.Equal(t, DepthFiles, pe.Depth)
}
