package filters

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/gitsvnbridge/store"
)

func TestClassifierCachesAcrossFetches(t *testing.T) {
	db, err := OpenClassifierStore(filepath.Join(t.TempDir(), "mimecache.db"))
	require.NoError(t, err)
	c, err := NewClassifier(db, "detect-mime-type")
	require.NoError(t, err)

	var id store.ObjectID
	id[0] = 7
	calls := 0
	fetch := func() ([]byte, error) {
		calls++
		return []byte("\x00\x01binary content"), nil
	}

	mime, err := c.Classify(id, fetch)
	require.NoError(t, err)
	assert.NotEmpty(t, mime)
	assert.Equal(t, 1, calls)

	mime2, err := c.Classify(id, fetch)
	require.NoError(t, err)
	assert.Equal(t, mime, mime2)
	assert.Equal(t, 1, calls, "second lookup must hit the cache, not fetchHead again")
}

func TestClassifierPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mimecache.db")
	db, err := OpenClassifierStore(dbPath)
	require.NoError(t, err)
	c, err := NewClassifier(db, "detect-mime-type")
	require.NoError(t, err)

	var id store.ObjectID
	id[0] = 3
	mime, err := c.Classify(id, func() ([]byte, error) { return []byte("plain text"), nil })
	require.NoError(t, err)
	assert.Empty(t, mime, "plain text classifies as empty svn:mime-type")
	require.NoError(t, db.Close())

	db2, err := OpenClassifierStore(dbPath)
	require.NoError(t, err)
	c2, err := NewClassifier(db2, "detect-mime-type")
	require.NoError(t, err)
	calls := 0
	mime2, err := c2.Classify(id, func() ([]byte, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, mime, mime2)
	assert.Equal(t, 0, calls, "classification should have been loaded from disk, not recomputed")
}

func TestClassifierKeyedByFilterName(t *testing.T) {
	db, err := OpenClassifierStore(filepath.Join(t.TempDir(), "mimecache.db"))
	require.NoError(t, err)
	db1, err := NewClassifier(db, "filter-a")
	require.NoError(t, err)
	db2, err := NewClassifier(db, "filter-b")
	require.NoError(t, err)

	var id store.ObjectID
	id[0] = 9
	_, err = db1.Classify(id, func() ([]byte, error) { return []byte("x"), nil })
	require.NoError(t, err)

	calls := 0
	_, err = db2.Classify(id, func() ([]byte, error) {
		calls++
		return []byte("x"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a different filter name must not share the other's cache entry")
}
