package store

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// revMapSchemaVersion is embedded in the bucket name so a future on-disk
// layout change can coexist with data written by an older server
// (mirrors locks.Registry).
const revMapSchemaVersion = "v1"

// OpenRevMapStore opens (creating if absent) the bbolt database backing
// every branch's persisted revision-number<->commit-id table for one
// repository. One database holds a bucket per branch; callers share a
// single *bolt.DB across the branches of a repository and pass it to
// NewRevMap.
func OpenRevMapStore(dbPath string) (*bolt.DB, error) {
	return bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
}

// RevMap is the durable revision-number<->commit-id table for one branch
// of one repository. repo.Branch consults it on reload to
// avoid re-walking history already known to be on the branch, and
// extends it at the tip as new revisions are synthesised.
type RevMap struct {
	db     *bolt.DB
	bucket []byte

	mu    sync.RWMutex
	byRev map[int]ObjectID
	byID  map[ObjectID]int
}

// NewRevMap loads (or creates) the bucket for repo/branch within an
// already-open revmap database.
func NewRevMap(db *bolt.DB, repo, branch string) (*RevMap, error) {
	bucket := []byte(fmt.Sprintf("revmap.%s.%s.%s", repo, branch, revMapSchemaVersion))
	m := &RevMap{db: db, bucket: bucket, byRev: map[int]ObjectID{}, byID: map[ObjectID]int{}}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			rev, err := strconv.Atoi(string(k))
			if err != nil {
				return err
			}
			id, err := ParseObjectID(string(v))
			if err != nil {
				return err
			}
			m.byRev[rev] = id
			m.byID[id] = rev
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Len reports how many revisions are persisted.
func (m *RevMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRev)
}

// At returns the commit id persisted for revision rev.
func (m *RevMap) At(rev int) (ObjectID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRev[rev]
	return id, ok
}

// RevisionOf returns the revision persisted for commit id, if any.
func (m *RevMap) RevisionOf(id ObjectID) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rev, ok := m.byID[id]
	return rev, ok
}

// Extend persists ids as consecutive revisions starting at fromRev.
// Already-recorded revisions are left untouched, so calling Extend with
// an overlapping range (e.g. after a concurrent reload elsewhere) never
// corrupts an existing entry.
func (m *RevMap) Extend(fromRev int, ids []ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(m.bucket)
		for i, id := range ids {
			rev := fromRev + i
			if _, exists := m.byRev[rev]; exists {
				continue
			}
			if err := b.Put([]byte(strconv.Itoa(rev)), []byte(id.String())); err != nil {
				return err
			}
			m.byRev[rev] = id
			m.byID[id] = rev
		}
		return nil
	})
}
