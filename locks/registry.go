// Package locks implements the persistent per-repository path-lock
// table. Tokens are random version-4 UUIDs (google/uuid, 122 random
// bits), and the durable copy lives in a bbolt bucket keyed by
// repository so the table survives server restarts.
package locks

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// schemaVersion is embedded in the bucket name so a future on-disk
// layout change can coexist with data written by an older server.
const schemaVersion = "v1"

// Descriptor is one path lock.
type Descriptor struct {
	Path      string `json:"path"`
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Comment   string `json:"comment,omitempty"`
	Created   int64  `json:"created"`
	Branch    string `json:"branch"`
}

var (
	ErrAlreadyLocked  = fmt.Errorf("locks: path already locked")
	ErrNoSuchLock     = fmt.Errorf("locks: no such lock")
	ErrTokenMismatch  = fmt.Errorf("locks: lock token does not match")
)

// Registry guards one repository's lock table behind a single RW
// mutex: reads take the read lock, writes take the write
// lock and additionally fsync a durable snapshot via bbolt before
// releasing it.
type Registry struct {
	db     *bolt.DB
	bucket []byte

	mu    sync.RWMutex
	table map[string]Descriptor // path -> descriptor, mirrors the bbolt bucket in memory for fast reads
}

// Open opens (creating if absent) the bbolt database at dbPath and loads
// repo's lock table into memory.
func Open(dbPath, repo string) (*Registry, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	bucket := []byte(fmt.Sprintf("locks.%s.%s", repo, schemaVersion))
	r := &Registry{db: db, bucket: bucket, table: map[string]Descriptor{}}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var d Descriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			r.table[string(k)] = d
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Lock is atomic across targets: either every target locks or none
// do. steal replaces any existing lock on a target rather than
// failing.
func (r *Registry) Lock(user string, targets []string, comment string, steal bool, branch string, now int64) ([]Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !steal {
		for _, t := range targets {
			if _, exists := r.table[t]; exists {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, t)
			}
		}
	}

	var created []Descriptor
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket)
		for _, t := range targets {
			d := Descriptor{
				Path:    t,
				Token:   uuid.NewString(),
				Owner:   user,
				Comment: comment,
				Created: now,
				Branch:  branch,
			}
			buf, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(t), buf); err != nil {
				return err
			}
			created = append(created, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range created {
		r.table[d.Path] = d
	}
	return created, nil
}

// Unlock removes the lock on path. Without break, token must match the
// active lock's token; break is the admin override.
func (r *Registry) Unlock(path, token string, breakLock bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.table[path]
	if !ok {
		return ErrNoSuchLock
	}
	if !breakLock && d.Token != token {
		return ErrTokenMismatch
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).Delete([]byte(path))
	}); err != nil {
		return err
	}
	delete(r.table, path)
	return nil
}

// GetLock returns the active lock on path, if any.
func (r *Registry) GetLock(path string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.table[path]
	return d, ok
}

// GetLocks returns every lock whose path starts with prefix, in no
// particular order.
func (r *Registry) GetLocks(prefix string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for path, d := range r.table {
		if hasPathPrefix(path, prefix) {
			out = append(out, d)
		}
	}
	return out
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// CheckOwnership verifies every path in paths that carries an active
// lock is both presented (in presentedTokens) and owned by user,
// returning the first violation. Used by the commit editor to enforce
// locks on write.
func (r *Registry) CheckOwnership(user string, paths []string, presentedTokens map[string]string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range paths {
		d, locked := r.table[p]
		if !locked {
			continue
		}
		tok, presented := presentedTokens[p]
		if !presented || tok != d.Token {
			return fmt.Errorf("locks: path %q is locked and no matching token was presented", p)
		}
		if d.Owner != user {
			return fmt.Errorf("locks: path %q is locked by %q, not %q", p, d.Owner, user)
		}
	}
	return nil
}
