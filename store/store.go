// Package store is the object store adapter: abstract, thread-safe access
// to commits, trees, blobs and refs in a content-addressed backing store.
// The concrete implementation wraps go-git's plumbing layer, so an
// ObjectID is exactly a git SHA-1 (plumbing.Hash, 20 bytes) even though
// nothing upstream of this package need know that.
package store

import (
	"encoding/hex"
	"errors"
	"io"
)

// ObjectID is an opaque 20-byte digest identifying a commit, tree, or
// blob. The zero value names no object.
type ObjectID [20]byte

func (id ObjectID) String() string { return hex.EncodeToString(id[:]) }

func (id ObjectID) IsZero() bool { return id == ObjectID{} }

// ParseObjectID decodes a 40-character hex digest.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return ObjectID{}, errors.New("store: malformed object id")
	}
	copy(id[:], b)
	return id, nil
}

// Mode is a tree entry's file mode, collapsed to the handful of variants
// the wire protocol and the commit editor care about.
type Mode int

const (
	ModeFile Mode = iota
	ModeExecutable
	ModeSymlink
	ModeDir
	ModeSubmodule // nested-repository link; surfaced but never descended into
)

// TreeEntry is one child of a Tree: a name (raw bytes, never interpreted
// as UTF-8 for comparison purposes), a mode, and the id of the object it
// names.
type TreeEntry struct {
	Name string
	Mode Mode
	ID   ObjectID
}

// Tree is a directory listing: an ordered list of entries, as stored.
// Lookups by path are O(n) per level; callers that need repeated lookups
// should build their own index.
type Tree struct {
	ID      ObjectID
	Entries []TreeEntry
}

func (t *Tree) Find(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Signature is an author/committer identity plus timestamp, as recorded
// on a Commit.
type Signature struct {
	Name  string
	Email string
	When  int64 // unix seconds
}

// Commit is a content-addressed commit object. Only Parents[0] (if any)
// participates in first-parent history synthesis; merge parents beyond
// that are recorded but otherwise ignored.
type Commit struct {
	ID        ObjectID
	Parents   []ObjectID
	Tree      ObjectID
	Author    Signature
	Committer Signature
	Message   string
}

func (c *Commit) FirstParent() (ObjectID, bool) {
	if len(c.Parents) == 0 {
		return ObjectID{}, false
	}
	return c.Parents[0], true
}

// ErrNotFound is returned by Store lookups for an id with no backing
// object.
var ErrNotFound = errors.New("store: object not found")

// Store is the read side of the object store adapter. Implementations
// must be safe for concurrent use by multiple sessions; the backing data
// is treated as an immutable snapshot between refs updates.
type Store interface {
	Commit(id ObjectID) (*Commit, error)
	Tree(id ObjectID) (*Tree, error)
	Blob(id ObjectID) (io.ReadCloser, int64, error)
	// Ref resolves a branch name to the commit id at its tip, or
	// ErrNotFound if the branch does not exist.
	Ref(branch string) (ObjectID, error)
	// Inserter returns a fresh Inserter bound to this store.
	Inserter() Inserter
}

// Inserter is the write side: it accumulates new blobs and trees, then
// finalises a commit and attempts a compare-and-set ref update. One
// Inserter instance backs exactly one commit editor transaction.
type Inserter interface {
	WriteBlob(r io.Reader, size int64) (ObjectID, error)
	WriteTree(t *Tree) (ObjectID, error)
	WriteCommit(c *Commit) (ObjectID, error)
	// CompareAndSetRef sets branch to newTip iff it currently points at
	// oldTip; returns false (no error) on a losing race, letting the
	// caller surface ErrFSConflict.
	CompareAndSetRef(branch string, oldTip, newTip ObjectID) (bool, error)
}
