// Package repo synthesises the linear revision space a client sees onto
// the underlying commit DAG: branch history, per-revision directory
// views, and path history across renames.
package repo

import (
	"fmt"
	"io"
	"sync"

	"github.com/rcowham/gitsvnbridge/store"
)

// Revision is the 1-based position of a commit in a branch's
// first-parent chain, counting from the root. Revision 0 names the
// well-defined empty tree.
type Revision int

// Branch synthesises a numbered revision sequence from a branch's
// first-parent chain. The mapping is stable for the server's lifetime:
// new commits only ever extend the list at the tip.
type Branch struct {
	Name            string
	RootPath        string // the path within the repo this branch is rooted at, "" for repo root
	RenameDetection bool

	store  store.Store
	revmap *store.RevMap // optional persisted revision<->commit cache

	mu      sync.RWMutex
	commits []store.ObjectID // index i -> revision i+1's commit; commits[-1] conceptually revision 0 (empty tree)

	// WriteLock serialises the commit editor's apply-flush cycle for
	// this branch; it is exported so the editor
	// package can hold it across its whole transaction.
	WriteLock sync.Mutex
}

// NewBranch walks tip's first-parent chain fully into memory.
// Histories large enough to make this hurt would need pagination.
func NewBranch(s store.Store, name, rootPath string, renameDetection bool) (*Branch, error) {
	b := &Branch{Name: name, RootPath: rootPath, RenameDetection: renameDetection, store: s}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// reload walks tip's first-parent chain back to the root, stopping
// early the moment it reaches a commit the persisted revmap (if any)
// already knows the revision of: since new commits only ever extend a
// branch at the tip, everything below a known
// commit is unchanged and can be taken from the durable table instead of
// re-walked. With no revmap attached this degrades to the full walk.
func (b *Branch) reload() error {
	tip, err := b.store.Ref(b.Name)
	if err != nil {
		if err == store.ErrNotFound {
			b.mu.Lock()
			b.commits = nil
			b.mu.Unlock()
			return nil
		}
		return err
	}

	var tail []store.ObjectID // tip..just-above-the-known-prefix
	knownPrefix := 0
	cur := tip
	for {
		if b.revmap != nil {
			if rev, ok := b.revmap.RevisionOf(cur); ok {
				knownPrefix = rev
				break
			}
		}
		c, err := b.store.Commit(cur)
		if err != nil {
			return err
		}
		parent, ok := c.FirstParent()
		if !ok {
			// A parentless commit with an empty tree is the canonical
			// revision-0 state (an empty init commit), not a revision of
			// its own.
			root, err := b.store.Tree(c.Tree)
			if err != nil {
				return err
			}
			if len(root.Entries) > 0 {
				tail = append(tail, cur)
			}
			break
		}
		tail = append(tail, cur)
		cur = parent
	}

	chain := make([]store.ObjectID, 0, knownPrefix+len(tail))
	for i := 1; i <= knownPrefix; i++ {
		id, _ := b.revmap.At(i)
		chain = append(chain, id)
	}
	for i := len(tail) - 1; i >= 0; i-- {
		chain = append(chain, tail[i])
	}

	b.mu.Lock()
	b.commits = chain
	b.mu.Unlock()

	if b.revmap != nil {
		return b.revmap.Extend(knownPrefix+1, chain[knownPrefix:])
	}
	return nil
}

// Refresh re-reads the branch ref and rebuilds the in-memory chain via
// reload, picking up commits added to the ref since the last walk. The
// commit editor records its own new commits with Append instead.
func (b *Branch) Refresh() error { return b.reload() }

// SetRevMap attaches repo.Branch's persisted revision<->commit cache and
// immediately reloads so the branch benefits from it right away. Safe to
// call once, right after NewBranch; nil detaches any existing revmap.
func (b *Branch) SetRevMap(m *store.RevMap) error {
	b.revmap = m
	return b.reload()
}

// Latest returns the branch's highest synthesised revision number.
func (b *Branch) Latest() Revision {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Revision(len(b.commits))
}

// CommitAt returns the commit id for revision r, or ok=false if r is out
// of range (including r == 0, which names the empty tree and has no
// commit id).
func (b *Branch) CommitAt(r Revision) (store.ObjectID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r <= 0 || int(r) > len(b.commits) {
		return store.ObjectID{}, false
	}
	return b.commits[r-1], true
}

// RevisionOf returns the revision number a commit id was assigned, or
// ok=false if the commit is not (yet) on this branch's first-parent
// chain.
func (b *Branch) RevisionOf(id store.ObjectID) (Revision, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, c := range b.commits {
		if c == id {
			return Revision(i + 1), true
		}
	}
	return 0, false
}

// Append records a newly-created commit as the new tip, assuming the
// caller already performed the store-level CAS on the ref.
// It must be called while holding WriteLock.
func (b *Branch) Append(id store.ObjectID) Revision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits = append(b.commits, id)
	return Revision(len(b.commits))
}

// TreeAt resolves the tree object rooted at the branch's RootPath for
// revision r. Revision 0 returns an empty tree (no entries, zero id).
func (b *Branch) TreeAt(r Revision) (*store.Tree, error) {
	if r == 0 {
		return &store.Tree{}, nil
	}
	commitID, ok := b.CommitAt(r)
	if !ok {
		return nil, fmt.Errorf("repo: revision %d not reachable on branch %q", r, b.Name)
	}
	c, err := b.store.Commit(commitID)
	if err != nil {
		return nil, err
	}
	root, err := b.store.Tree(c.Tree)
	if err != nil {
		return nil, err
	}
	if b.RootPath == "" {
		return root, nil
	}
	return descend(b.store, root, b.RootPath)
}

// ReadBlob returns the full content of a blob id. Callers needing to
// stream large content should go through the store directly; this helper
// exists for the delta engine's textdelta encoder, which needs both
// endpoints of a diff in memory anyway.
func (b *Branch) ReadBlob(id store.ObjectID) ([]byte, error) {
	r, _, err := b.store.Blob(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func descend(s store.Store, t *store.Tree, path string) (*store.Tree, error) {
	for _, part := range splitPath(path) {
		e, ok := t.Find(part)
		if !ok || e.Mode != store.ModeDir {
			return &store.Tree{}, nil
		}
		next, err := s.Tree(e.ID)
		if err != nil {
			return nil, err
		}
		t = next
	}
	return t, nil
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
