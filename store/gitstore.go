package store

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// GitStore is the Store backed by a go-git on-disk repository: the
// native content-addressed object database history is persisted in.
type GitStore struct {
	storer storage.Storer

	// refMu serialises ref CAS across Inserters for this repository;
	// the commit editor additionally holds its own per-branch write
	// lock (repo.Branch.WriteLock), this mutex only protects the
	// low-level storer call from racing with itself.
	refMu sync.Mutex
}

// OpenGitStore opens the git object database and refs stored directly
// under dir (a bare repository, or the .git directory of a non-bare one;
// dir is not searched for a .git subdirectory), using go-git's
// filesystem storage implementation directly - this server never needs
// a worktree, only the object database and refs.
func OpenGitStore(dir string) (*GitStore, error) {
	fs := osfs.New(dir)
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	return &GitStore{storer: storer}, nil
}

func toHash(id ObjectID) plumbing.Hash { return plumbing.Hash(id) }
func fromHash(h plumbing.Hash) ObjectID { return ObjectID(h) }

func (s *GitStore) Commit(id ObjectID) (*Commit, error) {
	obj, err := object.GetCommit(s.storer, toHash(id))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c := &Commit{
		ID:      id,
		Tree:    fromHash(obj.TreeHash),
		Message: obj.Message,
		Author: Signature{
			Name: obj.Author.Name, Email: obj.Author.Email, When: obj.Author.When.Unix(),
		},
		Committer: Signature{
			Name: obj.Committer.Name, Email: obj.Committer.Email, When: obj.Committer.When.Unix(),
		},
	}
	for _, p := range obj.ParentHashes {
		c.Parents = append(c.Parents, fromHash(p))
	}
	return c, nil
}

func (s *GitStore) Tree(id ObjectID) (*Tree, error) {
	obj, err := object.GetTree(s.storer, toHash(id))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := &Tree{ID: id}
	for _, e := range obj.Entries {
		t.Entries = append(t.Entries, TreeEntry{
			Name: e.Name,
			Mode: fromFileMode(e.Mode),
			ID:   fromHash(e.Hash),
		})
	}
	return t, nil
}

func (s *GitStore) Blob(id ObjectID) (io.ReadCloser, int64, error) {
	obj, err := object.GetBlob(s.storer, toHash(id))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, 0, err
	}
	return r, obj.Size, nil
}

func (s *GitStore) Ref(branch string) (ObjectID, error) {
	ref, err := s.storer.Reference(plumbing.NewBranchReferenceName(branch))
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return ObjectID{}, ErrNotFound
		}
		return ObjectID{}, err
	}
	return fromHash(ref.Hash()), nil
}

func (s *GitStore) Inserter() Inserter {
	return &gitInserter{store: s}
}

func fromFileMode(m filemode.FileMode) Mode {
	switch m {
	case filemode.Executable:
		return ModeExecutable
	case filemode.Symlink:
		return ModeSymlink
	case filemode.Dir:
		return ModeDir
	case filemode.Submodule:
		return ModeSubmodule
	default:
		return ModeFile
	}
}

func toFileMode(m Mode) filemode.FileMode {
	switch m {
	case ModeExecutable:
		return filemode.Executable
	case ModeSymlink:
		return filemode.Symlink
	case ModeDir:
		return filemode.Dir
	case ModeSubmodule:
		return filemode.Submodule
	default:
		return filemode.Regular
	}
}

// gitInserter accumulates new objects for a single commit-editor
// transaction and performs the final ref CAS.
type gitInserter struct {
	store *GitStore
}

func (ins *gitInserter) WriteBlob(r io.Reader, size int64) (ObjectID, error) {
	obj := ins.store.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(size)
	w, err := obj.Writer()
	if err != nil {
		return ObjectID{}, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return ObjectID{}, err
	}
	if err := w.Close(); err != nil {
		return ObjectID{}, err
	}
	h, err := ins.store.storer.SetEncodedObject(obj)
	if err != nil {
		return ObjectID{}, err
	}
	return fromHash(h), nil
}

func (ins *gitInserter) WriteTree(t *Tree) (ObjectID, error) {
	// git orders tree entries by name, comparing a directory's name as if
	// it ended in "/"; go-git's tree encoder rejects any other order.
	entries := append([]TreeEntry(nil), t.Entries...)
	sortKey := func(e TreeEntry) string {
		if e.Mode == ModeDir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool { return sortKey(entries[i]) < sortKey(entries[j]) })
	tree := &object.Tree{}
	for _, e := range entries {
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Name: e.Name,
			Mode: toFileMode(e.Mode),
			Hash: toHash(e.ID),
		})
	}
	obj := ins.store.storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return ObjectID{}, err
	}
	h, err := ins.store.storer.SetEncodedObject(obj)
	if err != nil {
		return ObjectID{}, err
	}
	return fromHash(h), nil
}

func (ins *gitInserter) WriteCommit(c *Commit) (ObjectID, error) {
	commit := &object.Commit{
		TreeHash: toHash(c.Tree),
		Message:  c.Message,
	}
	for _, p := range c.Parents {
		commit.ParentHashes = append(commit.ParentHashes, toHash(p))
	}
	commit.Author = signatureToObject(c.Author)
	commit.Committer = signatureToObject(c.Committer)
	obj := ins.store.storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return ObjectID{}, err
	}
	h, err := ins.store.storer.SetEncodedObject(obj)
	if err != nil {
		return ObjectID{}, err
	}
	return fromHash(h), nil
}

func (ins *gitInserter) CompareAndSetRef(branch string, oldTip, newTip ObjectID) (bool, error) {
	ins.store.refMu.Lock()
	defer ins.store.refMu.Unlock()

	refName := plumbing.NewBranchReferenceName(branch)
	cur, err := ins.store.storer.Reference(refName)
	switch {
	case err == plumbing.ErrReferenceNotFound:
		if !oldTip.IsZero() {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		if fromHash(cur.Hash()) != oldTip {
			return false, nil
		}
	}
	newRef := plumbing.NewHashReference(refName, toHash(newTip))
	if err := ins.store.storer.SetReference(newRef); err != nil {
		return false, err
	}
	return true, nil
}

func signatureToObject(s Signature) object.Signature {
	return object.Signature{
		Name:  s.Name,
		Email: s.Email,
		When:  time.Unix(s.When, 0),
	}
}
