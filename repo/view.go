package repo

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rcowham/gitsvnbridge/store"
	"github.com/rcowham/gitsvnbridge/store/filters"
)

// mimeSniffBytes caps how much of a blob gets read for classification,
// matching filters.DetectMimeType's own 8KiB sniff window.
const mimeSniffBytes = 8192

// Kind tags what a View.Stat lookup found at a path.
type Kind int

const (
	KindAbsent Kind = iota
	KindFile
	KindDir
	KindSymlink
	KindForbidden // present on disk but access-controlled away; callers emit absent-* on this
)

// Entry is the result of resolving a path within a revision: kind,
// size, md5, last-change revision, author, date, and properties.
type Entry struct {
	Kind              Kind
	Size              int64
	MD5               string
	LastChangeRev     Revision
	Author            string
	Date              int64
	Properties        store.PropertySet
	ID                store.ObjectID // blob or tree id, zero for absent/forbidden
}

// AccessChecker decides whether user may read path at revision r. The
// default AllowAll implementation grants everything; embedding layers
// that need real authorization supply their own.
type AccessChecker interface {
	CanRead(user, path string, r Revision) bool
}

type AllowAll struct{}

func (AllowAll) CanRead(string, string, Revision) bool { return true }

// View is a lazily-materialised per-revision directory tree: the root
// tree is loaded on first use and held for the View's lifetime; nothing
// beyond that is cached here.
type View struct {
	Branch   *Branch
	Revision Revision
	Access   AccessChecker
	User     string

	pipeline   *store.Pipeline
	history    *History
	classifier *filters.Classifier

	mu       sync.Mutex
	rootTree *store.Tree
}

func NewView(b *Branch, r Revision, pipeline *store.Pipeline, history *History, access AccessChecker, user string) *View {
	if access == nil {
		access = AllowAll{}
	}
	return &View{Branch: b, Revision: r, Access: access, User: user, pipeline: pipeline, history: history}
}

// SetClassifier attaches the durable svn:mime-type classification
// cache; nil (the default) leaves files unclassified.
func (v *View) SetClassifier(c *filters.Classifier) { v.classifier = c }

func (v *View) root() (*store.Tree, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rootTree == nil {
		t, err := v.Branch.TreeAt(v.Revision)
		if err != nil {
			return nil, err
		}
		v.rootTree = t
	}
	return v.rootTree, nil
}

// Stat resolves path (relative to the branch root, "" meaning the
// branch root itself) against this view.
func (v *View) Stat(path string) (Entry, error) {
	if !v.Access.CanRead(v.User, path, v.Revision) {
		return Entry{Kind: KindForbidden}, nil
	}
	if path == "" {
		t, err := v.root()
		if err != nil {
			return Entry{}, err
		}
		props, err := v.dirProps(t)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindDir, ID: t.ID, Properties: props}, nil
	}
	parent, name, err := v.parentTree(path)
	if err != nil {
		return Entry{}, err
	}
	if parent == nil {
		return Entry{Kind: KindAbsent}, nil
	}
	e, ok := parent.Find(name)
	if !ok {
		return Entry{Kind: KindAbsent}, nil
	}
	return v.entryFrom(path, e, parent)
}

// parentTree resolves the tree containing path's final component.
func (v *View) parentTree(path string) (*store.Tree, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("repo: empty path component")
	}
	t, err := v.root()
	if err != nil {
		return nil, "", err
	}
	for _, part := range parts[:len(parts)-1] {
		e, ok := t.Find(part)
		if !ok || e.Mode != store.ModeDir {
			return nil, "", nil
		}
		t, err = v.Branch.store.Tree(e.ID)
		if err != nil {
			return nil, "", err
		}
	}
	return t, parts[len(parts)-1], nil
}

func (v *View) entryFrom(path string, e store.TreeEntry, parent *store.Tree) (Entry, error) {
	kind := KindFile
	switch e.Mode {
	case store.ModeDir:
		kind = KindDir
	case store.ModeSymlink:
		kind = KindSymlink
	}
	ent := Entry{Kind: kind, ID: e.ID}
	if v.history != nil {
		lc, err := v.history.LastChange(v.Branch, path, v.Revision)
		if err == nil {
			ent.LastChangeRev = lc
		}
	}
	if kind == KindDir {
		sub, err := v.Branch.store.Tree(e.ID)
		if err != nil {
			return Entry{}, err
		}
		ent.Properties, err = v.dirProps(sub)
		if err != nil {
			return Entry{}, err
		}
		return ent, nil
	}
	if auto, err := v.fileAutoProps(parent, e.Name); err != nil {
		return Entry{}, err
	} else if len(auto) > 0 {
		ent.Properties = store.PropertySet{}
		for k, val := range auto {
			ent.Properties[k] = val
		}
	}
	r, size, err := v.Branch.store.Blob(e.ID)
	if err != nil {
		return Entry{}, err
	}
	defer r.Close()
	if e.Mode == store.ModeSymlink {
		// Size and checksum describe the client-facing "link <target>"
		// rendering, not the raw blob, so close-file checksums agree
		// with what actually went over the wire.
		raw, err := io.ReadAll(r)
		if err != nil {
			return Entry{}, err
		}
		wc, err := (filters.Symlink{}).ToWorkingCopy(raw)
		if err != nil {
			return Entry{}, err
		}
		ent.Size = int64(len(wc))
		ent.MD5 = md5OfBytes(wc)
	} else {
		ent.Size = size
		ent.MD5, err = md5OfReader(r)
		if err != nil {
			return Entry{}, err
		}
	}
	if e.Mode == store.ModeExecutable {
		if ent.Properties == nil {
			ent.Properties = store.PropertySet{}
		}
		ent.Properties[store.PropExecutable] = "*"
	}
	if e.Mode == store.ModeSymlink {
		if ent.Properties == nil {
			ent.Properties = store.PropertySet{}
		}
		ent.Properties[store.PropSpecial] = "*"
	}
	if e.Mode != store.ModeSymlink && v.classifier != nil {
		mime, err := v.classifyBlob(e.ID)
		if err != nil {
			return Entry{}, err
		}
		if mime != "" {
			if ent.Properties == nil {
				ent.Properties = store.PropertySet{}
			}
			ent.Properties[store.PropMimeType] = mime
		}
	}
	return ent, nil
}

// dirProps derives a directory's own property set from the special
// dotfiles among its children: ".svnignore" becomes svn:ignore,
// ".svnprops" becomes svn:auto-props. Parsed dotfiles are memoised by
// blob id in the shared pipeline.
func (v *View) dirProps(t *store.Tree) (store.PropertySet, error) {
	if v.pipeline == nil || t == nil {
		return nil, nil
	}
	props := store.PropertySet{}
	if e, ok := t.Find(".svnignore"); ok {
		patterns, err := v.pipeline.IgnorePatterns(e.ID)
		if err != nil {
			return nil, err
		}
		if len(patterns) > 0 {
			props[store.PropIgnore] = strings.Join(patterns, "\n")
		}
	}
	if e, ok := t.Find(".svnprops"); ok {
		table, err := v.pipeline.AutoProps(e.ID)
		if err != nil {
			return nil, err
		}
		if len(table) > 0 {
			props[store.PropAutoProps] = formatAutoProps(table)
		}
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}

// fileAutoProps resolves the auto-props patterns of the containing
// directory's ".svnprops" dotfile against a file's name.
func (v *View) fileAutoProps(parent *store.Tree, name string) (store.PropertySet, error) {
	if v.pipeline == nil || parent == nil {
		return nil, nil
	}
	e, ok := parent.Find(".svnprops")
	if !ok {
		return nil, nil
	}
	table, err := v.pipeline.AutoProps(e.ID)
	if err != nil {
		return nil, err
	}
	return store.MatchAutoProps(table, name), nil
}

// formatAutoProps renders a parsed auto-props table back into svn's
// "pattern = key=value;key=value" config lines, sorted so the rendering
// is deterministic across map iteration orders.
func formatAutoProps(table map[string]store.PropertySet) string {
	patterns := make([]string, 0, len(table))
	for p := range table {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	var lines []string
	for _, p := range patterns {
		props := table[p]
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kvs := make([]string, 0, len(keys))
		for _, k := range keys {
			kvs = append(kvs, k+"="+props[k])
		}
		lines = append(lines, p+" = "+strings.Join(kvs, ";"))
	}
	return strings.Join(lines, "\n")
}

// classifyBlob runs id's content through the attached classifier,
// fetching only the leading mimeSniffBytes on a cache miss.
func (v *View) classifyBlob(id store.ObjectID) (string, error) {
	return v.classifier.Classify(id, func() ([]byte, error) {
		r, _, err := v.Branch.store.Blob(id)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		head := make([]byte, mimeSniffBytes)
		n, err := io.ReadFull(r, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, err
		}
		return head[:n], nil
	})
}

// ReadContent returns path's blob bytes in their client-facing form:
// symlink blobs are rendered through the symlink content filter, all
// other content passes through unchanged.
func (v *View) ReadContent(path string) ([]byte, error) {
	ent, err := v.Stat(path)
	if err != nil {
		return nil, err
	}
	if ent.Kind == KindAbsent || ent.Kind == KindForbidden {
		return nil, fmt.Errorf("repo: no readable entry at %q", path)
	}
	raw, err := v.Branch.ReadBlob(ent.ID)
	if err != nil {
		return nil, err
	}
	if ent.Kind == KindSymlink {
		return (filters.Symlink{}).ToWorkingCopy(raw)
	}
	return raw, nil
}

// List returns the sorted-by-appearance child entries of a directory
// path ("" for the branch root).
func (v *View) List(path string) ([]store.TreeEntry, error) {
	var t *store.Tree
	var err error
	if path == "" {
		t, err = v.root()
	} else {
		ent, statErr := v.Stat(path)
		if statErr != nil {
			return nil, statErr
		}
		if ent.Kind != KindDir {
			return nil, fmt.Errorf("repo: %q is not a directory", path)
		}
		t, err = v.Branch.store.Tree(ent.ID)
	}
	if err != nil {
		return nil, err
	}
	return t.Entries, nil
}

// InheritedProperties walks ancestors of path from the branch root down,
// collecting the nearest property set at each level.
func (v *View) InheritedProperties(path string) (map[string]store.PropertySet, error) {
	out := map[string]store.PropertySet{}
	parts := splitPath(path)
	cur := ""
	for i := range parts {
		if i == len(parts)-1 {
			break // the path itself isn't "inherited"
		}
		if cur == "" {
			cur = parts[i]
		} else {
			cur = cur + "/" + parts[i]
		}
		ent, err := v.Stat(cur)
		if err != nil {
			return nil, err
		}
		if len(ent.Properties) > 0 {
			out[cur] = ent.Properties
		}
	}
	return out, nil
}
