// Package editor implements the commit editor: the write path a client
// drives by sending the same tagged editor-command stream reporter emits
// for reads, this time to describe the change it wants applied. The
// in-progress change is held as an overlay tree, a flat arena of nodes
// with parent indices rather than a pointer-linked tree, so parent and
// child entries never own each other cyclically.
package editor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rcowham/gitsvnbridge/store"
	"github.com/rcowham/gitsvnbridge/store/filters"
)

type nodeKind int

const (
	nodeDir nodeKind = iota
	nodeFile
)

// node is one arena slot: a directory or file the client's edit touched,
// either freshly added or opened against a base object for comparison.
type node struct {
	kind   nodeKind
	name   string
	parent int // arena index, -1 for the root

	baseID  store.ObjectID // the object this node was opened against; zero if added
	mode    store.Mode
	props   store.PropertySet

	children map[string]int // dir: name -> arena index of an explicitly touched child
	deleted  map[string]bool

	textBase    []byte // file: base content once fetched (for textdelta replay)
	textContent []byte // file: accumulated content; nil until apply-textdelta/close

	newID store.ObjectID // filled once Finalize writes this node out
}

// Overlay accumulates one commit's worth of editor-stream mutations.
type Overlay struct {
	store  store.Store
	nodes  []node
	tokens map[string]int
	rootIx int
}

func NewOverlay(s store.Store) *Overlay {
	return &Overlay{store: s, tokens: map[string]int{}}
}

func (o *Overlay) alloc(n node) int {
	o.nodes = append(o.nodes, n)
	return len(o.nodes) - 1
}

// OpenRoot anchors the edit against baseTreeID (the tree of the base
// revision open-root names), associating rootToken with the arena's root
// node.
func (o *Overlay) OpenRoot(rootToken string, baseTreeID store.ObjectID) {
	ix := o.alloc(node{kind: nodeDir, parent: -1, baseID: baseTreeID, mode: store.ModeDir, children: map[string]int{}, deleted: map[string]bool{}})
	o.tokens[rootToken] = ix
	o.rootIx = ix
}

func (o *Overlay) dirByToken(token string) (int, error) {
	ix, ok := o.tokens[token]
	if !ok {
		return 0, fmt.Errorf("editor: unknown directory token %q", token)
	}
	if o.nodes[ix].kind != nodeDir {
		return 0, fmt.Errorf("editor: token %q is not a directory", token)
	}
	return ix, nil
}

// ResolveBaseEntry looks up name's current object id and mode in the
// base tree parentToken's node was opened against, so open-dir/open-file
// can carry forward the right base object for an unmodified comparison
// instead of treating every opened entry as freshly added.
func (o *Overlay) ResolveBaseEntry(name, parentToken string) (store.ObjectID, store.Mode, error) {
	parent, err := o.dirByToken(parentToken)
	if err != nil {
		return store.ObjectID{}, store.ModeFile, err
	}
	baseID := o.nodes[parent].baseID
	if baseID.IsZero() {
		return store.ObjectID{}, store.ModeFile, nil
	}
	t, err := o.store.Tree(baseID)
	if err != nil {
		return store.ObjectID{}, store.ModeFile, err
	}
	e, ok := t.Find(name)
	if !ok {
		return store.ObjectID{}, store.ModeFile, nil
	}
	return e.ID, e.Mode, nil
}

func (o *Overlay) fileByToken(token string) (int, error) {
	ix, ok := o.tokens[token]
	if !ok {
		return 0, fmt.Errorf("editor: unknown file token %q", token)
	}
	if o.nodes[ix].kind != nodeFile {
		return 0, fmt.Errorf("editor: token %q is not a file", token)
	}
	return ix, nil
}

func (o *Overlay) AddDir(parentToken, name, childToken string) error {
	parent, err := o.dirByToken(parentToken)
	if err != nil {
		return err
	}
	ix := o.alloc(node{kind: nodeDir, name: name, parent: parent, mode: store.ModeDir, children: map[string]int{}, deleted: map[string]bool{}})
	o.nodes[parent].children[name] = ix
	o.tokens[childToken] = ix
	return nil
}

func (o *Overlay) OpenDir(parentToken, name, childToken string, baseID store.ObjectID) error {
	parent, err := o.dirByToken(parentToken)
	if err != nil {
		return err
	}
	ix := o.alloc(node{kind: nodeDir, name: name, parent: parent, baseID: baseID, mode: store.ModeDir, children: map[string]int{}, deleted: map[string]bool{}})
	o.nodes[parent].children[name] = ix
	o.tokens[childToken] = ix
	return nil
}

func (o *Overlay) DeleteEntry(parentToken, name string) error {
	parent, err := o.dirByToken(parentToken)
	if err != nil {
		return err
	}
	o.nodes[parent].deleted[name] = true
	delete(o.nodes[parent].children, name)
	return nil
}

func (o *Overlay) AddFile(parentToken, name, fileToken string) error {
	parent, err := o.dirByToken(parentToken)
	if err != nil {
		return err
	}
	ix := o.alloc(node{kind: nodeFile, name: name, parent: parent, mode: store.ModeFile})
	o.nodes[parent].children[name] = ix
	o.tokens[fileToken] = ix
	return nil
}

func (o *Overlay) OpenFile(parentToken, name, fileToken string, baseID store.ObjectID, baseMode store.Mode) error {
	parent, err := o.dirByToken(parentToken)
	if err != nil {
		return err
	}
	ix := o.alloc(node{kind: nodeFile, name: name, parent: parent, baseID: baseID, mode: baseMode})
	o.nodes[parent].children[name] = ix
	o.tokens[fileToken] = ix
	return nil
}

func (o *Overlay) ChangeDirProp(token, name, value string) error {
	ix, err := o.dirByToken(token)
	if err != nil {
		return err
	}
	o.setProp(ix, name, value)
	return nil
}

func (o *Overlay) ChangeFileProp(token, name, value string) error {
	ix, err := o.fileByToken(token)
	if err != nil {
		return err
	}
	o.setProp(ix, name, value)
	if name == store.PropExecutable {
		o.nodes[ix].mode = store.ModeExecutable
	}
	if name == store.PropSpecial {
		o.nodes[ix].mode = store.ModeSymlink
	}
	return nil
}

func (o *Overlay) setProp(ix int, name, value string) {
	if o.nodes[ix].props == nil {
		o.nodes[ix].props = store.PropertySet{}
	}
	o.nodes[ix].props[name] = value
}

// SetTextContent installs the fully-materialised content for a file
// node, accumulated from the client's textdelta chunks; Overlay just
// holds the result until Finalize.
func (o *Overlay) SetTextContent(token string, content []byte) error {
	ix, err := o.fileByToken(token)
	if err != nil {
		return err
	}
	o.nodes[ix].textContent = content
	return nil
}

// PathOf returns the root-relative path of the node behind token,
// rebuilt from the arena's parent links. Used for lock enforcement,
// which keys on full paths.
func (o *Overlay) PathOf(token string) (string, error) {
	ix, ok := o.tokens[token]
	if !ok {
		return "", fmt.Errorf("editor: unknown token %q", token)
	}
	var parts []string
	for ix >= 0 {
		n := &o.nodes[ix]
		if n.name != "" {
			parts = append(parts, n.name)
		}
		ix = n.parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), nil
}

// BaseContent returns the working-copy rendering of the blob a file
// token was opened against, or nil for a freshly added file. Textdelta
// streams from the client apply against this form, so svn:special
// files render through the symlink filter first. The fetch is memoised
// on the node.
func (o *Overlay) BaseContent(token string) ([]byte, error) {
	ix, err := o.fileByToken(token)
	if err != nil {
		return nil, err
	}
	n := &o.nodes[ix]
	if n.baseID.IsZero() {
		return nil, nil
	}
	if n.textBase != nil {
		return n.textBase, nil
	}
	r, _, err := o.store.Blob(n.baseID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	content := buf.Bytes()
	if n.mode == store.ModeSymlink {
		content, err = (filters.Symlink{}).ToWorkingCopy(content)
		if err != nil {
			return nil, err
		}
	}
	n.textBase = content
	return content, nil
}

// TextContent returns the materialised content installed for a file
// token by a completed textdelta stream, if any.
func (o *Overlay) TextContent(token string) ([]byte, bool) {
	ix, err := o.fileByToken(token)
	if err != nil || o.nodes[ix].textContent == nil {
		return nil, false
	}
	return o.nodes[ix].textContent, true
}

// Finalize writes every touched node to ins bottom-up and returns the
// new root tree id. Nodes never visited by the editor stream are left
// untouched: their subtree is copied forward unchanged from baseID.
func (o *Overlay) Finalize(ins store.Inserter) (store.ObjectID, error) {
	return o.finalizeDir(ins, o.rootIx)
}

func (o *Overlay) finalizeDir(ins store.Inserter, ix int) (store.ObjectID, error) {
	n := &o.nodes[ix]
	entries := map[string]store.TreeEntry{}

	if !n.baseID.IsZero() {
		base, err := o.store.Tree(n.baseID)
		if err != nil {
			return store.ObjectID{}, err
		}
		for _, e := range base.Entries {
			if n.deleted[e.Name] {
				continue
			}
			if _, touched := n.children[e.Name]; touched {
				continue // will be written from the overlay node below
			}
			entries[e.Name] = e
		}
	}

	for name, childIx := range n.children {
		child := &o.nodes[childIx]
		var id store.ObjectID
		var err error
		if child.kind == nodeDir {
			id, err = o.finalizeDir(ins, childIx)
		} else {
			id, err = o.finalizeFile(ins, childIx)
		}
		if err != nil {
			return store.ObjectID{}, err
		}
		entries[name] = store.TreeEntry{Name: name, Mode: child.mode, ID: id}
	}

	tree := &store.Tree{}
	for _, e := range entries {
		tree.Entries = append(tree.Entries, e)
	}
	id, err := ins.WriteTree(tree)
	if err != nil {
		return store.ObjectID{}, err
	}
	n.newID = id
	return id, nil
}

func (o *Overlay) finalizeFile(ins store.Inserter, ix int) (store.ObjectID, error) {
	n := &o.nodes[ix]
	content := n.textContent
	if content == nil {
		if n.baseID.IsZero() {
			content = []byte{}
		} else {
			r, _, err := o.store.Blob(n.baseID)
			if err != nil {
				return store.ObjectID{}, err
			}
			defer r.Close()
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(r); err != nil {
				return store.ObjectID{}, err
			}
			content = buf.Bytes()
		}
	}
	if n.mode == store.ModeSymlink && n.textContent != nil {
		// The client transports symlinks in their "link <target>"
		// working-copy rendering; the store keeps the bare target.
		stripped, err := (filters.Symlink{}).FromWorkingCopy(content)
		if err != nil {
			return store.ObjectID{}, err
		}
		content = stripped
	}
	id, err := ins.WriteBlob(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return store.ObjectID{}, err
	}
	n.newID = id
	return id, nil
}
