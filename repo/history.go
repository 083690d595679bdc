package repo

import (
	"sort"
	"sync"

	"github.com/rcowham/gitsvnbridge/store"
)

// History implements last-change and copy-from queries by walking
// backward through a branch's first-parent commits, diffing each
// commit's tree against its parent. Results are memoised in process
// memory; an LRU is unnecessary in practice since the key space (path,
// revision) is bounded by the branch's own size.
type History struct {
	s store.Store

	mu          sync.Mutex
	lastChange  map[historyKey]Revision
	childLookup map[childKey]store.ObjectID
}

type historyKey struct {
	branch string
	path   string
	rev    Revision
}

type childKey struct {
	commit store.ObjectID
	path   string
}

func NewHistory(s store.Store) *History {
	return &History{
		s:           s,
		lastChange:  map[historyKey]Revision{},
		childLookup: map[childKey]store.ObjectID{},
	}
}

// LastChange walks backward through first-parent commits from revision
// r, returning the largest r' <= r at which path's tree entry changed
// (added, content-changed, or deleted), or -1 if path was never present.
func (h *History) LastChange(b *Branch, path string, r Revision) (Revision, error) {
	key := historyKey{branch: b.Name, path: path, rev: r}
	h.mu.Lock()
	if v, ok := h.lastChange[key]; ok {
		h.mu.Unlock()
		return v, nil
	}
	h.mu.Unlock()

	result := Revision(-1)
	for cur := r; cur >= 1; cur-- {
		curID, err := h.childAt(b, path, cur)
		if err != nil {
			return 0, err
		}
		prevID, err := h.childAt(b, path, cur-1)
		if err != nil {
			return 0, err
		}
		if curID != prevID {
			result = cur
			break
		}
	}
	h.mu.Lock()
	h.lastChange[key] = result
	h.mu.Unlock()
	return result, nil
}

// childAt returns the object id of path's entry in the branch's tree at
// revision r, or the zero id if absent. Results are cached per
// (commit, path) since the same commit may be consulted by several
// revision windows during backward scans.
func (h *History) childAt(b *Branch, path string, r Revision) (store.ObjectID, error) {
	if r <= 0 {
		return store.ObjectID{}, nil
	}
	commitID, ok := b.CommitAt(r)
	if !ok {
		return store.ObjectID{}, nil
	}
	key := childKey{commit: commitID, path: path}
	h.mu.Lock()
	if v, ok := h.childLookup[key]; ok {
		h.mu.Unlock()
		return v, nil
	}
	h.mu.Unlock()

	t, err := b.TreeAt(r)
	if err != nil {
		return store.ObjectID{}, err
	}
	id := lookupPath(h.s, t, path)
	h.mu.Lock()
	h.childLookup[key] = id
	h.mu.Unlock()
	return id, nil
}

func lookupPath(s store.Store, t *store.Tree, path string) store.ObjectID {
	if path == "" {
		return t.ID
	}
	parts := splitPath(path)
	for i, part := range parts {
		e, ok := t.Find(part)
		if !ok {
			return store.ObjectID{}
		}
		if i == len(parts)-1 {
			return e.ID
		}
		if e.Mode != store.ModeDir {
			return store.ObjectID{}
		}
		next, err := s.Tree(e.ID)
		if err != nil {
			return store.ObjectID{}
		}
		t = next
	}
	return store.ObjectID{}
}

// CopyFrom is a copy-from record: the path first appeared because of a
// rename or copy originating at (SourcePath, SourceRevision).
type CopyFrom struct {
	SourcePath     string
	SourceRevision Revision
}

// DetectCopyFrom looks for path's source among entries that vanished
// from the parent commit's tree at revision r, when rename detection is
// enabled for the branch. It returns ok=false when detection is
// disabled, ambiguous, or finds nothing.
//
// Heuristic: identity by content hash first; if that is ambiguous or
// finds nothing (a rename combined with a content edit in the same
// commit defeats identity matching), fall back to a size+name-prefix
// similarity score over paths that vanished entirely, accepting only a
// single unambiguous best match.
func (h *History) DetectCopyFrom(b *Branch, path string, r Revision) (CopyFrom, bool) {
	if !b.RenameDetection || r <= 1 {
		return CopyFrom{}, false
	}
	curID, err := h.childAt(b, path, r)
	if err != nil || curID.IsZero() {
		return CopyFrom{}, false
	}
	prevID, err := h.childAt(b, path, r-1)
	if err == nil && !prevID.IsZero() {
		return CopyFrom{}, false // path already existed, not a fresh copy
	}

	prevTree, err := b.TreeAt(r - 1)
	if err != nil {
		return CopyFrom{}, false
	}
	newTree, err := b.TreeAt(r)
	if err != nil {
		return CopyFrom{}, false
	}
	prevFiles := map[string]store.ObjectID{}
	flattenFiles(h.s, "", prevTree, prevFiles)
	newFiles := map[string]store.ObjectID{}
	flattenFiles(h.s, "", newTree, newFiles)

	var identical []string
	for p, id := range prevFiles {
		if id != curID {
			continue
		}
		if newID, stillThere := newFiles[p]; stillThere && newID == id {
			continue // unchanged at the same path, not a vanished source
		}
		identical = append(identical, p)
	}
	if len(identical) == 1 {
		return CopyFrom{SourcePath: identical[0], SourceRevision: r - 1}, true
	}
	if len(identical) > 1 {
		return CopyFrom{}, false // ambiguous identity match
	}

	curSize, err := h.blobSize(curID)
	if err != nil {
		return CopyFrom{}, false
	}
	curBase := baseName(path)

	var bestPath string
	var bestScore, secondScore float64
	for p, id := range prevFiles {
		if newID, stillThere := newFiles[p]; stillThere && newID == id {
			continue // still present unchanged, not vanished
		}
		size, err := h.blobSize(id)
		if err != nil {
			continue
		}
		score := similarityScore(curSize, size, curBase, baseName(p))
		if score > bestScore {
			secondScore = bestScore
			bestScore = score
			bestPath = p
		} else if score > secondScore {
			secondScore = score
		}
	}
	const minScore = 0.3
	if bestPath == "" || bestScore < minScore || bestScore == secondScore {
		return CopyFrom{}, false
	}
	return CopyFrom{SourcePath: bestPath, SourceRevision: r - 1}, true
}

// blobSize returns a blob's size without reading its content; stores
// report it alongside the reader (store.Store.Blob's second return).
func (h *History) blobSize(id store.ObjectID) (int64, error) {
	rc, size, err := h.s.Blob(id)
	if err != nil {
		return 0, err
	}
	rc.Close()
	return size, nil
}

// flattenFiles walks t recursively, recording every non-directory
// entry's full path and object id into out.
func flattenFiles(s store.Store, prefix string, t *store.Tree, out map[string]store.ObjectID) {
	if t == nil {
		return
	}
	for _, e := range t.Entries {
		full := joinPath(prefix, e.Name)
		if e.Mode == store.ModeDir {
			if sub, err := s.Tree(e.ID); err == nil {
				flattenFiles(s, full, sub, out)
			}
			continue
		}
		out[full] = e.ID
	}
}

// similarityScore blends a size-closeness ratio with a name-prefix
// overlap ratio, each in [0,1], weighted evenly; used only as the
// fallback tier of DetectCopyFrom once exact content identity fails.
func similarityScore(curSize, size int64, curName, name string) float64 {
	sizeScore := 1.0
	if curSize != 0 || size != 0 {
		lo, hi := curSize, size
		if lo > hi {
			lo, hi = hi, lo
		}
		sizeScore = 0.0
		if hi > 0 {
			sizeScore = float64(lo) / float64(hi)
		}
	}
	prefixScore := 0.0
	maxLen := len(curName)
	if len(name) > maxLen {
		maxLen = len(name)
	}
	if maxLen > 0 {
		prefixScore = float64(commonPrefixLen(curName, name)) / float64(maxLen)
	}
	if prefixScore == 0 {
		// Size alone is too weak a signal on its own (two unrelated
		// files can easily be near-identical in size); require some
		// shared leading characters before size is allowed to count.
		return 0
	}
	return 0.5*sizeScore + 0.5*prefixScore
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// LocationSegment is one entry of a get-location-segments response: the
// path a node occupied across the inclusive revision range
// [RangeStart, RangeEnd].
type LocationSegment struct {
	RangeStart Revision
	RangeEnd   Revision
	Path       string
}

// LocationSegments walks backward from pegRev to startRev, tracking the
// path peg for path across renames.
func (h *History) LocationSegments(b *Branch, path string, pegRev, startRev Revision) ([]LocationSegment, error) {
	var segments []LocationSegment
	curPath := path
	segEnd := pegRev
	for r := pegRev; r >= startRev && r >= 1; r-- {
		id, err := h.childAt(b, curPath, r)
		if err != nil {
			return nil, err
		}
		if id.IsZero() {
			segments = append(segments, LocationSegment{RangeStart: r + 1, RangeEnd: segEnd, Path: curPath})
			return segments, nil
		}
		if cf, ok := h.DetectCopyFrom(b, curPath, r); ok {
			segments = append(segments, LocationSegment{RangeStart: r, RangeEnd: segEnd, Path: curPath})
			curPath = cf.SourcePath
			segEnd = cf.SourceRevision
			r = cf.SourceRevision + 1 // loop decrement brings us to SourceRevision
			continue
		}
	}
	segments = append(segments, LocationSegment{RangeStart: startRev, RangeEnd: segEnd, Path: curPath})
	return segments, nil
}

// ChangedPath is one entry of a log response's changed-paths list: a
// repository path touched by a revision and the action that touched it.
type ChangedPath struct {
	Path   string
	Action byte // 'A' added, 'D' deleted, 'M' content changed, 'R' replaced (kind changed)
}

// ChangedPaths diffs revision r's tree against its parent (r-1),
// returning every path added, deleted, modified, or replaced by a kind
// change.
func (h *History) ChangedPaths(b *Branch, r Revision) ([]ChangedPath, error) {
	if r <= 0 {
		return nil, nil
	}
	newTree, err := b.TreeAt(r)
	if err != nil {
		return nil, err
	}
	oldTree, err := b.TreeAt(r - 1)
	if err != nil {
		return nil, err
	}
	var out []ChangedPath
	diffTrees(h.s, "", oldTree, newTree, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// diffTrees recurses over oldTree/newTree (either may be nil, standing
// for an absent directory) appending one ChangedPath per affected
// entry; descends into subtrees whose object id changed so that a
// directory rename/mode-flip is reported via its leaves, matching how
// svn's own log changed-paths list works.
func diffTrees(s store.Store, prefix string, oldTree, newTree *store.Tree, out *[]ChangedPath) {
	oldByName := map[string]store.TreeEntry{}
	if oldTree != nil {
		for _, e := range oldTree.Entries {
			oldByName[e.Name] = e
		}
	}
	seen := map[string]bool{}
	if newTree != nil {
		for _, e := range newTree.Entries {
			seen[e.Name] = true
			full := joinPath(prefix, e.Name)
			oe, existed := oldByName[e.Name]
			switch {
			case !existed:
				*out = append(*out, ChangedPath{Path: full, Action: 'A'})
				if e.Mode == store.ModeDir {
					if sub, err := s.Tree(e.ID); err == nil {
						diffTrees(s, full, nil, sub, out)
					}
				}
			case oe.Mode != e.Mode:
				*out = append(*out, ChangedPath{Path: full, Action: 'R'})
				if e.Mode == store.ModeDir {
					sub, err := s.Tree(e.ID)
					if err == nil {
						var oldSub *store.Tree
						if oe.Mode == store.ModeDir {
							oldSub, _ = s.Tree(oe.ID)
						}
						diffTrees(s, full, oldSub, sub, out)
					}
				}
			case oe.ID != e.ID:
				if e.Mode == store.ModeDir {
					sub, err := s.Tree(e.ID)
					if err == nil {
						oldSub, _ := s.Tree(oe.ID)
						diffTrees(s, full, oldSub, sub, out)
					}
				} else {
					*out = append(*out, ChangedPath{Path: full, Action: 'M'})
				}
			}
		}
	}
	if oldTree != nil {
		for _, e := range oldTree.Entries {
			if seen[e.Name] {
				continue
			}
			*out = append(*out, ChangedPath{Path: joinPath(prefix, e.Name), Action: 'D'})
		}
	}
}
