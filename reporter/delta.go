package reporter

import (
	"sort"
	"strconv"

	"github.com/rcowham/gitsvnbridge/repo"
)

// Engine runs the recursive old-view/new-view tree-diff shared by
// update, switch, diff, status, replay and replay-range: walk both
// trees together, honour the report's per-path depth, revision and
// start-empty overrides, detect renames via the branch's history, and
// defer opening a directory on the wire until a descendant actually
// changes.
type Engine struct {
	Branch  *repo.Branch
	History *repo.History

	Text *TextDelta

	// SendText streams file content differences as textdelta windows
	// (update/switch/diff); status omits them and only reports which
	// paths differ.
	SendText bool
	// SendCopyfrom toggles emitting copy-from-path/rev on add-dir/
	// add-file when DetectCopyFrom finds one.
	SendCopyfrom bool
	// ReqDepth is the depth requested by the driving command itself,
	// combined with each path's reported working-copy depth via
	// ChildAction.
	ReqDepth Depth

	// OldRoot and NewRoot anchor the walk within the branch: every
	// client-visible path is relative to them. They differ when switch
	// rebases the target onto another URL.
	OldRoot string
	NewRoot string

	// LowWaterMark suppresses copy-from sources older than what the
	// client holds; zero means no floor.
	LowWaterMark repo.Revision

	// ViewAt resolves an old-side view at a per-path reported revision.
	// nil pins the old side to the single view passed to Drive.
	ViewAt func(repo.Revision) (*repo.View, error)
}

// header defers a directory's open-dir/add-dir until a descendant
// actually writes something; the open+close pair is skipped entirely if
// the directory turns out unchanged end to end.
type header struct {
	token  string
	opened bool
	openFn func() (string, error)
}

func (h *header) ensure() (string, error) {
	if h.opened {
		return h.token, nil
	}
	tok, err := h.openFn()
	if err != nil {
		return "", err
	}
	h.token = tok
	h.opened = true
	return tok, nil
}

// Drive runs the diff for the whole reported tree: oldView is the
// client's believed working-copy state (per the report's revisions),
// newView is the target state the command is bringing the client to.
// baseRev is the client's declared revision for the report root,
// carried on open-root.
func (eng *Engine) Drive(e *EditorWriter, baseRev int64, oldView, newView *repo.View, report Report) error {
	rootTok := e.NewToken()
	if err := e.OpenRoot(baseRev, rootTok); err != nil {
		return err
	}
	rootHeader := &header{token: rootTok, opened: true}
	if _, err := eng.diffChildren(e, "", rootHeader, oldView, newView, report, true); err != nil {
		return err
	}
	if err := e.CloseDir(rootTok); err != nil {
		return err
	}
	return e.CloseEdit()
}

// diffChildren compares the children of dirPath in oldView and newView,
// writing whatever changed through parent (materialising it lazily on
// first write). oldPresent is false while descending into a subtree the
// client does not have at all, which forces every new entry out as an
// add. Returns true if anything was written under dirPath.
func (eng *Engine) diffChildren(e *EditorWriter, dirPath string, parent *header, oldView, newView *repo.View, report Report, oldPresent bool) (bool, error) {
	// A set-path deeper in the report can pin this subtree's old side to
	// a different revision than its parent's.
	if eng.ViewAt != nil && oldPresent {
		if rv := repo.Revision(report.RevisionAt(dirPath)); rv != oldView.Revision {
			v, err := eng.ViewAt(rv)
			if err != nil {
				return false, err
			}
			oldView = v
		}
	}

	oldChildren := map[string]repo.Entry{}
	if oldPresent && !report.StartEmptyAt(dirPath) {
		var err error
		oldChildren, err = statChildren(oldView, joinPath(eng.OldRoot, dirPath))
		if err != nil {
			return false, err
		}
	}
	newChildren, err := statChildren(newView, joinPath(eng.NewRoot, dirPath))
	if err != nil {
		return false, err
	}

	names := unionNames(oldChildren, newChildren)
	wcDepth := report.WorkingDepthAt(dirPath)
	wrote := false

	for _, name := range names {
		if dirPath == "" && report.TargetPath != "" && name != report.TargetPath {
			continue
		}
		childPath := joinPath(dirPath, name)
		oldEnt := oldChildren[name]
		if report.DeletedAt(childPath) {
			oldEnt = repo.Entry{}
		}
		newEnt := newChildren[name]

		action := ChildAction(wcDepth, eng.ReqDepth, newEnt.Kind == repo.KindDir || oldEnt.Kind == repo.KindDir, newEnt.Kind != repo.KindAbsent)
		if action == ActionSkip && !report.Mentions(childPath) {
			continue
		}

		changed, err := eng.diffOne(e, childPath, name, parent, oldEnt, newEnt, action, oldView, newView, report)
		if err != nil {
			return false, err
		}
		if changed {
			wrote = true
		}
	}
	return wrote, nil
}

// diffOne handles one child entry: deletion, addition (with optional
// copy-from), or a recursive descent for an unchanged-but-present
// directory, or a content update for a changed file.
func (eng *Engine) diffOne(e *EditorWriter, childPath, name string, parent *header, oldEnt, newEnt repo.Entry, action Action, oldView, newView *repo.View, report Report) (bool, error) {
	upgrade := action == ActionUpgrade

	// Gone from the new tree: delete, unless the client never had it
	// either (nothing to report).
	if newEnt.Kind == repo.KindAbsent {
		if oldEnt.Kind == repo.KindAbsent || upgrade {
			return false, nil
		}
		parentTok, err := parent.ensure()
		if err != nil {
			return false, err
		}
		if err := e.DeleteEntry(childPath, int64(oldEnt.LastChangeRev), parentTok); err != nil {
			return false, err
		}
		return true, nil
	}

	if newEnt.Kind == repo.KindForbidden {
		if oldEnt.Kind == repo.KindForbidden {
			return false, nil // already hidden from this client, nothing new to report
		}
		parentTok, err := parent.ensure()
		if err != nil {
			return false, err
		}
		// Access was denied before the underlying kind could be read; a
		// directory-shaped absence is the conservative choice so the
		// client doesn't attempt to open it as a file.
		return true, e.AbsentDir(name, parentTok)
	}

	kindChanged := !upgrade && oldEnt.Kind != repo.KindAbsent && oldEnt.Kind != newEnt.Kind
	isNew := oldEnt.Kind == repo.KindAbsent || oldEnt.Kind != newEnt.Kind || upgrade
	unchanged := !isNew && oldEnt.ID == newEnt.ID

	if kindChanged {
		// The client's existing entry at this path is the wrong kind
		// (file replaced by a directory or vice versa); it must be told
		// to delete the stale entry before the add, or it will try to
		// reconcile an add-file/add-dir against the wrong kind already
		// in its working copy.
		parentTok, err := parent.ensure()
		if err != nil {
			return false, err
		}
		if err := e.DeleteEntry(childPath, int64(oldEnt.LastChangeRev), parentTok); err != nil {
			return false, err
		}
	}

	if newEnt.Kind == repo.KindDir {
		return eng.diffDir(e, childPath, name, parent, oldEnt, newEnt, isNew, unchanged, oldView, newView, report)
	}
	return eng.diffFile(e, childPath, name, parent, oldEnt, newEnt, isNew, unchanged, oldView, newView)
}

// copyFromFor looks for a provable rename/copy source for a freshly
// added entry, honouring the client's low watermark.
func (eng *Engine) copyFromFor(childPath string, newView *repo.View) (repo.CopyFrom, bool) {
	if !eng.SendCopyfrom {
		return repo.CopyFrom{}, false
	}
	cf, ok := eng.History.DetectCopyFrom(eng.Branch, joinPath(eng.NewRoot, childPath), newView.Revision)
	if !ok {
		return repo.CopyFrom{}, false
	}
	if eng.LowWaterMark > 0 && cf.SourceRevision < eng.LowWaterMark {
		return repo.CopyFrom{}, false
	}
	return cf, true
}

func (eng *Engine) diffDir(e *EditorWriter, childPath, name string, parent *header, oldEnt, newEnt repo.Entry, isNew, unchanged bool, oldView, newView *repo.View, report Report) (bool, error) {
	if unchanged {
		// An unchanged tree id means an unchanged subtree in a
		// content-addressed store; nothing to descend into.
		return false, nil
	}

	var childHeader *header
	if isNew {
		cf, hasCF := eng.copyFromFor(childPath, newView)
		childHeader = &header{openFn: func() (string, error) {
			parentTok, err := parent.ensure()
			if err != nil {
				return "", err
			}
			tok := e.NewToken()
			return tok, e.AddDir(name, parentTok, tok, cf.SourcePath, int64(cf.SourceRevision), hasCF)
		}}
	} else {
		childHeader = &header{openFn: func() (string, error) {
			parentTok, err := parent.ensure()
			if err != nil {
				return "", err
			}
			tok := e.NewToken()
			return tok, e.OpenDir(name, parentTok, tok, int64(oldEnt.LastChangeRev))
		}}
	}

	wroteProps := false
	if isNew {
		tok, err := childHeader.ensure()
		if err != nil {
			return false, err
		}
		if err := e.ChangeDirProp(tok, "svn:entry:committed-rev", strconv.FormatInt(int64(newEnt.LastChangeRev), 10)); err != nil {
			return false, err
		}
		for k, v := range newEnt.Properties {
			if err := e.ChangeDirProp(tok, k, v); err != nil {
				return false, err
			}
		}
		wroteProps = true
	}

	wroteChildren, err := eng.diffChildren(e, childPath, childHeader, oldView, newView, report, !isNew)
	if err != nil {
		return false, err
	}

	if !childHeader.opened {
		return false, nil
	}
	if err := e.CloseDir(childHeader.token); err != nil {
		return false, err
	}
	return wroteProps || wroteChildren || isNew, nil
}

func (eng *Engine) diffFile(e *EditorWriter, childPath, name string, parent *header, oldEnt, newEnt repo.Entry, isNew, unchanged bool, oldView, newView *repo.View) (bool, error) {
	if unchanged {
		return false, nil
	}

	parentTok, err := parent.ensure()
	if err != nil {
		return false, err
	}
	fileTok := e.NewToken()

	if isNew {
		cf, hasCF := eng.copyFromFor(childPath, newView)
		if err := e.AddFile(name, parentTok, fileTok, cf.SourcePath, int64(cf.SourceRevision), hasCF); err != nil {
			return false, err
		}
	} else {
		if err := e.OpenFile(name, parentTok, fileTok, int64(oldEnt.LastChangeRev)); err != nil {
			return false, err
		}
	}

	if err := e.ChangeFileProp(fileTok, "svn:entry:committed-rev", strconv.FormatInt(int64(newEnt.LastChangeRev), 10)); err != nil {
		return false, err
	}
	for k, v := range newEnt.Properties {
		if err := e.ChangeFileProp(fileTok, k, v); err != nil {
			return false, err
		}
	}

	if eng.SendText {
		target, err := readBlob(newView, joinPath(eng.NewRoot, childPath))
		if err != nil {
			return false, err
		}
		var base []byte
		baseMD5 := ""
		if !isNew {
			base, err = readBlob(oldView, joinPath(eng.OldRoot, childPath))
			if err != nil {
				return false, err
			}
			baseMD5 = oldEnt.MD5
		}
		if err := eng.Text.StreamWindow(e, fileTok, baseMD5, base, target); err != nil {
			return false, err
		}
	}

	if err := e.CloseFile(fileTok, newEnt.MD5); err != nil {
		return false, err
	}
	return true, nil
}

func readBlob(v *repo.View, path string) ([]byte, error) {
	return v.ReadContent(path)
}

func statChildren(v *repo.View, dirPath string) (map[string]repo.Entry, error) {
	out := map[string]repo.Entry{}
	entries, err := v.List(dirPath)
	if err != nil {
		return out, nil // absent directory on one side: no children
	}
	for _, te := range entries {
		childPath := joinPath(dirPath, te.Name)
		ent, err := v.Stat(childPath)
		if err != nil {
			return nil, err
		}
		out[te.Name] = ent
	}
	return out, nil
}

func unionNames(a, b map[string]repo.Entry) []string {
	seen := map[string]bool{}
	var out []string
	for n := range a {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for n := range b {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	if name == "" {
		return dir
	}
	return dir + "/" + name
}
