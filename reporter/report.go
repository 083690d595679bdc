package reporter

import (
	"github.com/rcowham/gitsvnbridge/session"
	"github.com/rcowham/gitsvnbridge/wire"
)

// PathEntry is one set-path/link-path/delete-path the client reported
// about its working copy, relative to the report's root path.
type PathEntry struct {
	Path        string
	Revision    int64
	StartEmpty  bool
	LockToken   string
	Depth       Depth
	Deleted     bool
	LinkURL     string // non-empty for link-path (switch of a sub-tree to a different URL)
}

// Report is the accumulated state of one report/update-like command: the
// client's declared working-copy revision and depth for the root, plus
// every per-path override, collected via the session step stack until
// finish-report or abort-report arrives.
type Report struct {
	TargetRev      int64
	TargetPath     string // empty unless the command restricted to one child of the anchor
	IgnoreAncestry bool
	TextDeltas     bool
	Depth          Depth

	Paths []PathEntry

	aborted bool
}

var reportPathSchema = wire.Schema{
	{Name: "path", Kind: wire.FString},
	{Name: "rev", Kind: wire.FNumber},
	{Name: "start-empty", Kind: wire.FBool},
	wire.Opt("lock-token", wire.FString),
	wire.Opt("depth", wire.FWord),
}

var linkPathSchema = wire.Schema{
	{Name: "path", Kind: wire.FString},
	{Name: "url", Kind: wire.FString},
	{Name: "rev", Kind: wire.FNumber},
	{Name: "start-empty", Kind: wire.FBool},
	wire.Opt("lock-token", wire.FString),
	wire.Opt("depth", wire.FWord),
}

var deletePathSchema = wire.Schema{
	{Name: "path", Kind: wire.FString},
}

// ReadReport drives the report sub-protocol to completion by pushing a
// Step that reads one report command per invocation and re-pushes itself
// until finish-report or abort-report is seen, then calls done with the
// collected Report. This keeps the socket read inside the session's
// normal step-stack draining rather than blocking the command loop on a
// private recursive read loop.
func ReadReport(s *session.Session, base Report, done func(s *session.Session, r Report) error) {
	rep := base
	var step session.Step
	step = func(s *session.Session) error {
		if err := s.R.ListStart(); err != nil {
			return err
		}
		word, err := s.R.Word()
		if err != nil {
			return err
		}
		switch word {
		case "set-path":
			rec, err := wire.ReadRecord(s.R, reportPathSchema)
			if err != nil {
				return err
			}
			if err := s.R.ListEnd(); err != nil {
				return err
			}
			rep.Paths = append(rep.Paths, pathEntryFromRecord(rec))
			s.Push(step)
			return nil
		case "delete-path":
			rec, err := wire.ReadRecord(s.R, deletePathSchema)
			if err != nil {
				return err
			}
			if err := s.R.ListEnd(); err != nil {
				return err
			}
			rep.Paths = append(rep.Paths, PathEntry{Path: rec["path"].(string), Deleted: true})
			s.Push(step)
			return nil
		case "link-path":
			rec, err := wire.ReadRecord(s.R, linkPathSchema)
			if err != nil {
				return err
			}
			if err := s.R.ListEnd(); err != nil {
				return err
			}
			pe := pathEntryFromRecord(rec)
			pe.LinkURL = rec["url"].(string)
			rep.Paths = append(rep.Paths, pe)
			s.Push(step)
			return nil
		case "finish-report":
			if _, err := wire.ReadRecord(s.R, wire.Schema{}); err != nil {
				return err
			}
			if err := s.R.ListEnd(); err != nil {
				return err
			}
			return done(s, rep)
		case "abort-report":
			if _, err := wire.ReadRecord(s.R, wire.Schema{}); err != nil {
				return err
			}
			if err := s.R.ListEnd(); err != nil {
				return err
			}
			rep.aborted = true
			return done(s, rep)
		default:
			if err := s.R.SkipItem(); err != nil {
				return err
			}
			if err := s.R.ListEnd(); err != nil {
				return err
			}
			return wire.NewError(wire.ErrRASVNUnknownCmd, "unexpected report command %q", word)
		}
	}
	s.Push(step)
}

func pathEntryFromRecord(rec wire.Record) PathEntry {
	pe := PathEntry{
		Path:       rec["path"].(string),
		Revision:   rec["rev"].(int64),
		StartEmpty: rec["start-empty"].(bool),
		Depth:      DepthInfinity,
	}
	if lt, ok := rec["lock-token"]; ok {
		pe.LockToken = lt.(string)
	}
	if d, ok := rec["depth"]; ok {
		pe.Depth = ParseDepth(d.(string))
	}
	return pe
}

// WorkingDepthAt returns the deepest declared depth covering path,
// preferring the most specific (longest-prefix) set-path/link-path entry
// over the report's root depth: paths not explicitly mentioned inherit
// their nearest reported ancestor's depth.
func (r Report) WorkingDepthAt(path string) Depth {
	best := -1
	depth := r.Depth
	for _, pe := range r.Paths {
		if pe.Deleted {
			continue
		}
		if pe.Path != path && !isAncestor(pe.Path, path) {
			continue
		}
		if len(pe.Path) > best {
			best = len(pe.Path)
			depth = pe.Depth
		}
	}
	return depth
}

// RevisionAt returns the working-copy revision the client reported for
// path (from the most specific covering set-path/link-path entry),
// falling back to the report's TargetRev when no entry covers path; the
// report-driven commands set TargetRev to the revision they bring the
// client to.
func (r Report) RevisionAt(path string) int64 {
	best := -1
	rev := r.TargetRev
	for _, pe := range r.Paths {
		if pe.Deleted {
			continue
		}
		if pe.Path != path && !isAncestor(pe.Path, path) {
			continue
		}
		if len(pe.Path) > best {
			best = len(pe.Path)
			rev = pe.Revision
		}
	}
	return rev
}

// StartEmptyAt reports whether the client declared path itself
// start-empty: it has the directory entry but none of the children.
func (r Report) StartEmptyAt(path string) bool {
	for _, pe := range r.Paths {
		if !pe.Deleted && pe.Path == path && pe.StartEmpty {
			return true
		}
	}
	return false
}

// DeletedAt reports whether the client sent delete-path for exactly
// path ("I do not have this path").
func (r Report) DeletedAt(path string) bool {
	for _, pe := range r.Paths {
		if pe.Deleted && pe.Path == path {
			return true
		}
	}
	return false
}

// Mentions reports whether path appears explicitly in the report; such
// paths are always visited regardless of the depth policy.
func (r Report) Mentions(path string) bool {
	for _, pe := range r.Paths {
		if pe.Path == path {
			return true
		}
	}
	return false
}

func isAncestor(ancestor, path string) bool {
	if ancestor == "" {
		return true
	}
	if len(path) <= len(ancestor) {
		return false
	}
	return path[:len(ancestor)] == ancestor && path[len(ancestor)] == '/'
}
