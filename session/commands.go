package session

import (
	"time"

	"github.com/rcowham/gitsvnbridge/locks"
	"github.com/rcowham/gitsvnbridge/repo"
	"github.com/rcowham/gitsvnbridge/store"
	"github.com/rcowham/gitsvnbridge/wire"
)

func init() {
	Register("get-latest-rev", Handler{Schema: wire.Schema{}, Process: cmdGetLatestRev})
	Register("get-dated-rev", Handler{
		Schema:  wire.Schema{{Name: "date", Kind: wire.FString}},
		Process: cmdGetDatedRev,
	})
	Register("check-path", Handler{
		Schema:  wire.Schema{{Name: "path", Kind: wire.FString}, wire.Opt("rev", wire.FNumber)},
		Process: cmdCheckPath,
	})
	Register("stat", Handler{
		Schema:  wire.Schema{{Name: "path", Kind: wire.FString}, wire.Opt("rev", wire.FNumber)},
		Process: cmdStat,
	})
	Register("get-dir", Handler{
		Schema: wire.Schema{
			{Name: "path", Kind: wire.FString},
			wire.Opt("rev", wire.FNumber),
			{Name: "want-props", Kind: wire.FBool},
			{Name: "want-contents", Kind: wire.FBool},
		},
		Process: cmdGetDir,
	})
	Register("get-file", Handler{
		Schema: wire.Schema{
			{Name: "path", Kind: wire.FString},
			wire.Opt("rev", wire.FNumber),
			{Name: "want-props", Kind: wire.FBool},
			{Name: "want-contents", Kind: wire.FBool},
		},
		Process: cmdGetFile,
	})
	Register("get-locations", Handler{
		Schema: wire.Schema{
			{Name: "path", Kind: wire.FString},
			{Name: "peg-rev", Kind: wire.FNumber},
			wire.ListOf("revs", wire.FNumber),
		},
		Process: cmdGetLocations,
	})
	Register("get-location-segments", Handler{
		Schema: wire.Schema{
			{Name: "path", Kind: wire.FString},
			wire.Opt("peg-rev", wire.FNumber),
			wire.Opt("start-rev", wire.FNumber),
			wire.Opt("end-rev", wire.FNumber),
		},
		Process: cmdGetLocationSegments,
	})
	Register("log", Handler{
		// Mirrors svn's own log params; include-merged-revisions and
		// revprops are omitted since merging is not supported.
		Schema: wire.Schema{
			wire.ListOf("targets", wire.FString),
			wire.Opt("start-rev", wire.FNumber),
			wire.Opt("end-rev", wire.FNumber),
			{Name: "changed-paths", Kind: wire.FBool},
			{Name: "strict-node-history", Kind: wire.FBool},
			wire.Opt("limit", wire.FNumber),
		},
		Process: cmdLog,
	})
	Register("rev-prop", Handler{
		Schema:  wire.Schema{{Name: "rev", Kind: wire.FNumber}, {Name: "name", Kind: wire.FWord}},
		Process: cmdRevProp,
	})
	Register("rev-proplist", Handler{
		Schema:  wire.Schema{{Name: "rev", Kind: wire.FNumber}},
		Process: cmdRevPropList,
	})
	Register("get-iprops", Handler{
		Schema:  wire.Schema{{Name: "path", Kind: wire.FString}, wire.Opt("rev", wire.FNumber)},
		Process: cmdGetIProps,
	})
	Register("reparent", Handler{
		Schema:  wire.Schema{{Name: "url", Kind: wire.FString}},
		Process: cmdReparent,
	})
	Register("lock", Handler{
		Schema: wire.Schema{
			{Name: "path", Kind: wire.FString},
			wire.Opt("comment", wire.FString),
			{Name: "steal", Kind: wire.FBool},
			wire.Opt("current-rev", wire.FNumber),
		},
		Process: cmdLock,
	})
	Register("unlock", Handler{
		Schema: wire.Schema{
			{Name: "path", Kind: wire.FString},
			wire.Opt("token", wire.FString),
			{Name: "break", Kind: wire.FBool},
		},
		Process: cmdUnlock,
	})
	Register("get-lock", Handler{
		Schema:  wire.Schema{{Name: "path", Kind: wire.FString}},
		Process: cmdGetLock,
	})
	Register("get-locks", Handler{
		Schema:  wire.Schema{{Name: "path", Kind: wire.FString}},
		Process: cmdGetLocks,
	})
	lockTargetSchema := wire.Schema{
		{Name: "path", Kind: wire.FString},
		wire.Opt("current-rev", wire.FNumber),
	}
	unlockTargetSchema := wire.Schema{
		{Name: "path", Kind: wire.FString},
		wire.Opt("token", wire.FString),
	}
	Register("lock-many", Handler{
		Schema: wire.Schema{
			wire.Opt("comment", wire.FString),
			{Name: "steal", Kind: wire.FBool},
			{Name: "targets", Kind: wire.FListOf, Elem: &wire.Field{Kind: wire.FSubRecord, Sub: lockTargetSchema}},
		},
		Process: cmdLockMany,
	})
	Register("unlock-many", Handler{
		Schema: wire.Schema{
			{Name: "break", Kind: wire.FBool},
			{Name: "targets", Kind: wire.FListOf, Elem: &wire.Field{Kind: wire.FSubRecord, Sub: unlockTargetSchema}},
		},
		Process: cmdUnlockMany,
	})
}

func revArg(args wire.Record, s *Session) repo.Revision {
	if v, ok := args["rev"]; ok {
		return repo.Revision(v.(int64))
	}
	return s.Branch.Latest()
}

func cmdGetLatestRev(s *Session, _ wire.Record) error {
	rev := s.Branch.Latest()
	return s.WriteSuccess(func(w *wire.Writer) error { return w.Number(int64(rev)) })
}

func cmdGetDatedRev(s *Session, args wire.Record) error {
	// The commit walk needed to honour an arbitrary RFC date is provided
	// by repo.Branch via its commit timestamps; here we walk from the
	// tip backward to the newest commit not younger than the requested
	// date.
	dateStr := args["date"].(string)
	target, err := time.Parse(time.RFC3339, dateStr)
	if err != nil {
		return wire.NewError(wire.ErrMalformedFile, "malformed date %q", dateStr)
	}
	latest := s.Branch.Latest()
	for r := latest; r >= 1; r-- {
		id, ok := s.Branch.CommitAt(r)
		if !ok {
			break
		}
		c, err := s.Repo.Store.Commit(id)
		if err != nil {
			return err
		}
		if time.Unix(c.Committer.When, 0).Before(target) || time.Unix(c.Committer.When, 0).Equal(target) {
			return s.WriteSuccess(func(w *wire.Writer) error { return w.Number(int64(r)) })
		}
	}
	return s.WriteSuccess(func(w *wire.Writer) error { return w.Number(0) })
}

func (s *Session) view(rev repo.Revision) *repo.View {
	v := repo.NewView(s.Branch, rev, s.Repo.Pipeline, s.Repo.History, AllowAllAdapter{}, s.User)
	if s.Repo.Classifier != nil {
		v.SetClassifier(s.Repo.Classifier)
	}
	return v
}

// AllowAllAdapter bridges repo.AccessChecker until an embedding layer
// supplies its own access-control oracle.
type AllowAllAdapter struct{}

func (AllowAllAdapter) CanRead(string, string, repo.Revision) bool { return true }

func kindWord(k repo.Kind) string {
	switch k {
	case repo.KindDir:
		return "dir"
	case repo.KindFile, repo.KindSymlink:
		return "file"
	default:
		return "none"
	}
}

func cmdCheckPath(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	rev := revArg(args, s)
	ent, err := s.view(rev).Stat(path)
	if err != nil {
		return err
	}
	return s.WriteSuccess(func(w *wire.Writer) error { return w.Word(kindWord(ent.Kind)) })
}

func cmdStat(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	rev := revArg(args, s)
	ent, err := s.view(rev).Stat(path)
	if err != nil {
		return err
	}
	return s.WriteSuccess(func(w *wire.Writer) error {
		if ent.Kind == repo.KindAbsent || ent.Kind == repo.KindForbidden {
			if err := w.ListStart(); err != nil {
				return err
			}
			return w.ListEnd()
		}
		if err := w.ListStart(); err != nil {
			return err
		}
		w.ListStart()
		w.Word(kindWord(ent.Kind))
		w.Number(ent.Size)
		w.Bool(len(ent.Properties) > 0)
		w.Number(int64(ent.LastChangeRev))
		w.Number(ent.Date)
		w.String(ent.Author)
		return w.ListEnd()
	})
}

func cmdGetDir(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	rev := revArg(args, s)
	v := s.view(rev)
	entries, err := v.List(path)
	if err != nil {
		return err
	}
	return s.WriteSuccess(func(w *wire.Writer) error {
		if err := w.Number(int64(rev)); err != nil {
			return err
		}
		if err := w.ListStart(); err != nil { // props
			return err
		}
		if err := w.ListEnd(); err != nil {
			return err
		}
		if err := w.ListStart(); err != nil { // dirents
			return err
		}
		for _, e := range entries {
			childPath := joinRel(path, e.Name)
			childEnt, err := v.Stat(childPath)
			if err != nil {
				return err
			}
			w.ListStart()
			w.String(e.Name)
			w.Word(kindWord(childEnt.Kind))
			w.Number(childEnt.Size)
			w.Bool(len(childEnt.Properties) > 0)
			w.Number(int64(childEnt.LastChangeRev))
			w.String(childEnt.Author)
			w.ListEnd()
		}
		return w.ListEnd()
	})
}

func joinRel(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}

func cmdGetFile(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	rev := revArg(args, s)
	wantContents := args["want-contents"].(bool)
	v := s.view(rev)
	ent, err := v.Stat(path)
	if err != nil {
		return err
	}
	if ent.Kind == repo.KindAbsent || ent.Kind == repo.KindForbidden {
		return wire.NewError(wire.ErrFSNotFound, "file not found: %s", path)
	}
	if err := s.WriteSuccess(func(w *wire.Writer) error {
		w.String(ent.MD5)
		w.Number(int64(rev))
		w.ListStart()
		w.ListEnd()
		return nil
	}); err != nil {
		return err
	}
	if !wantContents {
		return nil
	}
	content, err := v.ReadContent(path)
	if err != nil {
		return err
	}
	for len(content) > 0 {
		n := len(content)
		if n > 32*1024 {
			n = 32 * 1024
		}
		if err := s.W.ByteString(content[:n]); err != nil {
			return err
		}
		content = content[n:]
	}
	if err := s.W.String(""); err != nil {
		return err
	}
	return s.W.Flush()
}

func cmdGetLocations(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	revs := args["revs"].([]interface{})
	return s.WriteSuccess(func(w *wire.Writer) error {
		for _, rv := range revs {
			r := repo.Revision(rv.(int64))
			id, err := s.Repo.History.LastChange(s.Branch, path, r)
			if err != nil {
				return err
			}
			if id < 0 {
				continue
			}
			w.ListStart()
			w.Number(int64(r))
			w.String(path)
			w.ListEnd()
		}
		return nil
	})
}

func cmdGetLocationSegments(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	peg := s.Branch.Latest()
	if v, ok := args["peg-rev"]; ok {
		peg = repo.Revision(v.(int64))
	}
	start := repo.Revision(1)
	if v, ok := args["start-rev"]; ok {
		start = repo.Revision(v.(int64))
	}
	segs, err := s.Repo.History.LocationSegments(s.Branch, path, peg, start)
	if err != nil {
		return err
	}
	return s.WriteSuccess(func(w *wire.Writer) error {
		for _, seg := range segs {
			w.ListStart()
			w.Number(int64(seg.RangeStart))
			w.Number(int64(seg.RangeEnd))
			w.String(seg.Path)
			w.ListEnd()
		}
		return nil
	})
}

// cmdLog drives the log command's own "stream entries then done"
// convention (the same shape as lock-many/unlock-many below) rather
// than a single success envelope, since the number of matching
// revisions isn't known up front.
func cmdLog(s *Session, args wire.Record) error {
	var paths []string
	for _, t := range args["targets"].([]interface{}) {
		paths = append(paths, normPath(t.(string)))
	}
	end := s.Branch.Latest()
	if v, ok := args["end-rev"]; ok {
		end = repo.Revision(v.(int64))
	}
	start := repo.Revision(1)
	if v, ok := args["start-rev"]; ok {
		start = repo.Revision(v.(int64))
	}
	lo, hi := start, end
	if lo > hi {
		lo, hi = hi, lo
	}
	var limit int64
	if v, ok := args["limit"]; ok {
		limit = v.(int64)
	}
	changedPaths := args["changed-paths"].(bool)

	var count int64
	for r := hi; r >= lo && r >= 1; r-- {
		matched, err := logPathsChangedAt(s, paths, r)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		if err := writeLogEntry(s, r, changedPaths); err != nil {
			return err
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	s.W.Word("done")
	if err := s.W.Flush(); err != nil {
		return err
	}
	return s.WriteSuccess(nil)
}

// logPathsChangedAt reports whether revision r changed any of paths
// (or is unconditionally included when no targets were given).
func logPathsChangedAt(s *Session, paths []string, r repo.Revision) (bool, error) {
	if len(paths) == 0 {
		return true, nil
	}
	for _, p := range paths {
		last, err := s.Repo.History.LastChange(s.Branch, p, r)
		if err != nil {
			return false, err
		}
		if last == r {
			return true, nil
		}
	}
	return false, nil
}

func writeLogEntry(s *Session, r repo.Revision, wantChangedPaths bool) error {
	id, ok := s.Branch.CommitAt(r)
	if !ok {
		return wire.NewError(wire.ErrFSNotFound, "no such revision %d", r)
	}
	c, err := s.Repo.Store.Commit(id)
	if err != nil {
		return err
	}
	w := s.W
	if err := w.ListStart(); err != nil {
		return err
	}
	if err := w.ListStart(); err != nil { // changed-paths
		return err
	}
	if wantChangedPaths {
		cps, err := s.Repo.History.ChangedPaths(s.Branch, r)
		if err != nil {
			return err
		}
		for _, cp := range cps {
			w.ListStart()
			w.String(cp.Path)
			w.Word(string(cp.Action))
			w.ListEnd()
		}
	}
	if err := w.ListEnd(); err != nil {
		return err
	}
	w.Number(int64(r))
	w.String(c.Committer.Name)
	w.String(time.Unix(c.Committer.When, 0).UTC().Format(time.RFC3339))
	w.String(c.Message)
	w.Bool(false) // has-children: no merge-revision nesting (Non-goals: no merging)
	return w.ListEnd()
}

func cmdRevProp(s *Session, args wire.Record) error {
	rev := repo.Revision(args["rev"].(int64))
	name := args["name"].(string)
	id, ok := s.Branch.CommitAt(rev)
	if !ok {
		return wire.NewError(wire.ErrFSNotFound, "no such revision %d", rev)
	}
	c, err := s.Repo.Store.Commit(id)
	if err != nil {
		return err
	}
	val, ok := revisionProperty(c, name)
	return s.WriteSuccess(func(w *wire.Writer) error {
		if !ok {
			return nil
		}
		return w.String(val)
	})
}

func cmdRevPropList(s *Session, args wire.Record) error {
	rev := repo.Revision(args["rev"].(int64))
	id, ok := s.Branch.CommitAt(rev)
	if !ok {
		return wire.NewError(wire.ErrFSNotFound, "no such revision %d", rev)
	}
	c, err := s.Repo.Store.Commit(id)
	if err != nil {
		return err
	}
	return s.WriteSuccess(func(w *wire.Writer) error {
		w.ListStart()
		for _, name := range []string{"svn:author", "svn:date", "svn:log"} {
			if v, ok := revisionProperty(c, name); ok {
				w.String(name)
				w.String(v)
			}
		}
		return w.ListEnd()
	})
}

func revisionProperty(c *store.Commit, name string) (string, bool) {
	switch name {
	case "svn:author":
		return c.Committer.Name, true
	case "svn:date":
		return time.Unix(c.Committer.When, 0).UTC().Format(time.RFC3339), true
	case "svn:log":
		return c.Message, true
	}
	return "", false
}

func cmdGetIProps(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	rev := revArg(args, s)
	inherited, err := s.view(rev).InheritedProperties(path)
	if err != nil {
		return err
	}
	return s.WriteSuccess(func(w *wire.Writer) error {
		w.ListStart()
		for p, props := range inherited {
			w.ListStart()
			w.String(p)
			w.ListStart()
			for k, v := range props {
				w.String(k)
				w.String(v)
			}
			w.ListEnd()
			w.ListEnd()
		}
		return w.ListEnd()
	})
}

func cmdReparent(s *Session, args wire.Record) error {
	url := args["url"].(string)
	u, err := parseURL(url)
	if err != nil {
		return wire.NewError(wire.ErrRANotAuthorized, "malformed url %q", url)
	}
	resolved, err := s.Shared.Mapper.Resolve(u.RepositoryPath)
	if err != nil {
		return wire.NewError(wire.ErrFSNotFound, "no such repository for %q", url)
	}
	branch, err := s.Repo.Branch(resolved.Branch)
	if err != nil {
		return err
	}
	s.Branch = branch
	s.RootPath = resolved.RootPath
	s.ParentPath = u.RepositoryPath
	return s.WriteSuccess(nil)
}

func cmdLock(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	comment, _ := args["comment"].(string)
	steal := args["steal"].(bool)
	created, err := s.Repo.Locks.Lock(s.User, []string{path}, comment, steal, s.Branch.Name, time.Now().Unix())
	if err != nil {
		return wire.NewError(wire.ErrFSPathAlreadyLocked, "%s", err.Error())
	}
	d := created[0]
	return s.WriteSuccess(func(w *wire.Writer) error { return writeLockRecord(w, d) })
}

func cmdUnlock(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	token, _ := args["token"].(string)
	breakLock := args["break"].(bool)
	if err := s.Repo.Locks.Unlock(path, token, breakLock); err != nil {
		return wire.NewError(wire.ErrFSNoSuchLock, "%s", err.Error())
	}
	return s.WriteSuccess(nil)
}

func cmdGetLock(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	d, ok := s.Repo.Locks.GetLock(path)
	return s.WriteSuccess(func(w *wire.Writer) error {
		if !ok {
			return nil
		}
		return writeLockRecord(w, d)
	})
}

func cmdGetLocks(s *Session, args wire.Record) error {
	path := normPath(args["path"].(string))
	descs := s.Repo.Locks.GetLocks(path)
	return s.WriteSuccess(func(w *wire.Writer) error {
		w.ListStart()
		for _, d := range descs {
			if err := writeLockRecord(w, d); err != nil {
				return err
			}
		}
		return w.ListEnd()
	})
}

func cmdLockMany(s *Session, args wire.Record) error {
	comment, _ := args["comment"].(string)
	steal := args["steal"].(bool)
	targets := args["targets"].([]interface{})
	now := time.Now().Unix()
	for _, t := range targets {
		rec := t.(wire.Record)
		path := normPath(rec["path"].(string))
		created, err := s.Repo.Locks.Lock(s.User, []string{path}, comment, steal, s.Branch.Name, now)
		if err != nil {
			s.W.Word(path)
			s.W.ListStart()
			s.W.Word("failure")
			s.W.ListStart()
			s.W.Number(int64(wire.ErrFSPathAlreadyLocked))
			s.W.String(err.Error())
			s.W.ListEnd()
			s.W.ListEnd()
			continue
		}
		s.W.Word(path)
		s.W.ListStart()
		s.W.Word("success")
		s.W.ListStart()
		writeLockRecord(s.W, created[0])
		s.W.ListEnd()
		s.W.ListEnd()
	}
	s.W.Word("done")
	if err := s.W.Flush(); err != nil {
		return err
	}
	return s.WriteSuccess(nil)
}

func cmdUnlockMany(s *Session, args wire.Record) error {
	breakLock := args["break"].(bool)
	targets := args["targets"].([]interface{})
	for _, t := range targets {
		rec := t.(wire.Record)
		path := normPath(rec["path"].(string))
		token, _ := rec["token"].(string)
		err := s.Repo.Locks.Unlock(path, token, breakLock)
		s.W.Word(path)
		s.W.ListStart()
		if err != nil {
			s.W.Word("failure")
			s.W.ListStart()
			s.W.Number(int64(wire.ErrFSNoSuchLock))
			s.W.String(err.Error())
			s.W.ListEnd()
		} else {
			s.W.Word("success")
			s.W.ListStart()
			s.W.ListEnd()
		}
		s.W.ListEnd()
	}
	s.W.Word("done")
	if err := s.W.Flush(); err != nil {
		return err
	}
	return s.WriteSuccess(nil)
}

func writeLockRecord(w *wire.Writer, d locks.Descriptor) error {
	if err := w.ListStart(); err != nil {
		return err
	}
	w.String(d.Path)
	w.String(d.Token)
	w.String(d.Owner)
	w.String(d.Comment)
	w.Number(d.Created)
	return w.ListEnd()
}

func normPath(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
