// Package reporter self-registers update, switch, diff, status, replay
// and replay-range into the session command registry from init(), the
// same pattern editor uses for commit — keeping session free of an
// import cycle back to its heaviest consumers.
package reporter

import (
	"github.com/rcowham/gitsvnbridge/repo"
	"github.com/rcowham/gitsvnbridge/session"
	"github.com/rcowham/gitsvnbridge/wire"
)

func init() {
	session.Register("update", session.Handler{Schema: updateSchema, Process: cmdUpdate})
	session.Register("switch", session.Handler{Schema: switchSchema, Process: cmdSwitch})
	session.Register("status", session.Handler{Schema: statusSchema, Process: cmdStatus})
	session.Register("diff", session.Handler{Schema: diffSchema, Process: cmdDiff})
	session.Register("replay", session.Handler{Schema: replaySchema, Process: cmdReplay})
	session.Register("replay-range", session.Handler{Schema: replayRangeSchema, Process: cmdReplayRange})
}

var updateSchema = wire.Schema{
	wire.Opt("rev", wire.FNumber),
	{Name: "target", Kind: wire.FString},
	{Name: "recurse", Kind: wire.FBool},
	wire.Opt("depth", wire.FWord),
	wire.Opt("send-copyfrom-args", wire.FBool),
	wire.Opt("ignore-ancestry", wire.FBool),
}

var switchSchema = wire.Schema{
	wire.Opt("rev", wire.FNumber),
	{Name: "target", Kind: wire.FString},
	{Name: "recurse", Kind: wire.FBool},
	{Name: "url", Kind: wire.FString},
	wire.Opt("depth", wire.FWord),
	wire.Opt("send-copyfrom-args", wire.FBool),
	wire.Opt("ignore-ancestry", wire.FBool),
}

var statusSchema = wire.Schema{
	{Name: "target", Kind: wire.FString},
	{Name: "recurse", Kind: wire.FBool},
	wire.Opt("rev", wire.FNumber),
	wire.Opt("depth", wire.FWord),
}

var diffSchema = wire.Schema{
	wire.Opt("rev", wire.FNumber),
	{Name: "target", Kind: wire.FString},
	{Name: "recurse", Kind: wire.FBool},
	{Name: "ignore-ancestry", Kind: wire.FBool},
	{Name: "url", Kind: wire.FString},
	{Name: "text-deltas", Kind: wire.FBool},
	wire.Opt("depth", wire.FWord),
}

var replaySchema = wire.Schema{
	{Name: "revision", Kind: wire.FNumber},
	{Name: "low-water-mark", Kind: wire.FNumber},
	{Name: "send-deltas", Kind: wire.FBool},
}

var replayRangeSchema = wire.Schema{
	{Name: "start-revision", Kind: wire.FNumber},
	{Name: "end-revision", Kind: wire.FNumber},
	{Name: "low-water-mark", Kind: wire.FNumber},
	{Name: "send-deltas", Kind: wire.FBool},
}

func optNumber(rec wire.Record, name string, def int64) int64 {
	if v, ok := rec[name]; ok {
		return v.(int64)
	}
	return def
}

func optBool(rec wire.Record, name string, def bool) bool {
	if v, ok := rec[name]; ok {
		return v.(bool)
	}
	return def
}

func optDepth(rec wire.Record) Depth {
	if v, ok := rec["depth"]; ok {
		return ParseDepth(v.(string))
	}
	return DepthInfinity
}

// viewOn builds a repo.View over b at revision r (b's latest revision
// if r < 0).
func viewOn(s *session.Session, b *repo.Branch, r int64) (*repo.View, error) {
	rev := repo.Revision(r)
	if r < 0 {
		rev = b.Latest()
	}
	v := repo.NewView(b, rev, s.Repo.Pipeline, s.Repo.History, nil, s.User)
	if s.Repo.Classifier != nil {
		v.SetClassifier(s.Repo.Classifier)
	}
	return v, nil
}

// engineOpts carries everything a report-driven command decided before
// the report phase started: the target revision and depth, whether text
// deltas and copy-from hints go out, and (for switch/diff) the branch
// and branch-relative root the new side is rebased onto.
type engineOpts struct {
	targetRev    int64
	reqDepth     Depth
	sendText     bool
	sendCopyfrom bool
	newBranch    *repo.Branch // nil: the session's branch
	newRoot      string       // branch-relative root of the new side
}

func runEngine(s *session.Session, opts engineOpts) func(s *session.Session, rep Report) error {
	return func(s *session.Session, rep Report) error {
		if rep.aborted {
			return s.WriteSuccess(nil)
		}
		newBranch := opts.newBranch
		if newBranch == nil {
			newBranch = s.Branch
		}
		newView, err := viewOn(s, newBranch, opts.targetRev)
		if err != nil {
			return err
		}
		// A report is always anchored on exactly one set-path for the
		// root in well-behaved clients; if the client never reported one
		// (e.g. a fresh checkout-as-update) the old side falls back to the
		// report's TargetRev, the command's target revision (the branch's
		// latest unless the command named one).
		oldRev := rep.RevisionAt("")
		oldView, err := viewOn(s, s.Branch, oldRev)
		if err != nil {
			return err
		}

		e := NewEditorWriter(s.W)
		td := NewTextDelta()
		td.Compress = s.Shared.CompressionEnabled && s.Capabilities[session.CapSvnDiff1]
		eng := &Engine{
			Branch:       newBranch,
			History:      s.Repo.History,
			Text:         td,
			SendText:     opts.sendText,
			SendCopyfrom: opts.sendCopyfrom,
			ReqDepth:     opts.reqDepth,
			OldRoot:      s.RootPath,
			NewRoot:      opts.newRoot,
			ViewAt: func(r repo.Revision) (*repo.View, error) {
				return viewOn(s, s.Branch, int64(r))
			},
		}
		if err := eng.Drive(e, oldRev, oldView, newView, rep); err != nil {
			if _, ok := err.(*wire.Error); ok {
				_ = e.AbortEdit()
			}
			return err
		}
		return readEditAck(s, e)
	}
}

// readEditAck consumes the client's post-close-edit reply: success()
// confirms the working copy applied the edit, failure carries back the
// client-side application errors, which are echoed after an abort-edit.
func readEditAck(s *session.Session, e *EditorWriter) error {
	if err := s.R.ListStart(); err != nil {
		return err
	}
	word, err := s.R.Word()
	if err != nil {
		return err
	}
	if word == "success" {
		if err := s.R.SkipItem(); err != nil {
			return err
		}
		if err := s.R.ListEnd(); err != nil {
			return err
		}
		return s.WriteSuccess(nil)
	}
	errs, err := readErrorRecords(s)
	if err != nil {
		return err
	}
	if err := s.R.ListEnd(); err != nil {
		return err
	}
	if err := e.AbortEdit(); err != nil {
		return err
	}
	return writeFailureList(s, errs)
}

// readErrorRecords parses "( ( code msg file line ) ... )".
func readErrorRecords(s *session.Session) ([]wire.Error, error) {
	if err := s.R.ListStart(); err != nil {
		return nil, err
	}
	var out []wire.Error
	for {
		it, err := s.R.NextItem()
		if err != nil {
			return nil, err
		}
		if it.Kind == wire.KindListEnd {
			return out, nil
		}
		if it.Kind != wire.KindListStart {
			return nil, &wire.FramingError{Reason: "expected error record list"}
		}
		code, err := s.R.Number()
		if err != nil {
			return nil, err
		}
		msg, err := s.R.ByteString()
		if err != nil {
			return nil, err
		}
		file, err := s.R.ByteString()
		if err != nil {
			return nil, err
		}
		line, err := s.R.Number()
		if err != nil {
			return nil, err
		}
		if err := s.R.ListEnd(); err != nil {
			return nil, err
		}
		out = append(out, wire.Error{Code: wire.Code(code), Message: string(msg), File: string(file), Line: int(line)})
	}
}

func writeFailureList(s *session.Session, errs []wire.Error) error {
	if err := s.W.ListStart(); err != nil {
		return err
	}
	s.W.Word("failure")
	s.W.ListStart()
	for _, e := range errs {
		s.W.ListStart()
		s.W.Number(int64(e.Code))
		s.W.String(e.Message)
		s.W.String(e.File)
		s.W.Number(int64(e.Line))
		s.W.ListEnd()
	}
	s.W.ListEnd()
	s.W.ListEnd()
	return s.W.Flush()
}

func cmdUpdate(s *session.Session, rec wire.Record) error {
	rev := optNumber(rec, "rev", int64(s.Branch.Latest()))
	depth := optDepth(rec)
	sendCopyfrom := optBool(rec, "send-copyfrom-args", false)
	base := Report{TargetRev: rev, TargetPath: rec["target"].(string), Depth: depth}
	ReadReport(s, base, runEngine(s, engineOpts{
		targetRev:    rev,
		reqDepth:     depth,
		sendText:     true,
		sendCopyfrom: sendCopyfrom,
		newRoot:      s.RootPath,
	}))
	return nil
}

func cmdSwitch(s *session.Session, rec wire.Record) error {
	rev := optNumber(rec, "rev", int64(s.Branch.Latest()))
	depth := optDepth(rec)
	sendCopyfrom := optBool(rec, "send-copyfrom-args", false)
	newBranch, newRoot, err := s.ResolveURL(rec["url"].(string))
	if err != nil {
		return wire.NewError(wire.ErrRAIllegalURL, "%s", err.Error())
	}
	base := Report{TargetRev: rev, TargetPath: rec["target"].(string), Depth: depth}
	ReadReport(s, base, runEngine(s, engineOpts{
		targetRev:    rev,
		reqDepth:     depth,
		sendText:     true,
		sendCopyfrom: sendCopyfrom,
		newBranch:    newBranch,
		newRoot:      newRoot,
	}))
	return nil
}

func cmdStatus(s *session.Session, rec wire.Record) error {
	rev := optNumber(rec, "rev", int64(s.Branch.Latest()))
	depth := optDepth(rec)
	base := Report{TargetRev: rev, TargetPath: rec["target"].(string), Depth: depth}
	ReadReport(s, base, runEngine(s, engineOpts{
		targetRev: rev,
		reqDepth:  depth,
		newRoot:   s.RootPath,
	}))
	return nil
}

func cmdDiff(s *session.Session, rec wire.Record) error {
	rev := optNumber(rec, "rev", int64(s.Branch.Latest()))
	depth := optDepth(rec)
	sendText := optBool(rec, "text-deltas", true)
	newBranch, newRoot, err := s.ResolveURL(rec["url"].(string))
	if err != nil {
		return wire.NewError(wire.ErrRAIllegalURL, "%s", err.Error())
	}
	base := Report{TargetRev: rev, TargetPath: rec["target"].(string), Depth: depth, TextDeltas: sendText}
	ReadReport(s, base, runEngine(s, engineOpts{
		targetRev: rev,
		reqDepth:  depth,
		sendText:  sendText,
		newBranch: newBranch,
		newRoot:   newRoot,
	}))
	return nil
}

// cmdReplay re-derives the edit stream that produced revision from its
// parent, without a client report: the "old" side is simply the
// revision's own first-parent, unconditionally (replay is used by
// mirroring tools rather than interactive clients).
func cmdReplay(s *session.Session, rec wire.Record) error {
	rev := rec["revision"].(int64)
	lwm := rec["low-water-mark"].(int64)
	sendDeltas := rec["send-deltas"].(bool)
	return replayOne(s, rev, lwm, sendDeltas)
}

func cmdReplayRange(s *session.Session, rec wire.Record) error {
	start := rec["start-revision"].(int64)
	end := rec["end-revision"].(int64)
	lwm := rec["low-water-mark"].(int64)
	sendDeltas := rec["send-deltas"].(bool)
	for r := start; r <= end; r++ {
		if err := replayOne(s, r, lwm, sendDeltas); err != nil {
			return err
		}
	}
	return s.WriteSuccess(nil)
}

func replayOne(s *session.Session, rev, lowWaterMark int64, sendDeltas bool) error {
	newView, err := viewOn(s, s.Branch, rev)
	if err != nil {
		return err
	}
	oldView, err := viewOn(s, s.Branch, rev-1)
	if err != nil {
		return err
	}
	e := NewEditorWriter(s.W)
	td := NewTextDelta()
	td.Compress = s.Shared.CompressionEnabled && s.Capabilities[session.CapSvnDiff1]
	eng := &Engine{
		Branch:       s.Branch,
		History:      s.Repo.History,
		Text:         td,
		SendText:     sendDeltas,
		SendCopyfrom: true,
		ReqDepth:     DepthInfinity,
		OldRoot:      s.RootPath,
		NewRoot:      s.RootPath,
		LowWaterMark: repo.Revision(lowWaterMark),
	}
	rep := Report{TargetRev: rev, Depth: DepthInfinity}
	return eng.Drive(e, rev-1, oldView, newView, rep)
}
