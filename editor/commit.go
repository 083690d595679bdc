// Package editor self-registers "commit" into the session command
// registry, implementing the write path: it reads the same tagged
// editor-command stream reporter emits for reads, this time driven by
// the client describing a change.
package editor

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/rcowham/gitsvnbridge/repo"
	"github.com/rcowham/gitsvnbridge/session"
	"github.com/rcowham/gitsvnbridge/store"
	"github.com/rcowham/gitsvnbridge/wire"
)

func init() {
	session.Register("commit", session.Handler{Schema: commitSchema, Process: cmdCommit})
}

var lockTokenSchema = wire.Schema{
	{Name: "path", Kind: wire.FString},
	{Name: "token", Kind: wire.FString},
}

var commitSchema = wire.Schema{
	{Name: "log-message", Kind: wire.FString},
	{Name: "lock-tokens", Kind: wire.FListOf, Elem: &wire.Field{Kind: wire.FSubRecord, Sub: lockTokenSchema}},
	wire.Opt("keep-locks", wire.FBool),
}

var addDirSchema = wire.Schema{
	{Name: "name", Kind: wire.FString},
	{Name: "parent-token", Kind: wire.FWord},
	{Name: "child-token", Kind: wire.FWord},
	wire.Opt("copyfrom-path", wire.FString),
	wire.Opt("copyfrom-rev", wire.FNumber),
}

var openDirSchema = wire.Schema{
	{Name: "name", Kind: wire.FString},
	{Name: "parent-token", Kind: wire.FWord},
	{Name: "child-token", Kind: wire.FWord},
	{Name: "base-rev", Kind: wire.FNumber},
}

var deleteEntrySchema = wire.Schema{
	{Name: "path", Kind: wire.FString},
	wire.Opt("base-rev", wire.FNumber),
	{Name: "parent-token", Kind: wire.FWord},
}

var addFileSchema = wire.Schema{
	{Name: "name", Kind: wire.FString},
	{Name: "parent-token", Kind: wire.FWord},
	{Name: "file-token", Kind: wire.FWord},
	wire.Opt("copyfrom-path", wire.FString),
	wire.Opt("copyfrom-rev", wire.FNumber),
}

var openFileSchema = wire.Schema{
	{Name: "name", Kind: wire.FString},
	{Name: "parent-token", Kind: wire.FWord},
	{Name: "file-token", Kind: wire.FWord},
	{Name: "base-rev", Kind: wire.FNumber},
}

var propSchema = wire.Schema{
	{Name: "token", Kind: wire.FWord},
	{Name: "name", Kind: wire.FString},
	{Name: "value", Kind: wire.FString},
}

var applyTextDeltaSchema = wire.Schema{
	{Name: "file-token", Kind: wire.FWord},
	wire.Opt("base-checksum", wire.FString),
}

var textDeltaChunkSchema = wire.Schema{
	{Name: "file-token", Kind: wire.FWord},
	{Name: "chunk", Kind: wire.FString},
}

var textDeltaEndSchema = wire.Schema{
	{Name: "file-token", Kind: wire.FWord},
}

var closeFileSchema = wire.Schema{
	{Name: "file-token", Kind: wire.FWord},
	wire.Opt("text-checksum", wire.FString),
}

var closeDirSchema = wire.Schema{
	{Name: "dir-token", Kind: wire.FWord},
}

var openRootSchema = wire.Schema{
	wire.Opt("rev", wire.FNumber),
	{Name: "root-token", Kind: wire.FWord},
}

// txn is the per-commit working state threaded through the editor-stream
// step loop: the overlay tree under construction, the pending text
// buffers keyed by file token (accumulated across textdelta-chunk
// frames), and the commit's declared metadata.
type txn struct {
	overlay      *Overlay
	pending      map[string]*bytes.Buffer
	author       string
	logMessage   string
	lockTokens   map[string]string
	keepLocks    bool
	touchedPaths []string
}

func cmdCommit(s *session.Session, rec wire.Record) error {
	logMessage := rec["log-message"].(string)
	lockTokens := map[string]string{}
	for _, item := range rec["lock-tokens"].([]interface{}) {
		pair := item.(wire.Record)
		lockTokens[pair["path"].(string)] = pair["token"].(string)
	}

	keepLocks := false
	if v, ok := rec["keep-locks"]; ok {
		keepLocks = v.(bool)
	}

	s.Branch.WriteLock.Lock()
	t := &txn{
		overlay:    NewOverlay(s.Repo.Store),
		pending:    map[string]*bytes.Buffer{},
		author:     s.User,
		logMessage: logMessage,
		lockTokens: lockTokens,
		keepLocks:  keepLocks,
	}

	var step session.Step
	step = func(s *session.Session) error {
		if err := s.R.ListStart(); err != nil {
			s.Branch.WriteLock.Unlock()
			return err
		}
		word, err := s.R.Word()
		if err != nil {
			s.Branch.WriteLock.Unlock()
			return err
		}
		done, err := dispatchEditorCommand(s, t, word)
		if err != nil {
			s.Branch.WriteLock.Unlock()
			return wrapEditorError(err)
		}
		// dispatchEditorCommand only consumes the command's own argument
		// list; close the outer "( word ( args ) )" wrapper this step
		// opened above.
		if err := s.R.ListEnd(); err != nil {
			s.Branch.WriteLock.Unlock()
			return err
		}
		if done {
			s.Branch.WriteLock.Unlock()
			return nil
		}
		s.Push(step)
		return nil
	}
	s.Push(step)
	return nil
}

// wrapEditorError turns a plain error from overlay construction into a
// semantic failure the session reports to the client rather than a
// fatal transport drop; a malformed edit stream is recoverable.
func wrapEditorError(err error) error {
	if _, ok := err.(*wire.Error); ok {
		return err
	}
	return wire.NewError(wire.ErrMalformedFile, "%s", err.Error())
}

func dispatchEditorCommand(s *session.Session, t *txn, word string) (done bool, err error) {
	switch word {
	case "open-root":
		rec, err := wire.ReadRecord(s.R, openRootSchema)
		if err != nil {
			return false, err
		}
		baseRev := s.Branch.Latest()
		if v, ok := rec["rev"]; ok {
			baseRev = revFromInt(v.(int64))
		}
		baseTree, err := s.Branch.TreeAt(baseRev)
		if err != nil {
			return false, err
		}
		t.overlay.OpenRoot(rec["root-token"].(string), baseTree.ID)
		return false, nil
	case "add-dir":
		rec, err := wire.ReadRecord(s.R, addDirSchema)
		if err != nil {
			return false, err
		}
		return false, t.overlay.AddDir(rec["parent-token"].(string), rec["name"].(string), rec["child-token"].(string))
	case "open-dir":
		rec, err := wire.ReadRecord(s.R, openDirSchema)
		if err != nil {
			return false, err
		}
		baseID, _, err := t.overlay.ResolveBaseEntry(rec["name"].(string), rec["parent-token"].(string))
		if err != nil {
			return false, err
		}
		return false, t.overlay.OpenDir(rec["parent-token"].(string), rec["name"].(string), rec["child-token"].(string), baseID)
	case "delete-entry":
		rec, err := wire.ReadRecord(s.R, deleteEntrySchema)
		if err != nil {
			return false, err
		}
		t.touchedPaths = append(t.touchedPaths, rec["path"].(string))
		return false, t.overlay.DeleteEntry(rec["parent-token"].(string), lastSegment(rec["path"].(string)))
	case "absent-dir", "absent-file":
		_, err := wire.ReadRecord(s.R, wire.Schema{})
		return false, err
	case "add-file":
		rec, err := wire.ReadRecord(s.R, addFileSchema)
		if err != nil {
			return false, err
		}
		return false, t.overlay.AddFile(rec["parent-token"].(string), rec["name"].(string), rec["file-token"].(string))
	case "open-file":
		rec, err := wire.ReadRecord(s.R, openFileSchema)
		if err != nil {
			return false, err
		}
		baseID, baseMode, err := t.overlay.ResolveBaseEntry(rec["name"].(string), rec["parent-token"].(string))
		if err != nil {
			return false, err
		}
		if err := t.overlay.OpenFile(rec["parent-token"].(string), rec["name"].(string), rec["file-token"].(string), baseID, baseMode); err != nil {
			return false, err
		}
		full, err := t.overlay.PathOf(rec["file-token"].(string))
		if err != nil {
			return false, err
		}
		t.touchedPaths = append(t.touchedPaths, full)
		return false, nil
	case "change-dir-prop":
		rec, err := wire.ReadRecord(s.R, propSchema)
		if err != nil {
			return false, err
		}
		return false, t.overlay.ChangeDirProp(rec["token"].(string), rec["name"].(string), rec["value"].(string))
	case "change-file-prop":
		rec, err := wire.ReadRecord(s.R, propSchema)
		if err != nil {
			return false, err
		}
		return false, t.overlay.ChangeFileProp(rec["token"].(string), rec["name"].(string), rec["value"].(string))
	case "apply-textdelta":
		rec, err := wire.ReadRecord(s.R, applyTextDeltaSchema)
		if err != nil {
			return false, err
		}
		t.pending[rec["file-token"].(string)] = &bytes.Buffer{}
		return false, nil
	case "textdelta-chunk":
		rec, err := wire.ReadRecord(s.R, textDeltaChunkSchema)
		if err != nil {
			return false, err
		}
		buf, ok := t.pending[rec["file-token"].(string)]
		if !ok {
			return false, wire.NewError(wire.ErrMalformedFile, "textdelta-chunk for unopened file token")
		}
		buf.WriteString(rec["chunk"].(string))
		return false, nil
	case "textdelta-end":
		rec, err := wire.ReadRecord(s.R, textDeltaEndSchema)
		if err != nil {
			return false, err
		}
		tok := rec["file-token"].(string)
		buf := t.pending[tok]
		if buf != nil {
			base, err := t.overlay.BaseContent(tok)
			if err != nil {
				return false, err
			}
			content, err := wire.ApplySvnDiff(base, buf.Bytes())
			if err != nil {
				return false, err
			}
			if err := t.overlay.SetTextContent(tok, content); err != nil {
				return false, err
			}
		}
		return false, nil
	case "close-file":
		rec, err := wire.ReadRecord(s.R, closeFileSchema)
		if err != nil {
			return false, err
		}
		tok := rec["file-token"].(string)
		if want, ok := rec["text-checksum"]; ok {
			if content, ok := t.overlay.TextContent(tok); ok {
				sum := md5.Sum(content)
				got := hex.EncodeToString(sum[:])
				if got != want.(string) {
					return false, wire.NewError(wire.ErrChecksumMismatch,
						"checksum mismatch for %q: expected %s, got %s", tok, want.(string), got)
				}
			}
		}
		delete(t.pending, tok)
		return false, nil
	case "close-dir":
		_, err := wire.ReadRecord(s.R, closeDirSchema)
		return false, err
	case "close-edit":
		if _, err := wire.ReadRecord(s.R, wire.Schema{}); err != nil {
			return false, err
		}
		return true, finishCommit(s, t)
	case "abort-edit":
		if _, err := wire.ReadRecord(s.R, wire.Schema{}); err != nil {
			return false, err
		}
		return true, s.WriteSuccess(nil)
	default:
		_ = s.R.SkipItem()
		return false, wire.NewError(wire.ErrRASVNUnknownCmd, "unexpected editor command %q", word)
	}
}

func revFromInt(n int64) repo.Revision { return repo.Revision(n) }

func lastSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func finishCommit(s *session.Session, t *txn) error {
	if err := s.Repo.Locks.CheckOwnership(s.User, t.touchedPaths, t.lockTokens); err != nil {
		if s.User == "" {
			return wire.NewError(wire.ErrFSNoUser, "%s", err.Error())
		}
		return wire.NewError(wire.ErrFSLockOwnerMismatch, "%s", err.Error())
	}

	hooks := hookRunnerFor(s)
	if err := hooks.RunPreCommit(context.Background(), s.Repo.Name, s.Branch.Name, t.author, t.logMessage); err != nil {
		return wire.NewError(wire.ErrReposHookFailure, "%s", err.Error())
	}

	ins := s.Repo.Store.Inserter()
	newTreeID, err := t.overlay.Finalize(ins)
	if err != nil {
		return wire.NewError(wire.ErrMalformedFile, "%s", err.Error())
	}

	oldTip, _ := s.Repo.Store.Ref(s.Branch.Name)
	now := time.Now().Unix()
	sig := store.Signature{Name: t.author, Email: t.author, When: now}
	parents := []store.ObjectID{}
	if !oldTip.IsZero() {
		parents = []store.ObjectID{oldTip}
	}
	newCommit := &store.Commit{Parents: parents, Tree: newTreeID, Author: sig, Committer: sig, Message: t.logMessage}
	newCommitID, err := ins.WriteCommit(newCommit)
	if err != nil {
		return err
	}

	ok, err := ins.CompareAndSetRef(s.Branch.Name, oldTip, newCommitID)
	if err != nil {
		return err
	}
	if !ok {
		return wire.NewError(wire.ErrFSConflict, "branch %q was concurrently updated, retry the commit", s.Branch.Name)
	}
	newRev := s.Branch.Append(newCommitID)

	if err := hooks.RunPostCommit(context.Background(), s.Repo.Name, s.Branch.Name, int64(newRev)); err != nil {
		s.Log.WithError(err).Error("editor: post-commit hook failed")
	}

	if !t.keepLocks {
		for path, token := range t.lockTokens {
			if err := s.Repo.Locks.Unlock(path, token, false); err != nil {
				s.Log.WithError(err).Info("editor: post-commit unlock failed")
			}
		}
	}

	return s.WriteSuccess(func(w *wire.Writer) error {
		if err := w.Number(int64(newRev)); err != nil {
			return err
		}
		if err := w.Number(now); err != nil {
			return err
		}
		return w.String(t.author)
	})
}

// hookRunnerFor looks up the configured hook runner for s's repository.
// Repositories without one configured get a no-op.
func hookRunnerFor(s *session.Session) HookRunner {
	if v, ok := s.Shared.HookRunners[s.Repo.Name]; ok {
		if hr, ok := v.(HookRunner); ok {
			return hr
		}
	}
	return NoopHookRunner{}
}
