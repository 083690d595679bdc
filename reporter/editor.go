package reporter

import (
	"fmt"

	"github.com/rcowham/gitsvnbridge/wire"
)

// EditorWriter emits the tagged editor-command stream: a sequence of
// typed operations against directory/file
// tokens the client allocates meaning for as it receives them. Tokens
// here are simple incrementing strings ("t1", "t2", ...); real clients
// only ever treat them as opaque.
type EditorWriter struct {
	w       *wire.Writer
	nextTok int
}

func NewEditorWriter(w *wire.Writer) *EditorWriter {
	return &EditorWriter{w: w}
}

func (e *EditorWriter) NewToken() string {
	e.nextTok++
	return fmt.Sprintf("t%d", e.nextTok)
}

func (e *EditorWriter) cmd(name string, fn func() error) error {
	if err := e.w.ListStart(); err != nil {
		return err
	}
	if err := e.w.Word(name); err != nil {
		return err
	}
	if err := e.w.ListStart(); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	if err := e.w.ListEnd(); err != nil {
		return err
	}
	return e.w.ListEnd()
}

func (e *EditorWriter) OpenRoot(rev int64, rootToken string) error {
	return e.cmd("open-root", func() error {
		e.w.Number(rev)
		return e.w.Word(rootToken)
	})
}

func (e *EditorWriter) AddDir(name, parentToken, childToken string, copyFromPath string, copyFromRev int64, hasCopyFrom bool) error {
	return e.cmd("add-dir", func() error {
		e.w.String(name)
		e.w.Word(parentToken)
		e.w.Word(childToken)
		if hasCopyFrom {
			e.w.String(copyFromPath)
			e.w.Number(copyFromRev)
		}
		return nil
	})
}

func (e *EditorWriter) OpenDir(name, parentToken, childToken string, oldRev int64) error {
	return e.cmd("open-dir", func() error {
		e.w.String(name)
		e.w.Word(parentToken)
		e.w.Word(childToken)
		return e.w.Number(oldRev)
	})
}

func (e *EditorWriter) AbsentDir(name, parentToken string) error {
	return e.cmd("absent-dir", func() error {
		e.w.String(name)
		return e.w.Word(parentToken)
	})
}

func (e *EditorWriter) AbsentFile(name, parentToken string) error {
	return e.cmd("absent-file", func() error {
		e.w.String(name)
		return e.w.Word(parentToken)
	})
}

func (e *EditorWriter) DeleteEntry(path string, oldRev int64, parentToken string) error {
	return e.cmd("delete-entry", func() error {
		e.w.String(path)
		e.w.Number(oldRev)
		return e.w.Word(parentToken)
	})
}

func (e *EditorWriter) AddFile(name, parentToken, fileToken string, copyFromPath string, copyFromRev int64, hasCopyFrom bool) error {
	return e.cmd("add-file", func() error {
		e.w.String(name)
		e.w.Word(parentToken)
		e.w.Word(fileToken)
		if hasCopyFrom {
			e.w.String(copyFromPath)
			e.w.Number(copyFromRev)
		}
		return nil
	})
}

func (e *EditorWriter) OpenFile(name, parentToken, fileToken string, oldRev int64) error {
	return e.cmd("open-file", func() error {
		e.w.String(name)
		e.w.Word(parentToken)
		e.w.Word(fileToken)
		return e.w.Number(oldRev)
	})
}

func (e *EditorWriter) ChangeFileProp(fileToken, name, value string) error {
	return e.cmd("change-file-prop", func() error {
		e.w.Word(fileToken)
		e.w.String(name)
		return e.w.String(value)
	})
}

func (e *EditorWriter) ChangeDirProp(dirToken, name, value string) error {
	return e.cmd("change-dir-prop", func() error {
		e.w.Word(dirToken)
		e.w.String(name)
		return e.w.String(value)
	})
}

func (e *EditorWriter) ApplyTextDelta(fileToken string, baseMD5 string) error {
	return e.cmd("apply-textdelta", func() error {
		e.w.Word(fileToken)
		if baseMD5 != "" {
			e.w.String(baseMD5)
		}
		return nil
	})
}

func (e *EditorWriter) TextDeltaChunk(fileToken string, chunk []byte) error {
	return e.cmd("textdelta-chunk", func() error {
		e.w.Word(fileToken)
		return e.w.ByteString(chunk)
	})
}

func (e *EditorWriter) TextDeltaEnd(fileToken string) error {
	return e.cmd("textdelta-end", func() error { return e.w.Word(fileToken) })
}

func (e *EditorWriter) CloseFile(fileToken, md5 string) error {
	return e.cmd("close-file", func() error {
		e.w.Word(fileToken)
		if md5 != "" {
			e.w.String(md5)
		}
		return nil
	})
}

func (e *EditorWriter) CloseDir(dirToken string) error {
	return e.cmd("close-dir", func() error { return e.w.Word(dirToken) })
}

func (e *EditorWriter) CloseEdit() error {
	if err := e.cmd("close-edit", nil); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *EditorWriter) AbortEdit() error {
	if err := e.cmd("abort-edit", nil); err != nil {
		return err
	}
	return e.w.Flush()
}
