package reporter

import (
	dmp "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/rcowham/gitsvnbridge/wire"
)

// maxChunk bounds a single textdelta-chunk byte-string so a huge file
// change doesn't force one oversized wire token (the wire reader's
// 10MiB per-token ceiling, with room to spare).
const maxChunk = 1 << 20

// TextDelta renders the byte-level difference between base and target as
// a sequence of copy/insert instructions and frames them as a svndiff
// window stream. The diff engine itself is sergi/go-diff's Myers
// implementation operating over the raw bytes, each mapped to one rune
// (see Encode); binary-safe because no byte is ever decoded as UTF-8.
type TextDelta struct {
	dmp *dmp.DiffMatchPatch

	// Compress emits svndiff1 with deflated sections instead of plain
	// svndiff0; set only when the client negotiated the svndiff1
	// capability in the greeting.
	Compress bool
}

func NewTextDelta() *TextDelta {
	return &TextDelta{dmp: dmp.New()}
}

// Instr is one copy/insert step reconstructing target from base: a copy
// from base (Insert==nil) or a literal insert (Insert!=nil).
type Instr struct {
	CopyOffset int
	CopyLen    int
	Insert     []byte
}

func (t *TextDelta) Encode(base, target []byte) []Instr {
	// Each byte becomes one rune in 0..255, so lengths below count bytes
	// and content that is not valid UTF-8 passes through unchanged.
	runesOf := func(b []byte) []rune {
		r := make([]rune, len(b))
		for i, c := range b {
			r[i] = rune(c)
		}
		return r
	}
	diffs := t.dmp.DiffMainRunes(runesOf(base), runesOf(target), false)
	var out []Instr
	offset := 0
	for _, d := range diffs {
		rs := []rune(d.Text)
		switch d.Type {
		case dmp.DiffEqual:
			out = append(out, Instr{CopyOffset: offset, CopyLen: len(rs)})
			offset += len(rs)
		case dmp.DiffDelete:
			offset += len(rs)
		case dmp.DiffInsert:
			raw := make([]byte, len(rs))
			for i, r := range rs {
				raw[i] = byte(r)
			}
			out = append(out, Instr{Insert: raw})
		}
	}
	return out
}

// StreamWindow writes one complete textdelta exchange (apply-textdelta,
// N textdelta-chunk frames, textdelta-end) for target against base: the
// Myers instructions are framed as a svndiff window stream, which is
// then chunked to maxChunk. A nil base (full-text add) encodes target
// as a single new-data window.
func (t *TextDelta) StreamWindow(e *EditorWriter, fileToken string, baseMD5 string, base, target []byte) error {
	if err := e.ApplyTextDelta(fileToken, baseMD5); err != nil {
		return err
	}
	instrs := t.Encode(base, target)
	wireInstrs := make([]wire.SvnDiffInstr, 0, len(instrs))
	for _, in := range instrs {
		wireInstrs = append(wireInstrs, wire.SvnDiffInstr{CopyOffset: in.CopyOffset, CopyLen: in.CopyLen, Insert: in.Insert})
	}
	stream, err := wire.EncodeSvnDiff(len(base), len(target), wireInstrs, t.Compress)
	if err != nil {
		return err
	}
	for len(stream) > 0 {
		n := len(stream)
		if n > maxChunk {
			n = maxChunk
		}
		if err := e.TextDeltaChunk(fileToken, stream[:n]); err != nil {
			return err
		}
		stream = stream[n:]
	}
	return e.TextDeltaEnd(fileToken)
}
