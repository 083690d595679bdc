package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSvnDiffIntRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 63, 64, 127, 128, 300, 1 << 20, 1 << 40} {
		buf := appendSvnDiffInt(nil, n)
		got, rest, err := readSvnDiffInt(buf)
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Empty(t, rest)
	}
}

func TestSvnDiffIntTruncated(t *testing.T) {
	_, _, err := readSvnDiffInt([]byte{0x80, 0x80})
	assert.Error(t, err)
}

func TestEncodeSvnDiffNewDataOnly(t *testing.T) {
	target := []byte("hello, world\n")
	stream, err := EncodeSvnDiff(0, len(target), []SvnDiffInstr{{Insert: target}}, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("SVN\x00"), stream[:4])

	rebuilt, err := ApplySvnDiff(nil, stream)
	require.NoError(t, err)
	assert.Equal(t, target, rebuilt)
}

func TestEncodeSvnDiffSourceCopyAndInsert(t *testing.T) {
	base := []byte("the quick brown fox\n")
	// "the quick " + "RED" + " fox\n"
	instrs := []SvnDiffInstr{
		{CopyOffset: 0, CopyLen: 10},
		{Insert: []byte("RED")},
		{CopyOffset: 15, CopyLen: 5},
	}
	target := []byte("the quick RED fox\n")
	stream, err := EncodeSvnDiff(len(base), len(target), instrs, false)
	require.NoError(t, err)

	rebuilt, err := ApplySvnDiff(base, stream)
	require.NoError(t, err)
	assert.Equal(t, target, rebuilt)
}

func TestEncodeSvnDiffLongCopyUsesExplicitLength(t *testing.T) {
	base := bytes.Repeat([]byte("z"), 1000)
	instrs := []SvnDiffInstr{{CopyOffset: 0, CopyLen: len(base)}}
	stream, err := EncodeSvnDiff(len(base), len(base), instrs, false)
	require.NoError(t, err)

	rebuilt, err := ApplySvnDiff(base, stream)
	require.NoError(t, err)
	assert.Equal(t, base, rebuilt)
	// A 1000-byte copy cannot ride in the instruction byte's six bits;
	// the whole stream stays tiny regardless.
	assert.Less(t, len(stream), 32)
}

func TestEncodeSvnDiffCompressedRoundTrip(t *testing.T) {
	target := bytes.Repeat([]byte("abcdefgh"), 512)
	stream, err := EncodeSvnDiff(0, len(target), []SvnDiffInstr{{Insert: target}}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("SVN\x01"), stream[:4])
	assert.Less(t, len(stream), len(target))

	rebuilt, err := ApplySvnDiff(nil, stream)
	require.NoError(t, err)
	assert.Equal(t, target, rebuilt)
}

func TestEncodeSvnDiffCompressedIncompressibleStaysRaw(t *testing.T) {
	// A three-byte insert cannot deflate below its own size, so the
	// svndiff1 sections fall back to the raw form; the stream must still
	// decode.
	target := []byte("abc")
	stream, err := EncodeSvnDiff(0, len(target), []SvnDiffInstr{{Insert: target}}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("SVN\x01"), stream[:4])

	rebuilt, err := ApplySvnDiff(nil, stream)
	require.NoError(t, err)
	assert.Equal(t, target, rebuilt)
}

func TestApplySvnDiffEmptyWindow(t *testing.T) {
	stream, err := EncodeSvnDiff(0, 0, nil, false)
	require.NoError(t, err)
	rebuilt, err := ApplySvnDiff(nil, stream)
	require.NoError(t, err)
	assert.Empty(t, rebuilt)
}

func TestApplySvnDiffRejectsGarbage(t *testing.T) {
	_, err := ApplySvnDiff(nil, []byte("not a delta"))
	assert.Error(t, err)

	_, err = ApplySvnDiff(nil, []byte{'S', 'V', 'N', 9})
	assert.Error(t, err)
}

func TestApplySvnDiffRejectsCopyOutsideSource(t *testing.T) {
	base := []byte("abc")
	stream, err := EncodeSvnDiff(len(base), 10, []SvnDiffInstr{{CopyOffset: 0, CopyLen: 10}}, false)
	require.NoError(t, err)
	_, err = ApplySvnDiff(base, stream)
	assert.Error(t, err)
}
