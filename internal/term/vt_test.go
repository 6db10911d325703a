package term

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowText(v *VT, row int) string {
	var out string
	for _, c := range v.Row(row) {
		out += c.Text
	}
	return out
}

func TestPrintAndCursorAdvance(t *testing.T) {
	v := NewVT(4, 10, nil)
	v.Feed([]byte("hi"))

	assert.Equal(t, "hi", rowText(v, 0))
	row, col, _ := v.Cursor()
	assert.Equal(t, 0, row)
	assert.Equal(t, 2, col)
	assert.True(t, v.RowDirty(0))
	assert.False(t, v.RowDirty(1))
}

func TestCRLFAndWrap(t *testing.T) {
	v := NewVT(4, 5, nil)
	v.Feed([]byte("one\r\ntwo"))
	assert.Equal(t, "one", rowText(v, 0))
	assert.Equal(t, "two", rowText(v, 1))

	// Printing past the last column wraps to the next row.
	v = NewVT(4, 5, nil)
	v.Feed([]byte("abcdefg"))
	assert.Equal(t, "abcde", rowText(v, 0))
	assert.Equal(t, "fg", rowText(v, 1))
}

func TestScrollAtBottomSetsScreenDirty(t *testing.T) {
	v := NewVT(3, 10, nil)
	v.Feed([]byte("a\r\nb\r\nc"))
	v.ClearDirty()
	v.Feed([]byte("\r\nd"))

	assert.True(t, v.ScreenDirty())
	assert.Equal(t, "b", rowText(v, 0))
	assert.Equal(t, "c", rowText(v, 1))
	assert.Equal(t, "d", rowText(v, 2))
}

func TestCursorPositioningAndErase(t *testing.T) {
	v := NewVT(5, 10, nil)
	v.Feed([]byte("hello"))
	v.Feed([]byte("\x1b[1;1H\x1b[K"))
	assert.Equal(t, "", rowText(v, 0))

	v.Feed([]byte("\x1b[3;4Hx"))
	row, col, _ := v.Cursor()
	assert.Equal(t, 2, row)
	assert.Equal(t, 4, col)
	assert.Equal(t, "x", v.Row(2)[3].Text)
}

func TestEraseDisplayBelow(t *testing.T) {
	v := NewVT(3, 5, nil)
	v.Feed([]byte("aa\r\nbb\r\ncc"))
	v.Feed([]byte("\x1b[2;1H\x1b[J"))
	assert.Equal(t, "aa", rowText(v, 0))
	assert.Equal(t, "", rowText(v, 1))
	assert.Equal(t, "", rowText(v, 2))
}

func TestSGRInternsStableStyleIDs(t *testing.T) {
	v := NewVT(2, 20, nil)
	v.Feed([]byte("\x1b[1;31mred\x1b[0mplain\x1b[1;31magain"))

	redCell := v.Row(0)[0]
	require.NotEqual(t, StyleID(0), redCell.Style)
	style := v.Style(redCell.Style)
	assert.True(t, style.Bold)
	assert.Equal(t, Palette(1), style.FG)

	plainCell := v.Row(0)[3]
	assert.Equal(t, StyleID(0), plainCell.Style)

	// The same attributes re-intern to the same ID.
	againCell := v.Row(0)[8]
	assert.Equal(t, redCell.Style, againCell.Style)
}

func TestSGRExtendedColors(t *testing.T) {
	v := NewVT(2, 20, nil)
	v.Feed([]byte("\x1b[38;5;196ma\x1b[0m\x1b[48;2;16;32;48mb"))

	a := v.Style(v.Row(0)[0].Style)
	assert.Equal(t, Palette(196), a.FG)

	b := v.Style(v.Row(0)[1].Style)
	assert.Equal(t, RGB(0x102030), b.BG)
}

func TestWideGlyphSpacer(t *testing.T) {
	v := NewVT(2, 10, nil)
	v.Feed([]byte("宽x"))

	cells := v.Row(0)
	assert.Equal(t, "宽", cells[0].Text)
	assert.True(t, cells[0].Wide)
	// Spacer tail is an empty default cell.
	assert.Equal(t, Cell{}, cells[1])
	assert.Equal(t, "x", cells[2].Text)
}

func TestCursorShape(t *testing.T) {
	v := NewVT(2, 10, nil)
	_, _, shape := v.Cursor()
	assert.Equal(t, ShapeBlock, shape)

	v.Feed([]byte("\x1b[5 q"))
	_, _, shape = v.Cursor()
	assert.Equal(t, ShapeBeam, shape)

	v.Feed([]byte("\x1b[4 q"))
	_, _, shape = v.Cursor()
	assert.Equal(t, ShapeUnderline, shape)
}

func TestSynchronizedOutputMode(t *testing.T) {
	v := NewVT(2, 10, nil)
	assert.False(t, v.Synchronized())

	v.Feed([]byte("\x1b[?2026h"))
	assert.True(t, v.Synchronized())

	v.ClearDirty()
	v.Feed([]byte("\x1b[?2026l"))
	assert.False(t, v.Synchronized())
	// Releasing the hold forces a full capture.
	assert.True(t, v.ScreenDirty())
}

func TestDeviceQueriesRespond(t *testing.T) {
	var responses [][]byte
	v := NewVT(5, 10, func(b []byte) { responses = append(responses, b) })

	v.Feed([]byte("\x1b[c"))
	require.Len(t, responses, 1)
	assert.Equal(t, "\x1b[?6c", string(responses[0]))

	v.Feed([]byte("\x1b[3;4H\x1b[6n"))
	require.Len(t, responses, 2)
	assert.Equal(t, "\x1b[3;4R", string(responses[1]))
}

func TestResizePreservesContentAndPromotesFull(t *testing.T) {
	v := NewVT(3, 10, nil)
	v.Feed([]byte("keep"))
	v.ClearDirty()

	v.Resize(5, 20)
	assert.True(t, v.ScreenDirty())
	rows, cols := v.Size()
	assert.Equal(t, 5, rows)
	assert.Equal(t, 20, cols)
	assert.Equal(t, "keep", rowText(v, 0))
}

func TestAltScreenClears(t *testing.T) {
	v := NewVT(3, 10, nil)
	v.Feed([]byte("visible"))
	v.ClearDirty()

	v.Feed([]byte("\x1b[?1049h"))
	assert.True(t, v.ScreenDirty())
	assert.Equal(t, "", rowText(v, 0))
}

func TestSplitUTF8AcrossFeeds(t *testing.T) {
	v := NewVT(2, 10, nil)
	seq := []byte("é") // two bytes
	v.Feed(seq[:1])
	v.Feed(seq[1:])
	assert.Equal(t, "é", v.Row(0)[0].Text)
}

func TestSplitEscapeAcrossFeeds(t *testing.T) {
	v := NewVT(2, 10, nil)
	v.Feed([]byte("\x1b["))
	v.Feed([]byte("31mx"))
	style := v.Style(v.Row(0)[0].Style)
	assert.Equal(t, Palette(1), style.FG)
}

func TestOSCSwallowed(t *testing.T) {
	v := NewVT(2, 10, nil)
	v.Feed([]byte("\x1b]0;title\x07after"))
	assert.Equal(t, "after", rowText(v, 0))

	v = NewVT(2, 10, nil)
	v.Feed([]byte("\x1b]2;title\x1b\\after"))
	assert.Equal(t, "after", rowText(v, 0))
}

func TestClearDirtyResetsRows(t *testing.T) {
	v := NewVT(3, 10, nil)
	v.Feed([]byte("x"))
	require.True(t, v.RowDirty(0))
	v.ClearDirty()
	assert.False(t, v.RowDirty(0))
	assert.False(t, v.ScreenDirty())
}
