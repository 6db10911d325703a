package redraw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prise-term/prise/internal/term"
)

func eventName(e any) string {
	return e.([]any)[0].(string)
}

func eventArgs(e any) []any {
	return e.([]any)[1].([]any)
}

func fullSnapshot() *term.Snapshot {
	return &term.Snapshot{
		Rows: 2, Cols: 4,
		CursorRow: 1, CursorCol: 2,
		CursorShape: term.ShapeBeam,
		Full:        true,
		Lines: []term.SnapshotRow{
			{Row: 0, Cells: []term.Cell{
				{Text: "h"}, {Text: "i", Style: 3}, {}, {},
			}},
			{Row: 1, Cells: []term.Cell{{}, {}, {}, {}}},
		},
		Styles: map[term.StyleID]term.Style{
			3: {Bold: true, FG: term.Palette(1)},
		},
	}
}

func TestFullRedrawShape(t *testing.T) {
	seen := map[term.StyleID]struct{}{}
	events, defined := Build(fullSnapshot(), 0, seen)
	require.NotEmpty(t, events)

	// Resize leads a full redraw; flush closes every redraw.
	assert.Equal(t, EventResize, eventName(events[0]))
	assert.Equal(t, []any{uint32(0), 2, 4}, eventArgs(events[0]))
	assert.Equal(t, EventFlush, eventName(events[len(events)-1]))
	assert.Empty(t, eventArgs(events[len(events)-1]))

	var names []string
	for _, e := range events {
		names = append(names, eventName(e))
	}
	assert.Equal(t, []string{
		EventResize, EventStyle, EventWrite, EventCursorPos, EventCursorShape, EventFlush,
	}, names)

	assert.Equal(t, []term.StyleID{3}, defined)
}

func TestCursorEventsEveryRedraw(t *testing.T) {
	snap := &term.Snapshot{
		Rows: 2, Cols: 4,
		CursorRow: 0, CursorCol: 1,
		CursorShape: term.ShapeUnderline,
		Styles:      map[term.StyleID]term.Style{},
	}
	events, _ := Build(snap, 5, map[term.StyleID]struct{}{})

	var names []string
	for _, e := range events {
		names = append(names, eventName(e))
	}
	// Incremental with no dirty rows: no resize, no writes.
	assert.Equal(t, []string{EventCursorPos, EventCursorShape, EventFlush}, names)

	pos := eventArgs(events[0])
	assert.Equal(t, []any{uint32(5), 0, 1}, pos)
	shape := eventArgs(events[1])
	assert.Equal(t, []any{uint8(2)}, shape[1:])
	assert.Equal(t, uint32(5), shape[0])
}

func TestStyleDefinitionElidedWhenSeen(t *testing.T) {
	// First redraw defines style 3; a second with the updated seen set
	// must not define it again.
	seen := map[term.StyleID]struct{}{}
	events, defined := Build(fullSnapshot(), 0, seen)
	require.Equal(t, []term.StyleID{3}, defined)
	for _, id := range defined {
		seen[id] = struct{}{}
	}

	count := 0
	for _, e := range events {
		if eventName(e) == EventStyle {
			count++
		}
	}
	assert.Equal(t, 1, count)

	events, defined = Build(fullSnapshot(), 0, seen)
	assert.Empty(t, defined)
	for _, e := range events {
		assert.NotEqual(t, EventStyle, eventName(e))
	}
}

func TestStyleDefinedBeforeFirstUse(t *testing.T) {
	events, _ := Build(fullSnapshot(), 0, map[term.StyleID]struct{}{})
	styleIdx, writeIdx := -1, -1
	for i, e := range events {
		switch eventName(e) {
		case EventStyle:
			styleIdx = i
		case EventWrite:
			if writeIdx < 0 {
				writeIdx = i
			}
		}
	}
	require.GreaterOrEqual(t, styleIdx, 0)
	require.GreaterOrEqual(t, writeIdx, 0)
	assert.Less(t, styleIdx, writeIdx)
}

func TestStyleMapContents(t *testing.T) {
	snap := fullSnapshot()
	snap.Styles[3] = term.Style{
		FG:        term.RGB(0xff8800),
		BG:        term.Palette(17),
		Bold:      true,
		Underline: true,
	}
	events, _ := Build(snap, 0, map[term.StyleID]struct{}{})

	var styleEvent []any
	for _, e := range events {
		if eventName(e) == EventStyle {
			styleEvent = eventArgs(e)
		}
	}
	require.NotNil(t, styleEvent)
	assert.Equal(t, uint64(3), styleEvent[0])
	attrs := styleEvent[1].(map[string]any)
	assert.Equal(t, uint32(0xff8800), attrs["fg"])
	assert.Equal(t, uint32(17), attrs["bg_idx"])
	assert.Equal(t, true, attrs["bold"])
	assert.Equal(t, true, attrs["underline"])
	_, hasItalic := attrs["italic"]
	assert.False(t, hasItalic)
}

func TestRunLengthEncoding(t *testing.T) {
	cells := []term.Cell{
		{Text: "-", Style: 2}, {Text: "-", Style: 2}, {Text: "-", Style: 2},
		{Text: "x", Style: 2},
		{Text: "y"},
	}
	out := encodeRow(cells)
	require.Len(t, out, 3)

	// Repeated run always carries its style.
	assert.Equal(t, []any{"-", uint64(2), 3}, out[0])
	// Same style as the previous entry: style elided.
	assert.Equal(t, []any{"x"}, out[1])
	// Style changed back to default: emitted.
	assert.Equal(t, []any{"y", uint64(0)}, out[2])
}

func TestTrailingBlankCellsTrimmed(t *testing.T) {
	cells := []term.Cell{
		{Text: "a"}, {}, {}, {},
	}
	out := encodeRow(cells)
	require.Len(t, out, 1)
	// Style 0 equals the implied initial ID, so it is elided.
	assert.Equal(t, []any{"a"}, out[0])
}

func TestEmptyRowSkipped(t *testing.T) {
	assert.Nil(t, encodeRow([]term.Cell{{}, {}, {}}))

	snap := fullSnapshot()
	writes := 0
	events, _ := Build(snap, 0, map[term.StyleID]struct{}{})
	for _, e := range events {
		if eventName(e) == EventWrite {
			writes++
		}
	}
	// Row 1 is all blank; only row 0 produces a write.
	assert.Equal(t, 1, writes)
}

func TestSpacerTailsCompressWithBlanks(t *testing.T) {
	cells := []term.Cell{
		{Text: "宽", Style: 1, Wide: true}, {}, {Text: "z", Style: 1},
	}
	out := encodeRow(cells)
	require.Len(t, out, 3)
	assert.Equal(t, []any{"宽", uint64(1)}, out[0])
	assert.Equal(t, []any{"", uint64(0)}, out[1])
	assert.Equal(t, []any{"z", uint64(1)}, out[2])
}

func TestWriteEventShape(t *testing.T) {
	events, _ := Build(fullSnapshot(), 9, map[term.StyleID]struct{}{})
	for _, e := range events {
		if eventName(e) != EventWrite {
			continue
		}
		args := eventArgs(e)
		require.Len(t, args, 4)
		assert.Equal(t, uint32(9), args[0]) // pty
		assert.Equal(t, 0, args[1])         // row
		assert.Equal(t, 0, args[2])         // starting col
	}
}
