// Package redraw translates a screen snapshot plus a client's seen-style
// cache into the ordered sub-event list of a redraw notification.
package redraw

import "github.com/prise-term/prise/internal/term"

// Event names used in redraw notifications.
const (
	EventResize      = "resize"
	EventStyle       = "style"
	EventWrite       = "write"
	EventCursorPos   = "cursor_pos"
	EventCursorShape = "cursor_shape"
	EventFlush       = "flush"
)

// Build produces the sub-event sequence for one client: resize first on a
// full capture, style definitions for IDs the client has not seen, one
// run-length-encoded write per non-empty captured row, then cursor
// position, cursor shape, and a final flush. Returns the events and the
// style IDs newly defined to the client; the caller merges those into the
// client's seen set after the notification is queued.
func Build(snap *term.Snapshot, ptyID uint32, seen map[term.StyleID]struct{}) ([]any, []term.StyleID) {
	events := make([]any, 0, len(snap.Lines)+4)

	if snap.Full {
		events = append(events, ev(EventResize, ptyID, snap.Rows, snap.Cols))
	}

	// Define unseen styles up front so every cell reference in this
	// notification resolves to default, previously defined, or defined
	// earlier in the same notification.
	var defined []term.StyleID
	for _, line := range snap.Lines {
		for _, cell := range line.Cells {
			id := cell.Style
			if id == 0 {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			if containsID(defined, id) {
				continue
			}
			events = append(events, ev(EventStyle, uint64(id), styleMap(snap.Styles[id])))
			defined = append(defined, id)
		}
	}

	for _, line := range snap.Lines {
		cells := encodeRow(line.Cells)
		if cells == nil {
			continue
		}
		events = append(events, ev(EventWrite, ptyID, line.Row, 0, cells))
	}

	events = append(events,
		ev(EventCursorPos, ptyID, snap.CursorRow, snap.CursorCol),
		ev(EventCursorShape, ptyID, uint8(snap.CursorShape)),
		ev(EventFlush))
	return events, defined
}

func ev(name string, args ...any) []any {
	a := args
	if a == nil {
		a = []any{}
	}
	return []any{name, a}
}

func containsID(ids []term.StyleID, id term.StyleID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// encodeRow run-length-encodes a row, trimming the trailing run of empty
// default cells. Each entry is [grapheme], [grapheme, style] or
// [grapheme, style, repeat]; the style is omitted only on non-repeated
// entries whose ID equals the last ID emitted in the row (implied initial
// ID 0). Returns nil for a row with no non-empty cells.
func encodeRow(cells []term.Cell) []any {
	end := len(cells)
	for end > 0 && cells[end-1].Text == "" && cells[end-1].Style == 0 {
		end--
	}
	if end == 0 {
		return nil
	}

	var out []any
	lastEmitted := term.StyleID(0)
	for i := 0; i < end; {
		run := 1
		for i+run < end && cells[i+run].Text == cells[i].Text && cells[i+run].Style == cells[i].Style {
			run++
		}
		text, style := cells[i].Text, cells[i].Style
		switch {
		case run > 1:
			out = append(out, []any{text, uint64(style), run})
		case style == lastEmitted:
			out = append(out, []any{text})
		default:
			out = append(out, []any{text, uint64(style)})
		}
		lastEmitted = style
		i += run
	}
	return out
}

// styleMap renders the resolved attributes of a style for the wire: RGB
// channels as packed 0x00RRGGBB under fg/bg, palette channels under
// fg_idx/bg_idx, and boolean flags only when set.
func styleMap(s term.Style) map[string]any {
	m := make(map[string]any)
	switch s.FG.Mode {
	case term.ColorRGB:
		m["fg"] = s.FG.Value
	case term.ColorPalette:
		m["fg_idx"] = s.FG.Value
	}
	switch s.BG.Mode {
	case term.ColorRGB:
		m["bg"] = s.BG.Value
	case term.ColorPalette:
		m["bg_idx"] = s.BG.Value
	}
	if s.Bold {
		m["bold"] = true
	}
	if s.Dim {
		m["dim"] = true
	}
	if s.Italic {
		m["italic"] = true
	}
	if s.Underline {
		m["underline"] = true
	}
	if s.Reverse {
		m["reverse"] = true
	}
	if s.Blink {
		m["blink"] = true
	}
	return m
}
