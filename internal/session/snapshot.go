package session

import "github.com/prise-term/prise/internal/term"

// Snapshot copies emulator state into a value-type snapshot under the
// session mutex. A screen-level dirty condition promotes the capture to
// full regardless of the caller's choice. Dirty flags are cleared after
// capture; this is the only writer to them while the snapshot is taken.
func (s *Session) Snapshot(full bool) *term.Snapshot {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	rows, cols := s.Emu.Size()
	curRow, curCol, shape := s.Emu.Cursor()
	if s.Emu.ScreenDirty() {
		full = true
	}

	snap := &term.Snapshot{
		Rows:        rows,
		Cols:        cols,
		CursorRow:   curRow,
		CursorCol:   curCol,
		CursorShape: shape,
		Full:        full,
		Styles:      make(map[term.StyleID]term.Style),
	}

	for r := 0; r < rows; r++ {
		if !full && !s.Emu.RowDirty(r) {
			continue
		}
		src := s.Emu.Row(r)
		cells := make([]term.Cell, len(src))
		copy(cells, src)
		for i := range cells {
			if id := cells[i].Style; id != 0 {
				if _, ok := snap.Styles[id]; !ok {
					snap.Styles[id] = s.Emu.Style(id)
				}
			}
		}
		snap.Lines = append(snap.Lines, term.SnapshotRow{Row: r, Cells: cells})
	}

	s.Emu.ClearDirty()
	return snap
}
