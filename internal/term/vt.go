package term

import (
	"fmt"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

const tabStop = 8

type parseState int

const (
	stateGround parseState = iota
	stateEscape
	stateEscapeCharset
	stateCSI
	stateOSC
	stateOSCEscape
)

// VT is the in-tree emulator: a cell grid with interned styles and the VT
// subset an interactive shell exercises (cursor motion, erase, scroll,
// SGR including 256-color and truecolor, DECSCUSR, synchronized output,
// primary DA and DSR-6 replies).
type VT struct {
	rows, cols int
	grid       [][]Cell

	curRow, curCol int
	shape          CursorShape
	pendingWrap    bool
	savedRow       int
	savedCol       int

	attrs  Style
	attrID StyleID
	byAttr map[Style]StyleID
	byID   map[StyleID]Style
	nextID StyleID

	rowDirty    []bool
	screenDirty bool

	sync          bool // DEC 2026 synchronized output
	appCursorKeys bool // DECCKM
	cursorVisible bool

	respond func([]byte)

	state  parseState
	params []int
	curNum int
	hasNum bool
	inter  byte
	priv   byte
	tail   []byte // incomplete UTF-8 sequence held between Feed calls
}

var _ Emulator = (*VT)(nil)

// NewVT creates an emulator of the given size. respond receives device
// query replies and may be nil.
func NewVT(rows, cols int, respond func([]byte)) *VT {
	v := &VT{
		rows:          rows,
		cols:          cols,
		byAttr:        make(map[Style]StyleID),
		byID:          make(map[StyleID]Style),
		nextID:        1,
		cursorVisible: true,
		respond:       respond,
	}
	v.grid = blankGrid(rows, cols)
	v.rowDirty = make([]bool, rows)
	return v
}

func blankGrid(rows, cols int) [][]Cell {
	g := make([][]Cell, rows)
	for i := range g {
		g[i] = make([]Cell, cols)
	}
	return g
}

// Size returns the current dimensions.
func (v *VT) Size() (int, int) { return v.rows, v.cols }

// Cursor returns the cursor position and shape.
func (v *VT) Cursor() (int, int, CursorShape) { return v.curRow, v.curCol, v.shape }

// Row returns the cells of one row, aliasing emulator memory.
func (v *VT) Row(row int) []Cell { return v.grid[row] }

// RowDirty reports whether a row changed since the last ClearDirty.
func (v *VT) RowDirty(row int) bool { return v.rowDirty[row] }

// ScreenDirty reports a screen-level change demanding a full capture.
func (v *VT) ScreenDirty() bool { return v.screenDirty }

// ClearDirty resets dirty tracking after a snapshot.
func (v *VT) ClearDirty() {
	for i := range v.rowDirty {
		v.rowDirty[i] = false
	}
	v.screenDirty = false
}

// Synchronized reports DEC private mode 2026.
func (v *VT) Synchronized() bool { return v.sync }

// Style resolves an interned style ID. Unknown IDs resolve to default.
func (v *VT) Style(id StyleID) Style { return v.byID[id] }

// internStyle returns the stable ID for a style, allocating on first use.
func (v *VT) internStyle(s Style) StyleID {
	if s.IsDefault() {
		return 0
	}
	if id, ok := v.byAttr[s]; ok {
		return id
	}
	id := v.nextID
	if id == 0 {
		// 16-bit space exhausted; reuse the last slot rather than 0.
		id = 0xffff
	} else {
		v.nextID++
	}
	v.byAttr[s] = id
	v.byID[id] = s
	return id
}

// Resize changes the screen dimensions, preserving overlapping content.
func (v *VT) Resize(rows, cols int) {
	if rows == v.rows && cols == v.cols {
		return
	}
	next := blankGrid(rows, cols)
	for r := 0; r < rows && r < v.rows; r++ {
		copy(next[r], v.grid[r])
	}
	v.grid = next
	v.rows, v.cols = rows, cols
	v.rowDirty = make([]bool, rows)
	v.curRow = clamp(v.curRow, 0, rows-1)
	v.curCol = clamp(v.curCol, 0, cols-1)
	v.pendingWrap = false
	v.screenDirty = true
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Feed parses a chunk of PTY output.
func (v *VT) Feed(p []byte) {
	data := p
	if len(v.tail) > 0 {
		data = append(v.tail, p...)
		v.tail = nil
	}
	for i := 0; i < len(data); {
		b := data[i]
		switch v.state {
		case stateGround:
			if b == 0x1b {
				v.state = stateEscape
				i++
			} else if b < 0x20 || b == 0x7f {
				v.control(b)
				i++
			} else {
				r, size := utf8.DecodeRune(data[i:])
				if r == utf8.RuneError && size == 1 && !utf8.FullRune(data[i:]) {
					// Incomplete sequence at chunk end; hold it back.
					v.tail = append(v.tail, data[i:]...)
					return
				}
				v.print(r)
				i += size
			}
		case stateEscape:
			v.escape(b)
			i++
		case stateEscapeCharset:
			v.state = stateGround
			i++
		case stateCSI:
			v.csiByte(b)
			i++
		case stateOSC:
			if b == 0x07 {
				v.state = stateGround
			} else if b == 0x1b {
				v.state = stateOSCEscape
			}
			i++
		case stateOSCEscape:
			// ESC \ terminates; anything else returns to the OSC body.
			if b == '\\' {
				v.state = stateGround
			} else {
				v.state = stateOSC
			}
			i++
		}
	}
}

func (v *VT) control(b byte) {
	switch b {
	case 0x08: // BS
		if v.curCol > 0 {
			v.curCol--
		}
		v.pendingWrap = false
	case 0x09: // HT
		v.curCol = clamp((v.curCol/tabStop+1)*tabStop, 0, v.cols-1)
	case 0x0a, 0x0b, 0x0c:
		v.lineFeed()
	case 0x0d:
		v.curCol = 0
		v.pendingWrap = false
	}
}

func (v *VT) escape(b byte) {
	v.state = stateGround
	switch b {
	case '[':
		v.state = stateCSI
		v.params = v.params[:0]
		v.curNum, v.hasNum = 0, false
		v.inter, v.priv = 0, 0
	case ']':
		v.state = stateOSC
	case '(', ')', '*', '+':
		v.state = stateEscapeCharset
	case '7':
		v.savedRow, v.savedCol = v.curRow, v.curCol
	case '8':
		v.curRow, v.curCol = clamp(v.savedRow, 0, v.rows-1), clamp(v.savedCol, 0, v.cols-1)
		v.pendingWrap = false
	case 'D':
		v.lineFeed()
	case 'E':
		v.curCol = 0
		v.lineFeed()
	case 'M':
		v.reverseLineFeed()
	case 'c':
		v.reset()
	}
}

func (v *VT) reset() {
	v.grid = blankGrid(v.rows, v.cols)
	v.curRow, v.curCol = 0, 0
	v.pendingWrap = false
	v.attrs = Style{}
	v.attrID = 0
	v.sync = false
	v.appCursorKeys = false
	v.shape = ShapeBlock
	v.screenDirty = true
}

func (v *VT) csiByte(b byte) {
	switch {
	case b >= '0' && b <= '9':
		v.curNum = v.curNum*10 + int(b-'0')
		if v.curNum > 65535 {
			v.curNum = 65535
		}
		v.hasNum = true
	case b == ';':
		v.pushParam()
	case b == '?' || b == '>' || b == '<' || b == '=':
		v.priv = b
	case b >= 0x20 && b <= 0x2f:
		v.inter = b
	case b >= 0x40 && b <= 0x7e:
		v.pushParam()
		v.csiDispatch(b)
		v.state = stateGround
	case b == 0x1b:
		v.state = stateEscape
	case b < 0x20:
		v.control(b)
	default:
		v.state = stateGround
	}
}

func (v *VT) pushParam() {
	if v.hasNum {
		v.params = append(v.params, v.curNum)
	} else {
		v.params = append(v.params, -1) // omitted
	}
	v.curNum, v.hasNum = 0, false
}

// param returns the i-th CSI parameter, or def when omitted.
func (v *VT) param(i, def int) int {
	if i >= len(v.params) || v.params[i] < 0 {
		return def
	}
	return v.params[i]
}

func (v *VT) csiDispatch(final byte) {
	switch final {
	case 'A':
		v.moveCursor(v.curRow-max(1, v.param(0, 1)), v.curCol)
	case 'B':
		v.moveCursor(v.curRow+max(1, v.param(0, 1)), v.curCol)
	case 'C':
		v.moveCursor(v.curRow, v.curCol+max(1, v.param(0, 1)))
	case 'D':
		v.moveCursor(v.curRow, v.curCol-max(1, v.param(0, 1)))
	case 'G':
		v.moveCursor(v.curRow, v.param(0, 1)-1)
	case 'd':
		v.moveCursor(v.param(0, 1)-1, v.curCol)
	case 'H', 'f':
		v.moveCursor(v.param(0, 1)-1, v.param(1, 1)-1)
	case 'J':
		v.eraseDisplay(v.param(0, 0))
	case 'K':
		v.eraseLine(v.param(0, 0))
	case 'L':
		v.insertLines(max(1, v.param(0, 1)))
	case 'M':
		v.deleteLines(max(1, v.param(0, 1)))
	case 'P':
		v.deleteChars(max(1, v.param(0, 1)))
	case '@':
		v.insertChars(max(1, v.param(0, 1)))
	case 'X':
		v.eraseChars(max(1, v.param(0, 1)))
	case 'S':
		v.scrollUp(max(1, v.param(0, 1)))
	case 'T':
		v.scrollDown(max(1, v.param(0, 1)))
	case 'm':
		v.sgr()
	case 'h':
		v.setMode(true)
	case 'l':
		v.setMode(false)
	case 'q':
		if v.inter == ' ' {
			v.setCursorShape(v.param(0, 0))
		}
	case 'r':
		// Scroll region changes invalidate incremental capture.
		v.screenDirty = true
	case 'c':
		v.deviceAttributes()
	case 'n':
		v.deviceStatus(v.param(0, 0))
	}
}

func (v *VT) moveCursor(row, col int) {
	v.curRow = clamp(row, 0, v.rows-1)
	v.curCol = clamp(col, 0, v.cols-1)
	v.pendingWrap = false
}

func (v *VT) setMode(on bool) {
	if v.priv != '?' {
		return
	}
	for i := range v.params {
		switch v.param(i, -1) {
		case 1:
			v.appCursorKeys = on
		case 25:
			v.cursorVisible = on
		case 47, 1047, 1049:
			// No separate alternate buffer: switching clears the
			// screen either way, which forces a full redraw.
			v.grid = blankGrid(v.rows, v.cols)
			v.curRow, v.curCol = 0, 0
			v.pendingWrap = false
			v.screenDirty = true
		case 2026:
			v.sync = on
			if !on {
				// Releasing the hold must surface everything
				// drawn while it was active.
				v.screenDirty = true
			}
		}
	}
}

func (v *VT) setCursorShape(ps int) {
	switch ps {
	case 0, 1, 2:
		v.shape = ShapeBlock
	case 3, 4:
		v.shape = ShapeUnderline
	case 5, 6:
		v.shape = ShapeBeam
	}
}

func (v *VT) deviceAttributes() {
	if v.respond == nil {
		return
	}
	switch v.priv {
	case '>':
		v.respond([]byte("\x1b[>0;0;0c"))
	case 0:
		v.respond([]byte("\x1b[?6c"))
	}
}

func (v *VT) deviceStatus(ps int) {
	if v.respond == nil {
		return
	}
	switch ps {
	case 5:
		v.respond([]byte("\x1b[0n"))
	case 6:
		v.respond([]byte(fmt.Sprintf("\x1b[%d;%dR", v.curRow+1, v.curCol+1)))
	}
}

func (v *VT) eraseDisplay(ps int) {
	switch ps {
	case 0:
		v.eraseLine(0)
		for r := v.curRow + 1; r < v.rows; r++ {
			v.clearRow(r)
		}
	case 1:
		v.eraseLine(1)
		for r := 0; r < v.curRow; r++ {
			v.clearRow(r)
		}
	case 2, 3:
		for r := 0; r < v.rows; r++ {
			v.clearRow(r)
		}
	}
}

func (v *VT) clearRow(r int) {
	row := v.grid[r]
	for c := range row {
		row[c] = Cell{}
	}
	v.rowDirty[r] = true
}

func (v *VT) eraseLine(ps int) {
	row := v.grid[v.curRow]
	switch ps {
	case 0:
		for c := v.curCol; c < v.cols; c++ {
			row[c] = Cell{}
		}
	case 1:
		for c := 0; c <= v.curCol && c < v.cols; c++ {
			row[c] = Cell{}
		}
	case 2:
		for c := range row {
			row[c] = Cell{}
		}
	}
	v.rowDirty[v.curRow] = true
}

func (v *VT) eraseChars(n int) {
	row := v.grid[v.curRow]
	for c := v.curCol; c < v.curCol+n && c < v.cols; c++ {
		row[c] = Cell{}
	}
	v.rowDirty[v.curRow] = true
}

func (v *VT) deleteChars(n int) {
	row := v.grid[v.curRow]
	copy(row[v.curCol:], row[min(v.curCol+n, v.cols):])
	for c := v.cols - n; c < v.cols; c++ {
		if c >= 0 {
			row[c] = Cell{}
		}
	}
	v.rowDirty[v.curRow] = true
}

func (v *VT) insertChars(n int) {
	row := v.grid[v.curRow]
	copy(row[min(v.curCol+n, v.cols):], row[v.curCol:])
	for c := v.curCol; c < v.curCol+n && c < v.cols; c++ {
		row[c] = Cell{}
	}
	v.rowDirty[v.curRow] = true
}

func (v *VT) insertLines(n int) {
	for i := 0; i < n; i++ {
		for r := v.rows - 1; r > v.curRow; r-- {
			v.grid[r] = v.grid[r-1]
		}
		v.grid[v.curRow] = make([]Cell, v.cols)
	}
	v.screenDirty = true
}

func (v *VT) deleteLines(n int) {
	for i := 0; i < n; i++ {
		copy(v.grid[v.curRow:], v.grid[v.curRow+1:])
		v.grid[v.rows-1] = make([]Cell, v.cols)
	}
	v.screenDirty = true
}

func (v *VT) scrollUp(n int) {
	for i := 0; i < n; i++ {
		copy(v.grid, v.grid[1:])
		v.grid[v.rows-1] = make([]Cell, v.cols)
	}
	v.screenDirty = true
}

func (v *VT) scrollDown(n int) {
	for i := 0; i < n; i++ {
		for r := v.rows - 1; r > 0; r-- {
			v.grid[r] = v.grid[r-1]
		}
		v.grid[0] = make([]Cell, v.cols)
	}
	v.screenDirty = true
}

func (v *VT) lineFeed() {
	if v.curRow == v.rows-1 {
		v.scrollUp(1)
	} else {
		v.curRow++
	}
	v.pendingWrap = false
}

func (v *VT) reverseLineFeed() {
	if v.curRow == 0 {
		v.scrollDown(1)
	} else {
		v.curRow--
	}
	v.pendingWrap = false
}

func (v *VT) print(r rune) {
	w := runewidth.RuneWidth(r)
	if w == 0 {
		// Combining mark: extend the preceding cell's grapheme.
		c := v.curCol
		if v.pendingWrap {
			c = v.cols
		}
		if c > 0 {
			cell := &v.grid[v.curRow][c-1]
			if cell.Text == "" && c > 1 && v.grid[v.curRow][c-2].Wide {
				cell = &v.grid[v.curRow][c-2]
			}
			cell.Text += string(r)
			v.rowDirty[v.curRow] = true
		}
		return
	}
	if v.pendingWrap {
		v.curCol = 0
		v.lineFeed()
	}
	if w == 2 && v.curCol == v.cols-1 {
		// Wide glyph does not fit: blank the stub and wrap.
		v.grid[v.curRow][v.curCol] = Cell{}
		v.rowDirty[v.curRow] = true
		v.curCol = 0
		v.lineFeed()
	}
	row := v.grid[v.curRow]
	row[v.curCol] = Cell{Text: string(r), Style: v.attrID, Wide: w == 2}
	if w == 2 {
		row[v.curCol+1] = Cell{} // spacer tail, style 0
	}
	v.rowDirty[v.curRow] = true
	v.curCol += w
	if v.curCol >= v.cols {
		v.curCol = v.cols - 1
		if w == 2 {
			v.curCol = v.cols - 2
		}
		v.pendingWrap = true
	}
}

func (v *VT) sgr() {
	if len(v.params) == 0 {
		v.params = append(v.params, 0)
	}
	for i := 0; i < len(v.params); i++ {
		switch p := v.param(i, 0); {
		case p == 0:
			v.attrs = Style{}
		case p == 1:
			v.attrs.Bold = true
		case p == 2:
			v.attrs.Dim = true
		case p == 3:
			v.attrs.Italic = true
		case p == 4:
			v.attrs.Underline = true
		case p == 5:
			v.attrs.Blink = true
		case p == 7:
			v.attrs.Reverse = true
		case p == 22:
			v.attrs.Bold, v.attrs.Dim = false, false
		case p == 23:
			v.attrs.Italic = false
		case p == 24:
			v.attrs.Underline = false
		case p == 25:
			v.attrs.Blink = false
		case p == 27:
			v.attrs.Reverse = false
		case p >= 30 && p <= 37:
			v.attrs.FG = Palette(uint8(p - 30))
		case p == 38:
			if col, skip := v.extendedColor(i); skip > 0 {
				v.attrs.FG = col
				i += skip
			}
		case p == 39:
			v.attrs.FG = Color{}
		case p >= 40 && p <= 47:
			v.attrs.BG = Palette(uint8(p - 40))
		case p == 48:
			if col, skip := v.extendedColor(i); skip > 0 {
				v.attrs.BG = col
				i += skip
			}
		case p == 49:
			v.attrs.BG = Color{}
		case p >= 90 && p <= 97:
			v.attrs.FG = Palette(uint8(p - 90 + 8))
		case p >= 100 && p <= 107:
			v.attrs.BG = Palette(uint8(p - 100 + 8))
		}
	}
	v.attrID = v.internStyle(v.attrs)
}

// extendedColor parses 38;5;n and 38;2;r;g;b forms starting at params[i].
// Returns the color and the number of params consumed beyond i.
func (v *VT) extendedColor(i int) (Color, int) {
	switch v.param(i+1, -1) {
	case 5:
		n := v.param(i+2, 0)
		return Palette(uint8(clamp(n, 0, 255))), 2
	case 2:
		r := uint32(clamp(v.param(i+2, 0), 0, 255))
		g := uint32(clamp(v.param(i+3, 0), 0, 255))
		b := uint32(clamp(v.param(i+4, 0), 0, 255))
		return RGB(r<<16 | g<<8 | b), 4
	}
	return Color{}, 0
}
