package term

import (
	"fmt"

	"github.com/rivo/uniseg"
)

// Named W3C key values with their plain, application-cursor, and
// modifier-parameterized CSI encodings.
var namedKeys = map[string]struct {
	plain string // normal encoding
	app   string // application cursor keys encoding ("" = same as plain)
	base  int    // CSI parameter base for modified form (0 = none)
	final byte   // CSI final byte for modified form
}{
	"ArrowUp":    {"\x1b[A", "\x1bOA", 1, 'A'},
	"ArrowDown":  {"\x1b[B", "\x1bOB", 1, 'B'},
	"ArrowRight": {"\x1b[C", "\x1bOC", 1, 'C'},
	"ArrowLeft":  {"\x1b[D", "\x1bOD", 1, 'D'},
	"Home":       {"\x1b[H", "\x1bOH", 1, 'H'},
	"End":        {"\x1b[F", "\x1bOF", 1, 'F'},
	"Insert":     {"\x1b[2~", "", 2, '~'},
	"Delete":     {"\x1b[3~", "", 3, '~'},
	"PageUp":     {"\x1b[5~", "", 5, '~'},
	"PageDown":   {"\x1b[6~", "", 6, '~'},
	"F1":         {"\x1bOP", "", 1, 'P'},
	"F2":         {"\x1bOQ", "", 1, 'Q'},
	"F3":         {"\x1bOR", "", 1, 'R'},
	"F4":         {"\x1bOS", "", 1, 'S'},
	"F5":         {"\x1b[15~", "", 15, '~'},
	"F6":         {"\x1b[17~", "", 17, '~'},
	"F7":         {"\x1b[18~", "", 18, '~'},
	"F8":         {"\x1b[19~", "", 19, '~'},
	"F9":         {"\x1b[20~", "", 20, '~'},
	"F10":        {"\x1b[21~", "", 21, '~'},
	"F11":        {"\x1b[23~", "", 23, '~'},
	"F12":        {"\x1b[24~", "", 24, '~'},
}

// EncodeKey converts a key event into PTY input bytes, honoring the
// emulator's current cursor-keys mode. Unencodable events yield nil.
func (v *VT) EncodeKey(ev KeyEvent) []byte {
	mods := modifierParam(ev)

	switch ev.Key {
	case "Enter":
		return wrapAlt(ev, []byte("\r"))
	case "Tab":
		if ev.Shift {
			return []byte("\x1b[Z")
		}
		return []byte("\t")
	case "Backspace":
		return wrapAlt(ev, []byte{0x7f})
	case "Escape":
		return []byte{0x1b}
	case "Shift", "Control", "Alt", "Meta", "CapsLock", "NumLock":
		return nil // bare modifier press
	}

	if nk, ok := namedKeys[ev.Key]; ok {
		if mods == 0 {
			if v.appCursorKeys && nk.app != "" {
				return []byte(nk.app)
			}
			return []byte(nk.plain)
		}
		if nk.final == '~' {
			return []byte(fmt.Sprintf("\x1b[%d;%d~", nk.base, 1+mods))
		}
		return []byte(fmt.Sprintf("\x1b[%d;%d%c", nk.base, 1+mods, nk.final))
	}

	// Anything left must be a produced character: one grapheme cluster.
	if ev.Key == "" || uniseg.GraphemeClusterCount(ev.Key) != 1 {
		return nil
	}

	if ev.Ctrl {
		if b, ok := ctrlByte(ev.Key); ok {
			return wrapAlt(ev, []byte{b})
		}
		return nil
	}
	return wrapAlt(ev, []byte(ev.Key))
}

// modifierParam builds the xterm modifier bitfield: shift=1, alt=2, ctrl=4.
func modifierParam(ev KeyEvent) int {
	m := 0
	if ev.Shift {
		m |= 1
	}
	if ev.Alt {
		m |= 2
	}
	if ev.Ctrl {
		m |= 4
	}
	return m
}

// wrapAlt prefixes ESC when Alt is held.
func wrapAlt(ev KeyEvent, seq []byte) []byte {
	if ev.Alt {
		return append([]byte{0x1b}, seq...)
	}
	return seq
}

// ctrlByte maps a produced character to its control byte.
func ctrlByte(key string) (byte, bool) {
	if len(key) != 1 {
		return 0, false
	}
	c := key[0]
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, true
	case c >= 'A' && c <= 'Z':
		return c - 'A' + 1, true
	case c == ' ', c == '@':
		return 0, true
	case c == '[':
		return 0x1b, true
	case c == '\\':
		return 0x1c, true
	case c == ']':
		return 0x1d, true
	case c == '^':
		return 0x1e, true
	case c == '_':
		return 0x1f, true
	}
	return 0, false
}
