package keyboard

// PS/2 scan code set 1 make codes for the keys the demo and tests care
// about. The synthetic keyboard speaks set 1; the 0xE0 prefix is carried
// out of band in the keystroke flags.
const (
	ScanEscape     = 0x01
	ScanBackspace  = 0x0e
	ScanTab        = 0x0f
	ScanEnter      = 0x1c
	ScanLeftCtrl   = 0x1d
	ScanLeftShift  = 0x2a
	ScanRightShift = 0x36
	ScanLeftAlt    = 0x38
	ScanSpace      = 0x39
	ScanCapsLock   = 0x3a
	ScanNumLock    = 0x45
	ScanScrollLock = 0x46

	// E0-prefixed codes.
	ScanUp    = 0x48
	ScanLeft  = 0x4b
	ScanRight = 0x4d
	ScanDown  = 0x50
)

var scanNames = map[uint16]string{
	ScanEscape:     "Escape",
	ScanBackspace:  "Backspace",
	ScanTab:        "Tab",
	ScanEnter:      "Enter",
	ScanLeftCtrl:   "LeftCtrl",
	ScanLeftShift:  "LeftShift",
	ScanRightShift: "RightShift",
	ScanLeftAlt:    "LeftAlt",
	ScanSpace:      "Space",
	ScanCapsLock:   "CapsLock",
	ScanNumLock:    "NumLock",
	ScanScrollLock: "ScrollLock",
}

var scanNamesE0 = map[uint16]string{
	ScanUp:    "Up",
	ScanLeft:  "Left",
	ScanRight: "Right",
	ScanDown:  "Down",
}

// unshifted maps printable ASCII to its set-1 make code. Shifted variants
// share the code with the unshifted key.
var unshifted = map[rune]uint16{
	'1': 0x02, '2': 0x03, '3': 0x04, '4': 0x05, '5': 0x06,
	'6': 0x07, '7': 0x08, '8': 0x09, '9': 0x0a, '0': 0x0b,
	'-': 0x0c, '=': 0x0d,
	'q': 0x10, 'w': 0x11, 'e': 0x12, 'r': 0x13, 't': 0x14,
	'y': 0x15, 'u': 0x16, 'i': 0x17, 'o': 0x18, 'p': 0x19,
	'[': 0x1a, ']': 0x1b,
	'a': 0x1e, 's': 0x1f, 'd': 0x20, 'f': 0x21, 'g': 0x22,
	'h': 0x23, 'j': 0x24, 'k': 0x25, 'l': 0x26,
	';': 0x27, '\'': 0x28, '`': 0x29, '\\': 0x2b,
	'z': 0x2c, 'x': 0x2d, 'c': 0x2e, 'v': 0x2f, 'b': 0x30,
	'n': 0x31, 'm': 0x32, ',': 0x33, '.': 0x34, '/': 0x35,
	' ': ScanSpace,
	'\t': ScanTab, '\n': ScanEnter, '\r': ScanEnter,
}

var shifted = map[rune]rune{
	'!': '1', '@': '2', '#': '3', '$': '4', '%': '5',
	'^': '6', '&': '7', '*': '8', '(': '9', ')': '0',
	'_': '-', '+': '=', '{': '[', '}': ']', ':': ';',
	'"': '\'', '~': '`', '|': '\\', '<': ',', '>': '.',
	'?': '/',
}

// MakeCode resolves a rune to its scan code, reporting whether shift must
// be held. Runes with no set-1 representation return ok=false.
func MakeCode(r rune) (code uint16, shift bool, ok bool) {
	if r >= 'A' && r <= 'Z' {
		code, ok = unshifted[r-'A'+'a']
		return code, true, ok
	}
	if base, isShifted := shifted[r]; isShifted {
		code, ok = unshifted[base]
		return code, true, ok
	}
	code, ok = unshifted[r]
	return code, false, ok
}

// KeyName returns a readable name for a keystroke's scan code, or "" when
// the code is not in the table.
func KeyName(k Keystroke) string {
	if k.Flags&KeyFlagE0 != 0 {
		return scanNamesE0[k.MakeCode]
	}
	return scanNames[k.MakeCode]
}

// Rune maps a keystroke back to its unshifted printable rune, reporting
// whether the scan code is printable.
func Rune(k Keystroke) (rune, bool) {
	if k.Flags&(KeyFlagE0|KeyFlagE1) != 0 {
		return 0, false
	}
	if k.MakeCode == ScanEnter {
		return '\n', true
	}
	for r, code := range unshifted {
		if code == k.MakeCode {
			return r, true
		}
	}
	return 0, false
}
