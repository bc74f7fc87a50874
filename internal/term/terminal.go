// Package term provides the headless terminal emulator behind every PTY.
//
// It wraps github.com/charmbracelet/x/vt, which handles the alternate
// screen buffer (CSI ?1049h/l), carriage returns for in-place updates
// (spinners, progress bars), and the full xterm-256color sequence set, so
// screen snapshots reflect what an attached terminal would display.
package term

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// Default terminal geometry used when the caller supplies none.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Terminal is a headless emulator tracking the screen of one PTY.
type Terminal struct {
	mu sync.Mutex

	// emu is the underlying emulator (thread-safe).
	emu vt.Terminal

	// cols and rows are the current dimensions.
	cols, rows int

	// closed is set once the terminal is disposed.
	closed bool
}

// Cursor is a zero-based screen position.
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// New creates a terminal with the given dimensions, substituting the
// defaults for non-positive values.
func New(cols, rows int) *Terminal {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Terminal{
		emu:  vt.NewSafeEmulator(cols, rows),
		cols: cols,
		rows: rows,
	}
}

// Write feeds raw PTY output to the emulator.
func (t *Terminal) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	// SafeEmulator handles its own locking for the write itself.
	t.emu.Write(data)
}

// Size returns the current dimensions.
func (t *Terminal) Size() (cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cols, t.rows
}

// Resize changes the emulator dimensions.
func (t *Terminal) Resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || cols <= 0 || rows <= 0 {
		return
	}
	t.cols = cols
	t.rows = rows
	t.emu.Resize(cols, rows)
}

// CursorPosition returns the cursor as zero-based column and row.
func (t *Terminal) CursorPosition() Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Cursor{}
	}
	pos := t.emu.CursorPosition()
	return Cursor{X: pos.X, Y: pos.Y}
}

// Screen returns the visible rows as plain text with trailing blanks
// trimmed from each row. Wide graphemes (CJK, emoji) occupy multiple
// columns in the emulator but appear once in the returned text.
func (t *Terminal) Screen() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	lines := make([]string, t.rows)
	for y := 0; y < t.rows; y++ {
		var sb strings.Builder
		for x := 0; x < t.cols; {
			cell := t.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				sb.WriteByte(' ')
				x++
				continue
			}
			// Content is a grapheme cluster; Width tells how many
			// columns it spans so continuation cells are skipped.
			sb.WriteString(cell.Content)
			w := cell.Width
			if w <= 0 {
				w = 1
			}
			x += w
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// Render returns the visible rows joined with newlines and trailing
// blank rows removed.
func (t *Terminal) Render() string {
	return strings.TrimRight(strings.Join(t.Screen(), "\n"), "\n")
}

// Close retires the emulator. Further writes are dropped and snapshots
// come back empty.
func (t *Terminal) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
}
