package term

import (
	"strings"
	"testing"
)

func TestScreenPlainText(t *testing.T) {
	term := New(20, 4)
	defer term.Close()

	term.Write([]byte("hello\r\nworld"))

	lines := term.Screen()
	if len(lines) != 4 {
		t.Fatalf("Screen() returned %d rows, want 4", len(lines))
	}
	if lines[0] != "hello" {
		t.Errorf("row 0 = %q, want %q", lines[0], "hello")
	}
	if lines[1] != "world" {
		t.Errorf("row 1 = %q, want %q", lines[1], "world")
	}
}

func TestScreenStripsEscapes(t *testing.T) {
	term := New(20, 4)
	defer term.Close()

	// Color codes must affect style only, never the text.
	term.Write([]byte("\x1b[31mred\x1b[0m text"))

	if got := term.Screen()[0]; got != "red text" {
		t.Errorf("row 0 = %q, want %q", got, "red text")
	}
}

func TestScreenCarriageReturnOverwrites(t *testing.T) {
	term := New(20, 4)
	defer term.Close()

	term.Write([]byte("10%\r20%\r99%"))

	if got := term.Screen()[0]; got != "99%" {
		t.Errorf("row 0 = %q, want %q", got, "99%")
	}
}

func TestScreenWideGraphemes(t *testing.T) {
	term := New(20, 4)
	defer term.Close()

	term.Write([]byte("안녕 ok"))

	got := term.Screen()[0]
	if !strings.Contains(got, "안녕") {
		t.Errorf("row 0 = %q, want it to contain %q", got, "안녕")
	}
	if !strings.Contains(got, "ok") {
		t.Errorf("row 0 = %q, want it to contain %q", got, "ok")
	}
}

func TestCursorPosition(t *testing.T) {
	term := New(20, 4)
	defer term.Close()

	term.Write([]byte("ab"))

	pos := term.CursorPosition()
	if pos.X != 2 || pos.Y != 0 {
		t.Errorf("cursor = (%d, %d), want (2, 0)", pos.X, pos.Y)
	}
}

func TestResize(t *testing.T) {
	term := New(80, 24)
	defer term.Close()

	term.Resize(120, 40)

	cols, rows := term.Size()
	if cols != 120 || rows != 40 {
		t.Errorf("Size() = (%d, %d), want (120, 40)", cols, rows)
	}
	if len(term.Screen()) != 40 {
		t.Errorf("Screen() returned %d rows after resize, want 40", len(term.Screen()))
	}
}

func TestDefaultGeometry(t *testing.T) {
	term := New(0, 0)
	defer term.Close()

	cols, rows := term.Size()
	if cols != DefaultCols || rows != DefaultRows {
		t.Errorf("Size() = (%d, %d), want (%d, %d)", cols, rows, DefaultCols, DefaultRows)
	}
}

func TestRenderTrimsTrailingRows(t *testing.T) {
	term := New(20, 10)
	defer term.Close()

	term.Write([]byte("one\r\ntwo"))

	if got := term.Render(); got != "one\ntwo" {
		t.Errorf("Render() = %q, want %q", got, "one\ntwo")
	}
}

func TestCloseDropsState(t *testing.T) {
	term := New(20, 4)
	term.Write([]byte("data"))
	term.Close()

	if term.Screen() != nil {
		t.Error("Screen() after Close should return nil")
	}
	// Writes after Close must not panic.
	term.Write([]byte("more"))
}
