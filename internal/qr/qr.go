// Package qr renders QR codes as text for terminal output.
//
// Two bitmap rows are packed into one text row using Unicode half-block
// characters, which keeps the code roughly square in a typical ~2:1
// terminal cell.
package qr

import (
	"strings"

	"github.com/skip2/go-qrcode"
)

// Recovery levels are tried from most to least redundant. Lower levels
// produce smaller codes, so data that overflows the size limit at High
// may still fit at Low.
var recoveryLevels = []qrcode.RecoveryLevel{
	qrcode.High,
	qrcode.Medium,
	qrcode.Low,
}

// GenerateLines encodes data as a QR code and returns one string per
// terminal row, at most maxWidth columns by maxHeight rows. It returns
// nil when no recovery level fits; callers fall back to plain text.
func GenerateLines(data string, maxWidth, maxHeight uint16) []string {
	for _, level := range recoveryLevels {
		code, err := qrcode.New(data, level)
		if err != nil {
			continue
		}

		// Bitmap includes the quiet zone and is always square.
		bitmap := code.Bitmap()
		size := len(bitmap)
		if size == 0 {
			continue
		}
		if uint16(size) > maxWidth || uint16((size+1)/2) > maxHeight {
			continue
		}
		return renderHalfBlocks(bitmap)
	}
	return nil
}

// renderHalfBlocks folds pairs of bitmap rows into lines of half-block
// runes. A true cell in go-qrcode is a dark module.
func renderHalfBlocks(bitmap [][]bool) []string {
	size := len(bitmap)
	lines := make([]string, 0, (size+1)/2)

	for y := 0; y < size; y += 2 {
		var sb strings.Builder
		sb.Grow(size * 3) // block runes are 3 bytes in UTF-8

		for x := 0; x < size; x++ {
			upper := bitmap[y][x]
			lower := y+1 < size && bitmap[y+1][x]

			switch {
			case upper && lower:
				sb.WriteRune('█')
			case upper:
				sb.WriteRune('▀')
			case lower:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		lines = append(lines, sb.String())
	}
	return lines
}
