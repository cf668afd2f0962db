package rxdoc

import (
	"strings"
	"unicode/utf8"
)

// Font is a Helvetica variant.
type Font struct {
	Bold bool
	Size float64 // points
}

type Color struct{ R, G, B int }

var (
	colorText    = Color{31, 41, 55}
	colorMuted   = Color{107, 114, 128}
	colorAccent  = Color{30, 64, 175}
	colorAlert   = Color{185, 28, 28}
	colorRule    = Color{209, 213, 219}
	colorBoxFill = Color{248, 250, 252}
	colorBoxLine = Color{226, 232, 240}
	colorPatient = Color{243, 244, 246}
	colorAppoint = Color{239, 246, 255}
)

// Canvas is the drawing surface the layout engine writes to. Coordinates are
// millimetres from the top-left corner; Text draws at the baseline.
type Canvas interface {
	AddPage()
	PageCount() int
	SetPage(n int)
	SetFont(f Font)
	SetTextColor(c Color)
	Text(x, y float64, s string)
	// TextWidth measures s in the current font.
	TextWidth(s string) float64
	Line(x1, y1, x2, y2 float64, c Color, width float64, dashed bool)
	Rect(x, y, w, h float64, fill Color, stroke *Color)
	// Image draws img and reports whether it could be embedded.
	Image(name string, img *Image, x, y, w, h float64) bool
}

// wrapText breaks s into lines no wider than width. Explicit newlines start
// a new line; words longer than a whole line are broken by character.
func wrapText(c Canvas, s string, width float64) []string {
	var lines []string
	for _, para := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := ""
		for _, w := range words {
			for c.TextWidth(w) > width && utf8.RuneCountInString(w) > 1 {
				head, tail := splitToWidth(c, w, width)
				if line != "" {
					lines = append(lines, line)
					line = ""
				}
				lines = append(lines, head)
				w = tail
			}
			candidate := w
			if line != "" {
				candidate = line + " " + w
			}
			if line != "" && c.TextWidth(candidate) > width {
				lines = append(lines, line)
				line = w
				continue
			}
			line = candidate
		}
		lines = append(lines, line)
	}
	// Drop trailing blank lines.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// splitToWidth returns the longest prefix of w (at least one rune) that fits
// in width, and the remainder.
func splitToWidth(c Canvas, w string, width float64) (string, string) {
	runes := []rune(w)
	n := 1
	for n < len(runes) && c.TextWidth(string(runes[:n+1])) <= width {
		n++
	}
	return string(runes[:n]), string(runes[n:])
}

// fitText shortens s with a trailing ellipsis until it fits in width.
func fitText(c Canvas, s string, width float64) string {
	if c.TextWidth(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && c.TextWidth(string(runes)+"...") > width {
		runes = runes[:len(runes)-1]
	}
	return strings.TrimRight(string(runes), " ") + "..."
}
