package rxdoc

import "strings"

// block is an item prepared for placement: text already fitted or wrapped
// to the content width.
type block struct {
	title        string
	dosage       string
	duration     string
	instructions []string
	truncated    bool
}

// itemStyle measures and places prepared items. height must return exactly
// the extent place draws.
type itemStyle interface {
	prepare(c Canvas, it NumberedItem, width float64) block
	height(b block) float64
	place(c Canvas, b block, x, y, width float64)
	gap() float64
}

func styleFor(s Style) itemStyle {
	if s == StyleLined {
		return linedStyle{}
	}
	return boxedStyle{}
}

var (
	fontItemTitle = Font{Bold: true, Size: 11}
	fontLabel     = Font{Bold: true, Size: 9}
	fontValue     = Font{Size: 9}
)

func labelled(c Canvas, x, y float64, label, value string, width float64) {
	c.SetFont(fontLabel)
	c.SetTextColor(colorMuted)
	c.Text(x, y, label)
	lw := c.TextWidth(label + " ")
	c.SetFont(fontValue)
	c.SetTextColor(colorText)
	c.Text(x+lw, y, fitText(c, value, width-lw))
}

func wrapInstructions(c Canvas, s string, width float64) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	c.SetFont(fontValue)
	return wrapText(c, s, width)
}

// =========== Boxed ===========

// boxedStyle shades each item in its own box and omits empty fields.
type boxedStyle struct{}

const boxPad = 4.0

func (boxedStyle) prepare(c Canvas, it NumberedItem, width float64) block {
	inner := width - 2*boxPad
	c.SetFont(fontItemTitle)
	return block{
		title:        fitText(c, it.Title(), inner),
		dosage:       strings.TrimSpace(it.Dosage),
		duration:     strings.TrimSpace(it.Duration),
		instructions: wrapInstructions(c, it.Instructions, inner),
	}
}

func (boxedStyle) height(b block) float64 {
	h := 4.0 + 5.0
	if b.dosage != "" {
		h += 4
	}
	if b.duration != "" {
		h += 4
	}
	if len(b.instructions) > 0 {
		h += 4 + 4*float64(len(b.instructions))
	}
	return h + 5
}

func (s boxedStyle) place(c Canvas, b block, x, y, width float64) {
	stroke := colorBoxLine
	c.Rect(x, y, width, s.height(b), colorBoxFill, &stroke)

	tx := x + boxPad
	inner := width - 2*boxPad
	cy := y + 4 + 5
	c.SetFont(fontItemTitle)
	c.SetTextColor(colorAccent)
	c.Text(tx, cy-1, b.title)

	if b.dosage != "" {
		cy += 4
		labelled(c, tx, cy, "Dosis:", b.dosage, inner)
	}
	if b.duration != "" {
		cy += 4
		labelled(c, tx, cy, "Duración:", b.duration, inner)
	}
	if len(b.instructions) > 0 {
		cy += 4
		c.SetFont(fontLabel)
		c.SetTextColor(colorMuted)
		c.Text(tx, cy, "Instrucciones:")
		c.SetFont(fontValue)
		c.SetTextColor(colorText)
		for _, line := range b.instructions {
			cy += 4
			c.Text(tx, cy, line)
		}
	}
}

func (boxedStyle) gap() float64 { return 3 }

// =========== Lined ===========

// linedStyle prints every field, with a placeholder for blanks, and closes
// each item with a dashed rule.
type linedStyle struct{}

func (linedStyle) prepare(c Canvas, it NumberedItem, width float64) block {
	c.SetFont(fontItemTitle)
	b := block{
		title:        fitText(c, it.Title(), width),
		dosage:       strings.TrimSpace(it.Dosage),
		duration:     strings.TrimSpace(it.Duration),
		instructions: wrapInstructions(c, it.Instructions, width-4),
	}
	if b.dosage == "" {
		b.dosage = PlaceholderValue
	}
	if b.duration == "" {
		b.duration = PlaceholderValue
	}
	return b
}

func (linedStyle) height(b block) float64 {
	h := 2.0 + 5 + 4 + 4
	if len(b.instructions) > 0 {
		h += 4 + 4*float64(len(b.instructions))
	}
	return h + 4
}

func (s linedStyle) place(c Canvas, b block, x, y, width float64) {
	cy := y + 2 + 5
	c.SetFont(fontItemTitle)
	c.SetTextColor(colorText)
	c.Text(x, cy-1, b.title)

	cy += 4
	labelled(c, x+4, cy, "Dosis:", b.dosage, width-4)
	cy += 4
	labelled(c, x+4, cy, "Duración:", b.duration, width-4)
	if len(b.instructions) > 0 {
		cy += 4
		c.SetFont(fontLabel)
		c.SetTextColor(colorMuted)
		c.Text(x+4, cy, "Instrucciones:")
		c.SetFont(fontValue)
		c.SetTextColor(colorText)
		for _, line := range b.instructions {
			cy += 4
			c.Text(x+4, cy, line)
		}
	}
	bottom := y + s.height(b) - 1
	c.Line(x, bottom, x+width, bottom, colorRule, 0.2, true)
}

func (linedStyle) gap() float64 { return 1 }
