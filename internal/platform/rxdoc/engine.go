package rxdoc

import (
	"fmt"
	"strings"
)

const (
	qrSize          = 22.0
	logoMaxWidth    = 40.0
	logoMaxHeight   = 15.0
	signatureWidth  = 40.0
	signatureHeight = 15.0
	signatureGap    = 17.0
	sectionTitle    = "Rx - Receta"
	notesTitle      = "Indicaciones Generales"
	appointmentH    = 12.0
	noteLineH       = 4.5
)

// Layout draws doc onto c and returns the number of pages produced.
func Layout(c Canvas, doc *Document, style Style) int {
	e := &engine{c: c, doc: doc, style: styleFor(style)}
	e.run()
	return c.PageCount()
}

type engine struct {
	c     Canvas
	doc   *Document
	style itemStyle
	y     float64
}

func (e *engine) run() {
	e.newPage()
	e.header()
	e.patientBlock()
	e.sectionTitle()
	e.itemLoop()
	e.notesBlock()
	e.appointmentBlock()
	e.footers()
}

func (e *engine) newPage() {
	e.c.AddPage()
	e.y = Margin
}

// =========== Header ===========

func (e *engine) header() {
	c := e.c
	d := e.doc

	if d.Logos[0] != nil || d.Logos[1] != nil {
		drawn := false
		if img := d.Logos[0]; img != nil {
			w, h := fitBox(img, logoMaxWidth, logoMaxHeight)
			drawn = c.Image("logo1", img, Margin, e.y, w, h) || drawn
		}
		if img := d.Logos[1]; img != nil {
			w, h := fitBox(img, logoMaxWidth, logoMaxHeight)
			drawn = c.Image("logo2", img, PageWidth-Margin-w, e.y, w, h) || drawn
		}
		if drawn {
			e.y += logoMaxHeight + 3
			c.Line(Margin, e.y, PageWidth-Margin, e.y, colorRule, 0.3, false)
			e.y += 5
		}
	}

	top := e.y
	textWidth := ContentWidth - qrSize - 6
	qrBottom := top
	if d.Verification != nil {
		x := PageWidth - Margin - qrSize
		if c.Image("verification", d.Verification, x, top, qrSize, qrSize) {
			c.SetFont(Font{Size: 7})
			c.SetTextColor(colorMuted)
			label := "Verificación"
			c.Text(x+(qrSize-c.TextWidth(label))/2, top+qrSize+3, label)
			qrBottom = top + qrSize + 4
		}
	}

	name := strings.TrimSpace(d.Doctor.Name)
	if name == "" {
		name = PlaceholderDoctor
	}
	c.SetFont(Font{Bold: true, Size: 16})
	c.SetTextColor(colorAccent)
	lines := wrapText(c, name, textWidth)
	if len(lines) > 2 {
		lines = lines[:2]
	}
	y := top
	for _, l := range lines {
		y += 7
		c.Text(Margin, y, l)
	}

	var creds []string
	if v := strings.TrimSpace(d.Doctor.License); v != "" {
		creds = append(creds, "C.P. "+v)
	}
	if v := strings.TrimSpace(d.Doctor.University); v != "" {
		creds = append(creds, v)
	}
	c.SetFont(Font{Size: 9})
	c.SetTextColor(colorText)
	if len(creds) > 0 {
		y += 5
		c.Text(Margin, y, fitText(c, strings.Join(creds, "  |  "), textWidth))
	}
	if d.PrescriptionID != "" {
		y += 5
		c.SetFont(Font{Bold: true, Size: 9})
		c.Text(Margin, y, "Folio: "+d.PrescriptionID)
	}
	if !d.IssuedAt.IsZero() {
		y += 5
		c.SetFont(Font{Size: 9})
		c.Text(Margin, y, "Fecha: "+FormatLongDate(d.IssuedAt))
	}
	if d.Corrected {
		y += 5
		c.SetFont(Font{Bold: true, Size: 9})
		c.SetTextColor(colorAlert)
		c.Text(Margin, y, "RECETA CORREGIDA")
	}

	e.y = max(y+3, qrBottom)
	c.Line(Margin, e.y, PageWidth-Margin, e.y, colorRule, 0.3, false)
	e.y += 5
}

// fitBox scales img into a maxW x maxH box keeping its aspect ratio.
func fitBox(img *Image, maxW, maxH float64) (float64, float64) {
	if img.Width <= 0 || img.Height <= 0 {
		return maxW, maxH
	}
	ratio := float64(img.Width) / float64(img.Height)
	w, h := maxW, maxW/ratio
	if h > maxH {
		h = maxH
		w = maxH * ratio
	}
	return w, h
}

// =========== Patient ===========

func (e *engine) patientBlock() {
	c := e.c
	p := e.doc.Patient

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = PlaceholderValue
	}
	rows := [][2]string{{"Nombre:", name}}
	if v := strings.TrimSpace(p.Age); v != "" {
		rows = append(rows, [2]string{"Edad:", v + " años"})
	}
	if v := strings.TrimSpace(p.DateOfBirth); v != "" {
		rows = append(rows, [2]string{"Fecha de nacimiento:", v})
	}
	if v := strings.TrimSpace(p.PatientID); v != "" {
		rows = append(rows, [2]string{"Expediente:", v})
	}

	h := 4 + 5 + 5*float64(len(rows)) + 2
	c.Rect(Margin, e.y, ContentWidth, h, colorPatient, nil)

	y := e.y + 4 + 3
	c.SetFont(Font{Bold: true, Size: 10})
	c.SetTextColor(colorAccent)
	c.Text(Margin+4, y, "Datos del Paciente")
	for _, r := range rows {
		y += 5
		labelled(c, Margin+4, y, r[0], r[1], ContentWidth-8)
	}
	e.y += h + 6
}

// =========== Items ===========

func (e *engine) sectionTitle() {
	c := e.c
	c.SetFont(Font{Bold: true, Size: 13})
	c.SetTextColor(colorAccent)
	c.Text(Margin, e.y+5, sectionTitle)
	e.y += 9
}

// maxItemHeight is the room an item has on a page holding nothing else.
func maxItemHeight() float64 {
	return ItemLimit - (Margin + 9)
}

func (e *engine) itemLoop() {
	for _, it := range e.doc.Items() {
		b := e.style.prepare(e.c, it, ContentWidth)
		b = e.clamp(b)
		h := e.style.height(b)
		if e.y+h > ItemLimit {
			e.newPage()
			e.sectionTitle()
		}
		e.style.place(e.c, b, Margin, e.y, ContentWidth)
		e.y += h + e.style.gap()
	}
}

// clamp trims the instruction lines of an item too tall for any page.
func (e *engine) clamp(b block) block {
	limit := maxItemHeight()
	if e.style.height(b) <= limit {
		return b
	}
	for len(b.instructions) > 1 && e.style.height(b) > limit {
		b.instructions = b.instructions[:len(b.instructions)-1]
		b.truncated = true
	}
	if b.truncated {
		b.instructions[len(b.instructions)-1] += " ..."
	}
	return b
}

// =========== Notes & appointment ===========

func (e *engine) notesBlock() {
	notes := strings.TrimSpace(e.doc.GeneralNotes)
	if notes == "" {
		return
	}
	c := e.c
	c.SetFont(Font{Size: 9})
	lines := wrapText(c, notes, ContentWidth-4)

	title := func(cont bool) {
		t := notesTitle
		if cont {
			t += " (continuación)"
		}
		c.SetFont(Font{Bold: true, Size: 11})
		c.SetTextColor(colorAccent)
		c.Text(Margin, e.y+5, t)
		e.y += 7
		c.SetFont(Font{Size: 9})
		c.SetTextColor(colorText)
	}

	e.y += 3
	if e.y+7+noteLineH > ContentBottom {
		e.newPage()
	}
	title(false)
	for _, l := range lines {
		if e.y+noteLineH > ContentBottom {
			e.newPage()
			title(true)
		}
		e.y += noteLineH
		c.Text(Margin+2, e.y-1, l)
	}
	e.y += 3
}

func (e *engine) appointmentBlock() {
	appt := strings.TrimSpace(e.doc.NextAppointment)
	if appt == "" {
		return
	}
	c := e.c
	if e.y+appointmentH > ContentBottom {
		e.newPage()
	}
	c.Rect(Margin, e.y, ContentWidth, appointmentH-2, colorAppoint, nil)
	labelled(c, Margin+4, e.y+6.5, "Próxima Cita:", appt, ContentWidth-8)
	e.y += appointmentH
}

// =========== Footer ===========

func (e *engine) footers() {
	n := e.c.PageCount()
	for i := 1; i <= n; i++ {
		e.c.SetPage(i)
		e.footer(i, n)
	}
}

func (e *engine) footer(page, total int) {
	c := e.c
	d := e.doc.Doctor
	c.Line(Margin, FooterTop, PageWidth-Margin, FooterTop, colorRule, 0.3, false)

	// Clinic block, left.
	leftW := 95.0
	y := FooterTop + 5
	clinic := strings.TrimSpace(d.ClinicName)
	if clinic == "" {
		clinic = PlaceholderClinic
	}
	c.SetFont(Font{Bold: true, Size: 9})
	c.SetTextColor(colorText)
	c.Text(Margin, y, fitText(c, clinic, leftW))

	c.SetFont(Font{Size: 7.5})
	c.SetTextColor(colorMuted)
	if addr := strings.TrimSpace(d.ClinicAddress); addr != "" {
		lines := wrapText(c, addr, leftW)
		if len(lines) > 2 {
			lines = lines[:2]
			lines[1] = fitText(c, lines[1]+"...", leftW)
		}
		for _, l := range lines {
			y += 3.5
			c.Text(Margin, y, l)
		}
	}
	if v := strings.TrimSpace(d.ClinicPhone); v != "" {
		y += 3.5
		c.Text(Margin, y, fitText(c, "Tel: "+v, leftW))
	}
	if v := strings.TrimSpace(d.ClinicEmail); v != "" {
		y += 3.5
		c.Text(Margin, y, fitText(c, "Email: "+v, leftW))
	}

	// Signature block, right. The rule sits at the same height whether or
	// not a signature image is drawn.
	center := PageWidth - Margin - 35
	sigTop := FooterTop + 3
	if img := e.doc.Signature; img != nil {
		w, h := fitBox(img, signatureWidth, signatureHeight)
		c.Image("signature", img, center-w/2, sigTop+(signatureHeight-h), w, h)
	}
	lineY := sigTop + signatureGap
	c.Line(center-30, lineY, center+30, lineY, colorText, 0.3, false)

	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = PlaceholderDoctor
	}
	centered := func(y float64, s string) {
		s = fitText(c, s, 64)
		c.Text(center-c.TextWidth(s)/2, y, s)
	}
	c.SetFont(Font{Bold: true, Size: 9})
	c.SetTextColor(colorText)
	centered(lineY+4, "Dr. "+name)
	c.SetFont(Font{Size: 7.5})
	c.SetTextColor(colorMuted)
	if v := strings.TrimSpace(d.License); v != "" {
		centered(lineY+7.5, "C.P. "+v)
	}
	if v := strings.TrimSpace(d.University); v != "" {
		centered(lineY+11, v)
	}

	c.SetFont(Font{Size: 7})
	label := fmt.Sprintf("Página %d de %d", page, total)
	c.Text((PageWidth-c.TextWidth(label))/2, PageHeight-5, label)
}
