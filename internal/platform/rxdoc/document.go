// Package rxdoc lays out a prescription onto fixed-size A4 pages and renders
// the result as a single PDF.
//
// Layout runs in fixed phases: header, patient block, section title, item
// loop, notes, appointment and, once every content page exists, the footer
// of each page. The item loop measures every item before drawing it and
// starts a new page when the item would reach into the footer band, so no
// item is ever split across pages.
package rxdoc

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Page geometry in millimetres.
const (
	PageWidth    = 210.0
	PageHeight   = 297.0
	Margin       = 15.0
	FooterHeight = 45.0
	ContentWidth = PageWidth - 2*Margin

	// ContentBottom is the lowest y any content may reach.
	ContentBottom = PageHeight - FooterHeight
	// ItemLimit is the break line for the item loop.
	ItemLimit = PageHeight - FooterHeight - 10
	// FooterTop is where the footer separator is drawn.
	FooterTop = ContentBottom + 5
)

// Placeholders rendered in place of missing data.
const (
	PlaceholderDoctor = "Nombre del Médico"
	PlaceholderClinic = "Nombre de la Clínica"
	PlaceholderItem   = "Medicamento sin nombre"
	PlaceholderValue  = "N/D"
)

// Style selects how line items are drawn.
type Style string

const (
	// StyleBoxed draws each item inside its own shaded box.
	StyleBoxed Style = "boxed"
	// StyleLined draws items as plain rows separated by a dashed rule.
	StyleLined Style = "lined"
)

func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case StyleBoxed, "":
		return StyleBoxed, nil
	case StyleLined:
		return StyleLined, nil
	}
	return "", fmt.Errorf("rxdoc: unknown style %q", s)
}

// Image is an embeddable PNG.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

type Doctor struct {
	Name          string
	License       string
	University    string
	ClinicName    string
	ClinicAddress string
	ClinicPhone   string
	ClinicEmail   string
}

type Patient struct {
	Name        string
	Age         string
	DateOfBirth string // already formatted for display
	PatientID   string
}

type Item struct {
	Name         string
	Brand        string
	Dosage       string
	Duration     string
	Instructions string
}

// Document is everything the patient-facing prescription shows. Clinical
// notes that must stay out of the document have no field here.
type Document struct {
	PrescriptionID  string
	IssuedAt        time.Time
	Corrected       bool
	Doctor          Doctor
	Patient         Patient
	Medications     []Item
	Supplements     []Item
	GeneralNotes    string
	NextAppointment string

	Logos        [2]*Image
	Signature    *Image
	Verification *Image
}

// NumberedItem is an item with its printed position.
type NumberedItem struct {
	Item
	Number     int
	Supplement bool
}

// Items returns medications numbered 1..M followed by supplements numbered
// M+1..M+S, each in list order.
func (d *Document) Items() []NumberedItem {
	out := make([]NumberedItem, 0, len(d.Medications)+len(d.Supplements))
	for _, m := range d.Medications {
		out = append(out, NumberedItem{Item: m, Number: len(out) + 1})
	}
	for _, s := range d.Supplements {
		out = append(out, NumberedItem{Item: s, Number: len(out) + 1, Supplement: true})
	}
	return out
}

// Title is the printed heading of an item.
func (n NumberedItem) Title() string {
	name := strings.TrimSpace(n.Name)
	if name == "" {
		name = PlaceholderItem
	}
	if brand := strings.TrimSpace(n.Brand); n.Supplement && brand != "" {
		name += " - " + brand
	}
	return fmt.Sprintf("%d. %s", n.Number, name)
}

var unsafeFileChars = regexp.MustCompile(`[/\\:*?"<>|]`)

// FileName returns the download name for a patient's prescription.
func FileName(patientName string, corrected bool) string {
	prefix := "Receta"
	if corrected {
		prefix = "Receta-Corregida"
	}
	name := strings.Join(strings.Fields(unsafeFileChars.ReplaceAllString(patientName, "")), "_")
	if name == "" {
		return prefix + ".pdf"
	}
	return prefix + "-" + name + ".pdf"
}

var months = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

// FormatLongDate formats t as "15 de octubre de 2026, 16:30".
func FormatLongDate(t time.Time) string {
	return fmt.Sprintf("%d de %s de %d, %02d:%02d", t.Day(), months[t.Month()-1], t.Year(), t.Hour(), t.Minute())
}
