package rxdoc

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"

	"github.com/go-pdf/fpdf"
)

// ErrRender wraps every failure to produce the PDF.
var ErrRender = errors.New("rxdoc: render failed")

type Options struct {
	Style Style
	// Uncompressed leaves page streams readable; used for inspection.
	Uncompressed bool
	Creator      string
}

// Output is a rendered prescription.
type Output struct {
	PDF   []byte
	Pages int
}

// Render lays out doc and serializes it as a PDF.
func Render(doc *Document, opts Options) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", ErrRender, r)
		}
	}()

	pc := newPDFCanvas(!opts.Uncompressed)
	pc.setMeta(doc, opts.Creator)
	pages := Layout(pc, doc, opts.Style)

	var buf bytes.Buffer
	if err := pc.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return &Output{PDF: buf.Bytes(), Pages: pages}, nil
}

// pdfCanvas implements Canvas on fpdf using the core Helvetica font. Text is
// translated to cp1252 so Spanish accents print correctly.
type pdfCanvas struct {
	pdf        *fpdf.Fpdf
	tr         func(string) string
	font       Font
	fontDirty  bool
	registered map[string]bool
	failed     map[string]bool
}

func newPDFCanvas(compress bool) *pdfCanvas {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(Margin, Margin, Margin)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCompression(compress)
	pdf.SetFont("Helvetica", "", 10)
	return &pdfCanvas{
		pdf:        pdf,
		tr:         pdf.UnicodeTranslatorFromDescriptor(""),
		font:       Font{Size: 10},
		registered: make(map[string]bool),
		failed:     make(map[string]bool),
	}
}

func (p *pdfCanvas) setMeta(doc *Document, creator string) {
	if creator == "" {
		creator = "receta"
	}
	p.pdf.SetCreator(creator, true)
	p.pdf.SetTitle("Receta "+doc.PrescriptionID, true)
	if doc.Doctor.Name != "" {
		p.pdf.SetAuthor(doc.Doctor.Name, true)
	}
	if !doc.IssuedAt.IsZero() {
		p.pdf.SetCreationDate(doc.IssuedAt)
	}
}

func (p *pdfCanvas) AddPage() {
	p.pdf.AddPage()
	p.applyFont()
}

func (p *pdfCanvas) PageCount() int { return p.pdf.PageCount() }

// SetPage moves output to page n. fpdf only emits a font selection when the
// font changes, so the next SetFont is forced to re-emit on the new page.
func (p *pdfCanvas) SetPage(n int) {
	p.pdf.SetPage(n)
	p.fontDirty = true
}

func (p *pdfCanvas) SetFont(f Font) {
	if f.Size == 0 {
		f.Size = 10
	}
	p.font = f
	p.applyFont()
}

func (p *pdfCanvas) applyFont() {
	style := ""
	if p.font.Bold {
		style = "B"
	}
	if p.fontDirty {
		p.pdf.SetFontSize(p.font.Size + 1)
		p.fontDirty = false
	}
	p.pdf.SetFont("Helvetica", style, p.font.Size)
}

func (p *pdfCanvas) SetTextColor(c Color) {
	p.pdf.SetTextColor(c.R, c.G, c.B)
}

func (p *pdfCanvas) Text(x, y float64, s string) {
	if p.fontDirty {
		p.applyFont()
	}
	p.pdf.Text(x, y, p.tr(s))
}

func (p *pdfCanvas) TextWidth(s string) float64 {
	return p.pdf.GetStringWidth(p.tr(s))
}

func (p *pdfCanvas) Line(x1, y1, x2, y2 float64, c Color, width float64, dashed bool) {
	p.pdf.SetDrawColor(c.R, c.G, c.B)
	p.pdf.SetLineWidth(width)
	if dashed {
		p.pdf.SetDashPattern([]float64{1, 1}, 0)
	}
	p.pdf.Line(x1, y1, x2, y2)
	if dashed {
		p.pdf.SetDashPattern([]float64{}, 0)
	}
}

func (p *pdfCanvas) Rect(x, y, w, h float64, fill Color, stroke *Color) {
	p.pdf.SetFillColor(fill.R, fill.G, fill.B)
	style := "F"
	if stroke != nil {
		p.pdf.SetDrawColor(stroke.R, stroke.G, stroke.B)
		p.pdf.SetLineWidth(0.2)
		style = "FD"
	}
	p.pdf.Rect(x, y, w, h, style)
}

// Image registers img under name on first use. Data that is not a PNG, or
// that fpdf rejects, is skipped and the sticky document error cleared.
func (p *pdfCanvas) Image(name string, img *Image, x, y, w, h float64) bool {
	if img == nil || len(img.Data) == 0 || p.failed[name] {
		return false
	}
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	if !p.registered[name] {
		if _, err := png.DecodeConfig(bytes.NewReader(img.Data)); err != nil {
			p.failed[name] = true
			return false
		}
		p.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(img.Data))
		if !p.pdf.Ok() {
			p.pdf.ClearError()
			p.failed[name] = true
			return false
		}
		p.registered[name] = true
	}
	p.pdf.ImageOptions(name, x, y, w, h, false, opts, 0, "")
	return true
}
