package cert

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-pdf/fpdf"
	"gopkg.in/yaml.v3"
)

//go:embed templates/default.yaml
var defaultTemplate []byte

// Data is the value text elements are executed against.
type Data struct {
	Name        string
	ModuleTitle string
	Score       float64
	Date        time.Time
	AttemptID   string
	SiteTitle   string
}

const (
	ElementText  = "text"
	ElementImage = "image"
	ElementLine  = "line"
	ElementRect  = "rect"
)

// Element is one absolutely positioned item. Coordinates are in mm.
type Element struct {
	Type string  `yaml:"type"`
	X    float64 `yaml:"x"`
	Y    float64 `yaml:"y"`
	W    float64 `yaml:"w"`
	H    float64 `yaml:"h"`

	// line end point
	X2 float64 `yaml:"x2"`
	Y2 float64 `yaml:"y2"`

	Font      string  `yaml:"font"`
	Style     string  `yaml:"style"` // text: B, I, U; rect: D, F, DF
	Size      float64 `yaml:"size"`
	Align     string  `yaml:"align"` // L, C, R
	Color     string  `yaml:"color"` // #rrggbb
	Fill      string  `yaml:"fill"`
	LineWidth float64 `yaml:"line_width"`

	Text string `yaml:"text"`
	Src  string `yaml:"src"` // image path inside the asset filesystem

	tmpl *template.Template
}

// Template is a parsed certificate layout.
type Template struct {
	Orientation string    `yaml:"orientation"` // P or L
	Size        string    `yaml:"size"`        // A4, Letter, ...
	Elements    []Element `yaml:"elements"`
}

// Default returns the built-in layout.
func Default() *Template {
	tpl, err := Parse(defaultTemplate)
	if err != nil {
		panic("cert: default template: " + err.Error())
	}
	return tpl
}

// Parse decodes and checks a YAML layout, compiling every text element.
func Parse(data []byte) (*Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if tpl.Orientation == "" {
		tpl.Orientation = "L"
	}
	if tpl.Size == "" {
		tpl.Size = "A4"
	}
	if tpl.Orientation != "L" && tpl.Orientation != "P" {
		return nil, fmt.Errorf("orientation must be L or P, got %q", tpl.Orientation)
	}
	if len(tpl.Elements) == 0 {
		return nil, errors.New("template has no elements")
	}

	for i := range tpl.Elements {
		el := &tpl.Elements[i]
		switch el.Type {
		case ElementText:
			t, err := template.New(strconv.Itoa(i)).Option("missingkey=error").Parse(el.Text)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			el.tmpl = t
		case ElementImage:
			if el.Src == "" {
				return nil, fmt.Errorf("element %d: image without src", i)
			}
		case ElementLine, ElementRect:
		default:
			return nil, fmt.Errorf("element %d: unknown type %q", i, el.Type)
		}
		for _, c := range []string{el.Color, el.Fill} {
			if _, _, _, err := parseColor(c); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
		}
	}
	return &tpl, nil
}

// Renderer draws templates. Assets holds images referenced by image
// elements; it may be nil when no template uses images.
type Renderer struct {
	Assets fs.FS
}

// Render draws the default renderer without assets.
func Render(tpl *Template, data Data) ([]byte, error) {
	return Renderer{}.Render(tpl, data)
}

func (r Renderer) Render(tpl *Template, data Data) ([]byte, error) {
	pdf := fpdf.New(tpl.Orientation, "mm", tpl.Size, "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for i, el := range tpl.Elements {
		switch el.Type {
		case ElementText:
			text, err := el.expand(data)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			pdf.SetFont(orDefault(el.Font, "Helvetica"), el.Style, orZero(el.Size, 12))
			setColor(pdf.SetTextColor, el.Color)
			pdf.SetXY(el.X, el.Y)
			pdf.CellFormat(el.W, el.H, tr(text), "", 0, orDefault(el.Align, "L"), false, 0, "")
		case ElementLine:
			setColor(pdf.SetDrawColor, el.Color)
			pdf.SetLineWidth(orZero(el.LineWidth, 0.2))
			pdf.Line(el.X, el.Y, el.X2, el.Y2)
		case ElementRect:
			setColor(pdf.SetDrawColor, el.Color)
			setColor(pdf.SetFillColor, el.Fill)
			pdf.SetLineWidth(orZero(el.LineWidth, 0.2))
			pdf.Rect(el.X, el.Y, el.W, el.H, orDefault(el.Style, "D"))
		case ElementImage:
			if err := r.drawImage(pdf, el); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (r Renderer) drawImage(pdf *fpdf.Fpdf, el Element) error {
	if r.Assets == nil {
		return fmt.Errorf("image %q: no asset directory", el.Src)
	}
	name := path.Clean(strings.TrimPrefix(el.Src, "/"))
	f, err := r.Assets.Open(name)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var imgType string
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		imgType = "JPG"
	case ".png":
		imgType = "PNG"
	case ".gif":
		imgType = "GIF"
	default:
		return fmt.Errorf("image %q: unsupported format", el.Src)
	}
	opts := fpdf.ImageOptions{ImageType: imgType}
	pdf.RegisterImageOptionsReader(name, opts, f)
	pdf.ImageOptions(name, el.X, el.Y, el.W, el.H, false, opts, 0, "")
	return pdf.Error()
}

func (el Element) expand(data Data) (string, error) {
	if el.tmpl == nil {
		return el.Text, nil
	}
	var sb strings.Builder
	if err := el.tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func parseColor(s string) (r, g, b int, err error) {
	if s == "" {
		return 0, 0, 0, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return 0, 0, 0, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid color %q", s)
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), nil
}

// setColor applies a validated color; empty means black.
func setColor(set func(r, g, b int), c string) {
	r, g, b, _ := parseColor(c)
	set(r, g, b)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orZero(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
