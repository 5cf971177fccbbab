// Package extract turns uploaded file bytes into plain text sections.
//
// Extractors are pure functions keyed by MIME type. Paginated formats return
// one Section per page so page numbers can be carried into chunk metadata.
package extract

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// MIME types handled by the default registry.
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypeCSV      = "text/csv"
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// ErrMalformed is returned when bytes do not parse as the declared format.
var ErrMalformed = fmt.Errorf("%w: malformed document", ragerr.ErrValidation)

// Section is a run of extracted text plus annotations such as a page number.
type Section struct {
	Text     string
	Metadata map[string]any
}

// Func extracts sections from raw bytes.
type Func func(data []byte) ([]Section, error)

// Registry maps content types to extractors.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry with the plain text, Markdown, HTML, CSV,
// PDF and DOCX extractors installed.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register(TypePlain, PlainText)
	r.Register(TypeMarkdown, PlainText)
	r.Register(TypeHTML, HTML)
	r.Register(TypeCSV, CSV)
	r.Register(TypePDF, PDF)
	r.Register(TypeDOCX, DOCX)
	return r
}

// Register installs fn for contentType, replacing any previous extractor.
func (r *Registry) Register(contentType string, fn Func) {
	r.funcs[normalize(contentType)] = fn
}

// Supported lists registered content types in sorted order.
func (r *Registry) Supported() []string {
	out := make([]string, 0, len(r.funcs))
	for ct := range r.funcs {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the effective content type for an upload. A missing or
// generic declared type falls back to the filename extension.
func (r *Registry) Resolve(contentType, filename string) string {
	ct := normalize(contentType)
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if byExt := extensionTypes[strings.ToLower(filepath.Ext(filename))]; byExt != "" {
		return byExt
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return normalize(byExt)
	}
	return ct
}

// Extract runs the extractor for contentType. Unknown types fail with
// ragerr.ErrUnsupportedFormat without reading data.
func (r *Registry) Extract(contentType string, data []byte) ([]Section, error) {
	fn, ok := r.funcs[normalize(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ragerr.ErrUnsupportedFormat, contentType)
	}
	sections, err := fn(data)
	if err != nil {
		if errors.Is(err, ragerr.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, contentType, err)
	}
	return sections, nil
}

// IsSupported reports whether an extractor exists for contentType.
func (r *Registry) IsSupported(contentType string) bool {
	_, ok := r.funcs[normalize(contentType)]
	return ok
}

var extensionTypes = map[string]string{
	".txt":      TypePlain,
	".text":     TypePlain,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".html":     TypeHTML,
	".htm":      TypeHTML,
	".csv":      TypeCSV,
	".pdf":      TypePDF,
	".docx":     TypeDOCX,
}

// normalize lowercases and strips parameters such as charset.
func normalize(contentType string) string {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// TotalText joins all section text, used to detect empty extractions.
func TotalText(sections []Section) string {
	var b strings.Builder
	for _, s := range sections {
		b.WriteString(s.Text)
	}
	return b.String()
}
