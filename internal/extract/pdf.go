package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDF extracts text page by page. Pages without a text layer are skipped;
// each section carries its 1-based page number.
func PDF(data []byte) (sections []Section, err error) {
	// The parser panics on some corrupt cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			sections, err = nil, fmt.Errorf("pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	sections = make([]Section, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		sections = append(sections, Section{
			Text:     text,
			Metadata: map[string]any{"page": i},
		})
	}
	return sections, nil
}
