package extract

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name        string
		contentType string
		filename    string
		want        string
	}{
		{"declared with charset", "text/plain; charset=utf-8", "a.bin", TypePlain},
		{"declared uppercase", "TEXT/HTML", "a", TypeHTML},
		{"octet stream falls back to extension", "application/octet-stream", "report.PDF", TypePDF},
		{"missing type uses extension", "", "notes.md", TypeMarkdown},
		{"docx extension", "", "memo.docx", TypeDOCX},
		{"unknown stays empty", "", "blob", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.contentType, tt.filename))
		})
	}
}

func TestRegistry_Unsupported(t *testing.T) {
	r := NewRegistry()
	_, err := r.Extract("image/png", []byte{0x89, 'P', 'N', 'G'})
	assert.ErrorIs(t, err, ragerr.ErrUnsupportedFormat)
	assert.ErrorIs(t, err, ragerr.ErrValidation)
	assert.False(t, r.IsSupported("application/msword"))
}

func TestRegistry_Supported(t *testing.T) {
	assert.Equal(t, []string{TypePDF, TypeDOCX, TypeCSV, TypeHTML, TypeMarkdown, TypePlain}, NewRegistry().Supported())
}

func TestRegistry_Malformed(t *testing.T) {
	r := NewRegistry()
	_, err := r.Extract(TypeDOCX, []byte("not a zip"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = r.Extract(TypePDF, []byte("%PDF-garbage"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPlainText(t *testing.T) {
	sections, err := PlainText(append([]byte{0xEF, 0xBB, 0xBF}, "line one\r\nline two\xff"...))
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "line one\nline two�", sections[0].Text)
}

func TestHTML(t *testing.T) {
	doc := `<html><head><title>Guide</title><style>p{color:red}</style></head>
<body><h1>Intro</h1><p>Vector   search <b>finds</b> neighbours.</p>
<script>alert("x")</script><ul><li>one</li><li>two</li></ul></body></html>`

	sections, err := HTML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, sections, 1)

	assert.Equal(t, "Intro\n\nVector search finds neighbours.\n\none\n\ntwo", sections[0].Text)
	assert.Equal(t, "Guide", sections[0].Metadata["title"])
	assert.NotContains(t, sections[0].Text, "alert")
	assert.NotContains(t, sections[0].Text, "color")
}

func TestCSV(t *testing.T) {
	data := "name,role,team\nAda,engineer,core\nGrace,,compilers\n,,\n"
	sections, err := CSV([]byte(data))
	require.NoError(t, err)
	require.Len(t, sections, 1)

	assert.Equal(t, "name: Ada; role: engineer; team: core\nname: Grace; team: compilers\n", sections[0].Text)
	assert.Equal(t, 2, sections[0].Metadata["rows"])
}

func TestCSV_Empty(t *testing.T) {
	sections, err := CSV(nil)
	require.NoError(t, err)
	assert.Empty(t, TotalText(sections))
}

func TestDOCX(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>First paragraph</w:t></w:r><w:r><w:t xml:space="preserve"> continues.</w:t></w:r></w:p>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>Cell text</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
<w:p><w:r><w:t>Last</w:t></w:r></w:p>
</w:body>
</w:document>`

	sections, err := DOCX(buildZip(t, map[string]string{"word/document.xml": body}))
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "First paragraph continues.\n\nCell text\n\nLast", sections[0].Text)
}

func TestDOCX_MissingBody(t *testing.T) {
	_, err := DOCX(buildZip(t, map[string]string{"word/styles.xml": "<x/>"}))
	assert.ErrorIs(t, err, errNoDocumentBody)
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
