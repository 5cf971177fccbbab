package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func relAll(t *testing.T, root string, paths []string) []string {
	t.Helper()
	out := make([]string, len(paths))
	for i, p := range paths {
		rel, err := filepath.Rel(root, p)
		require.NoError(t, err)
		out[i] = filepath.ToSlash(rel)
	}
	return out
}

func TestCollectFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":             "drafts/\n",
		"guide.md":               "# guide",
		"notes.txt":              "notes",
		"big.txt":                "0123456789abcdef",
		"image.png":              "\x89PNG",
		"drafts/wip.md":          "wip",
		"node_modules/x/doc.md":  "dependency docs",
		"sub/deep/report.html":   "<p>r</p>",
		"sub/deep/private.md":    "private",
		"sub/deep/table.csv":     "a,b\n1,2\n",
		"sub/deep/archive.zip":   "PK",
		"sub/deep/.ragignore.md": "hidden",
	})

	files, skips, err := collectFiles([]string{root}, collectOptions{
		maxSize: 12,
		exclude: []string{"private.md"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"guide.md",
		"notes.txt",
		"sub/deep/report.html",
		"sub/deep/table.csv",
		"sub/deep/.ragignore.md",
	}, relAll(t, root, files))

	reasons := map[string]string{}
	for _, s := range skips {
		rel, _ := filepath.Rel(root, s.path)
		reasons[filepath.ToSlash(rel)] = s.reason
	}
	assert.Equal(t, "larger than 12 bytes", reasons["big.txt"])
	assert.Equal(t, "unsupported format", reasons["image.png"])
	assert.Equal(t, "unsupported format", reasons["sub/deep/archive.zip"])
	assert.NotContains(t, reasons, "drafts/wip.md")
}

func TestCollectFiles_ExplicitFilesKept(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"data.bin": "\x00\x01"})
	p := filepath.Join(root, "data.bin")

	files, skips, err := collectFiles([]string{p}, collectOptions{maxSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{p}, files)
	assert.Empty(t, skips)

	_, _, err = collectFiles([]string{filepath.Join(root, "missing.md")}, collectOptions{})
	assert.Error(t, err)
}

func TestBatches(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, batches(files, 2))
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, batches(files, 10))
	assert.Len(t, batches(files, 0), 5)
	assert.Nil(t, batches(nil, 3))
}

func TestUpload_Directory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.md":  "alpha",
		"b.md":  "bravo",
		"c.txt": "charlie",
	})

	var requests int
	var names []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			for _, fh := range r.MultipartForm.File["files"] {
				names = append(names, fh.Filename)
			}
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"ok","processed_files":1}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "upload", "col-1", root, "--batch", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	assert.ElementsMatch(t, []string{"a.md", "b.md", "c.txt"}, names)
}
