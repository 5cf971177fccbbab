package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/ragd/internal/extract"
	"github.com/fyrsmithlabs/ragd/internal/ignore"
)

// collectOptions control how upload arguments expand to files.
type collectOptions struct {
	maxSize int64
	// extra ignore rules, applied after the rule files
	exclude []string
}

// skipped records a file left out of an upload and why.
type skipped struct {
	path   string
	reason string
}

// collectFiles expands paths into the files to upload. Files named
// explicitly are always kept. Directories are walked: ignore rules from
// .gitignore and .ragignore at the directory root apply, and only files
// the server can extract and that fit in maxSize are kept.
func collectFiles(paths []string, opts collectOptions) ([]string, []skipped, error) {
	registry := extract.NewRegistry()
	var files []string
	var skips []skipped

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, nil, err
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}

		m, err := ignore.Load(root, ignore.DefaultFiles...)
		if err != nil {
			return nil, nil, fmt.Errorf("loading ignore rules for %s: %w", root, err)
		}
		extra, err := ignore.New(opts.exclude...)
		if err != nil {
			return nil, nil, fmt.Errorf("--exclude: %w", err)
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return fmt.Errorf("computing relative path: %w", err)
			}
			if rel == "." {
				return nil
			}
			if m.Ignored(rel, d.IsDir()) || extra.Ignored(rel, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			if !registry.IsSupported(registry.Resolve("", p)) {
				skips = append(skips, skipped{p, "unsupported format"})
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if opts.maxSize > 0 && fi.Size() > opts.maxSize {
				skips = append(skips, skipped{p, fmt.Sprintf("larger than %d bytes", opts.maxSize)})
				return nil
			}
			files = append(files, p)
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	return files, skips, nil
}

// batches splits files into groups of at most n.
func batches(files []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	var out [][]string
	for len(files) > 0 {
		k := min(n, len(files))
		out = append(out, files[:k])
		files = files[k:]
	}
	return out
}
