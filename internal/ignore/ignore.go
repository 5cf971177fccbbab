// Package ignore decides which files of a directory tree are skipped, using
// gitignore-style rules.
//
// Supported syntax: blank lines and # comments, ! negation, a trailing /
// for directory-only rules, a leading / or an inner / to anchor a rule to
// the tree root, and a leading **/ or trailing /**. Later rules override
// earlier ones.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultFiles are the rule files read from the root of a tree.
var DefaultFiles = []string{".gitignore", ".ragignore"}

// DefaultRules always apply, before any rule file.
var DefaultRules = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"vendor/",
	"__pycache__/",
	".venv/",
}

type rule struct {
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

func (r rule) matches(rel string, isDir bool) bool {
	if r.dirOnly && !isDir {
		return false
	}
	target := rel
	if !r.anchored {
		target = path.Base(rel)
	}
	ok, _ := path.Match(r.pattern, target)
	return ok
}

// Matcher evaluates an ordered rule list.
type Matcher struct {
	rules []rule
}

// New compiles lines into a Matcher.
func New(lines ...string) (*Matcher, error) {
	m := &Matcher{}
	for i, line := range lines {
		r, ok, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("rule %d %q: %w", i+1, line, err)
		}
		if ok {
			m.rules = append(m.rules, r)
		}
	}
	return m, nil
}

// Load builds a Matcher from DefaultRules followed by each rule file found
// in root. Missing files are skipped.
func Load(root string, files ...string) (*Matcher, error) {
	lines := append([]string(nil), DefaultRules...)
	for _, name := range files {
		fileLines, err := readLines(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, fileLines...)
	}
	return New(lines...)
}

// Ignored reports whether rel, a slash- or OS-separated path relative to the
// tree root, is excluded. A file under an excluded directory is excluded.
func (m *Matcher) Ignored(rel string, isDir bool) bool {
	rel = strings.Trim(filepath.ToSlash(filepath.Clean(rel)), "/")
	if rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if m.match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return m.match(rel, isDir)
}

func (m *Matcher) match(rel string, isDir bool) bool {
	ignored := false
	for _, r := range m.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}

// parseLine compiles one line. ok is false for blanks and comments.
func parseLine(line string) (r rule, ok bool, err error) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false, nil
	}
	if strings.HasPrefix(line, `\#`) || strings.HasPrefix(line, `\!`) {
		line = line[1:]
	} else if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}

	if strings.HasSuffix(line, "/**") {
		line = strings.TrimSuffix(line, "/**")
		r.dirOnly = true
	}
	if strings.HasSuffix(line, "/") {
		line = strings.TrimSuffix(line, "/")
		r.dirOnly = true
	}
	switch {
	case strings.HasPrefix(line, "**/"):
		line = strings.TrimPrefix(line, "**/")
		r.anchored = strings.Contains(line, "/")
	case strings.HasPrefix(line, "/"):
		line = strings.TrimPrefix(line, "/")
		r.anchored = true
	default:
		r.anchored = strings.Contains(line, "/")
	}
	if line == "" {
		return rule{}, false, nil
	}
	// ** inside a pattern has no special meaning to path.Match; treat it
	// as a single-segment wildcard.
	line = strings.ReplaceAll(line, "**", "*")
	if _, err := path.Match(line, ""); err != nil {
		return rule{}, false, err
	}
	r.pattern = line
	return r, true, nil
}

func readLines(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return lines, nil
}
