// Package talents loads the markdown guidance files that become
// sections of the system prompt.
package talents

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults are the talents shipped with aide, used when no talents
// directory is configured.
//
//go:embed defaults/*.md
var Defaults embed.FS

// Talent is one parsed guidance file.
type Talent struct {
	Name  string // file name without .md
	Title string // first markdown heading, or Name

	// Features limits the talent to turns where one of these tool
	// features is enabled. Empty means always included.
	Features []string

	Content string // body with frontmatter stripped
}

type frontmatter struct {
	Features []string `yaml:"features"`
}

// Loader reads talents from a filesystem.
type Loader struct {
	fsys fs.FS
	dir  string
}

// NewLoader reads talents from dir on disk. An empty dir uses Defaults.
func NewLoader(dir string) *Loader {
	if dir == "" {
		return &Loader{fsys: Defaults, dir: "defaults"}
	}
	return &Loader{fsys: os.DirFS(dir), dir: "."}
}

// LoadAll reads every .md file, sorted by name. A missing directory
// yields no talents.
func (l *Loader) LoadAll() ([]Talent, error) {
	entries, err := fs.ReadDir(l.fsys, l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read talents dir: %w", err)
	}

	var talents []Talent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := fs.ReadFile(l.fsys, path.Join(l.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read talent %s: %w", e.Name(), err)
		}
		t, err := Parse(strings.TrimSuffix(e.Name(), ".md"), string(data))
		if err != nil {
			return nil, err
		}
		talents = append(talents, t)
	}
	slices.SortFunc(talents, func(a, b Talent) int { return strings.Compare(a.Name, b.Name) })
	return talents, nil
}

// Parse reads one talent. Frontmatter is an optional YAML block
// between "---" lines at the very top.
func Parse(name, raw string) (Talent, error) {
	t := Talent{Name: name, Content: raw}
	if rest, ok := strings.CutPrefix(raw, "---\n"); ok {
		head, body, found := strings.Cut(rest, "\n---")
		if found {
			var fm frontmatter
			if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
				return Talent{}, fmt.Errorf("talent %s frontmatter: %w", name, err)
			}
			t.Features = fm.Features
			t.Content = strings.TrimLeft(body, "\r\n")
		}
	}
	t.Content = strings.TrimSpace(t.Content)
	t.Title = name
	for line := range strings.Lines(t.Content) {
		if h, ok := strings.CutPrefix(line, "# "); ok {
			t.Title = strings.TrimSpace(h)
			break
		}
	}
	return t, nil
}

// Include reports whether t applies given the enabled features.
func (t Talent) Include(enabled func(feature string) bool) bool {
	if len(t.Features) == 0 {
		return true
	}
	return slices.ContainsFunc(t.Features, enabled)
}

// Filter returns the talents that apply given the enabled features.
func Filter(talents []Talent, enabled func(feature string) bool) []Talent {
	var out []Talent
	for _, t := range talents {
		if t.Include(enabled) {
			out = append(out, t)
		}
	}
	return out
}
