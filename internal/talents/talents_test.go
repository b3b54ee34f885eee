package talents

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantFeatures []string
		wantTitle    string
		wantBody     string
		wantErr      bool
	}{
		{
			name:      "no frontmatter",
			raw:       "# Hello\n\nSome content.\n",
			wantTitle: "Hello",
			wantBody:  "# Hello\n\nSome content.",
		},
		{
			name:         "features",
			raw:          "---\nfeatures: [email, calendar]\n---\n# Mail\nBody.",
			wantFeatures: []string{"email", "calendar"},
			wantTitle:    "Mail",
			wantBody:     "# Mail\nBody.",
		},
		{
			name:         "block list and extra fields",
			raw:          "---\nauthor: me\nfeatures:\n  - shell\n---\nNo heading.",
			wantFeatures: []string{"shell"},
			wantTitle:    "t",
			wantBody:     "No heading.",
		},
		{
			name:      "no closing delimiter",
			raw:       "---\nfeatures: [x]\nbody",
			wantTitle: "t",
			wantBody:  "---\nfeatures: [x]\nbody",
		},
		{
			name:    "bad yaml",
			raw:     "---\nfeatures: [unclosed\n---\nbody",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse("t", tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !slices.Equal(got.Features, tt.wantFeatures) {
				t.Errorf("Features = %v, want %v", got.Features, tt.wantFeatures)
			}
			if got.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got.Title, tt.wantTitle)
			}
			if got.Content != tt.wantBody {
				t.Errorf("Content = %q, want %q", got.Content, tt.wantBody)
			}
		})
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "zeta.md", "# Zeta\nLast.")
	writeFile(t, dir, "alpha.md", "---\nfeatures: [email]\n---\n# Alpha\nFirst.")
	writeFile(t, dir, "notes.txt", "ignored")
	if err := os.Mkdir(filepath.Join(dir, "sub.md"), 0o755); err != nil {
		t.Fatal(err)
	}

	talents, err := NewLoader(dir).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(talents) != 2 {
		t.Fatalf("len(talents) = %d, want 2", len(talents))
	}
	if talents[0].Name != "alpha" || talents[1].Name != "zeta" {
		t.Errorf("order = %s, %s", talents[0].Name, talents[1].Name)
	}
}

func TestLoadAll_MissingDir(t *testing.T) {
	talents, err := NewLoader(filepath.Join(t.TempDir(), "nope")).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if talents != nil {
		t.Errorf("LoadAll() = %v, want nil", talents)
	}
}

func TestLoadAll_Defaults(t *testing.T) {
	talents, err := NewLoader("").LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	var names []string
	for _, tl := range talents {
		names = append(names, tl.Name)
		if strings.HasPrefix(tl.Content, "---") {
			t.Errorf("%s: frontmatter not stripped", tl.Name)
		}
	}
	if !slices.Equal(names, []string{"archive", "email", "shell"}) {
		t.Errorf("default talents = %v", names)
	}
}

func TestFilter(t *testing.T) {
	all := []Talent{
		{Name: "always"},
		{Name: "mail", Features: []string{"email"}},
		{Name: "ops", Features: []string{"shell", "deploy"}},
	}
	enabled := map[string]bool{"deploy": true}
	got := Filter(all, func(f string) bool { return enabled[f] })

	var names []string
	for _, tl := range got {
		names = append(names, tl.Name)
	}
	if !slices.Equal(names, []string{"always", "ops"}) {
		t.Errorf("Filter() = %v", names)
	}
}
