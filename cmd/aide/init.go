package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/aide/internal/defaults"
	"github.com/nugget/aide/internal/talents"
)

// runInit creates a working directory with the example config, persona
// and the shipped talents. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing aide workspace in %s\n", dir)

	for _, sub := range []string{"data", "talents"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may carry secrets.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	if err := writeIfMissing(w, filepath.Join(dir, "persona.md"), defaults.PersonaMD, 0o644); err != nil {
		return err
	}

	err := fs.WalkDir(talents.Defaults, "defaults", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		content, err := talents.Defaults.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}
		return writeIfMissing(w, filepath.Join(dir, "talents", d.Name()), content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install talents: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and persona.md, then run: aide -config config.yaml serve")
	return nil
}

// writeIfMissing writes content to path unless the file exists, and
// reports which happened.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
