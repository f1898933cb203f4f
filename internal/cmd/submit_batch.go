package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gosqueeze/internal/config"
)

// batchEntry is one job to submit.
type batchEntry struct {
	Source       string
	CeilingBytes int64
	Name         string
}

// batchFile is the --manifest format:
//
//	ceiling: 200KiB
//	jobs:
//	  - source: ./hero.png
//	    ceiling: 50KiB
//	    name: hero
type batchFile struct {
	Ceiling string          `yaml:"ceiling"`
	Jobs    []batchFileItem `yaml:"jobs"`
}

type batchFileItem struct {
	Source  string `yaml:"source"`
	Ceiling string `yaml:"ceiling"`
	Name    string `yaml:"name"`
}

func parseCeiling(s string) (int64, error) {
	n, err := config.ParseByteSize(s)
	if err != nil {
		return 0, err
	}
	if uint64(n) > 1<<62 {
		return 0, fmt.Errorf("ceiling %q is too large", s)
	}
	return int64(n), nil
}

// loadBatchFile reads a manifest. Relative local sources resolve against the
// manifest's directory. fallback applies to entries without a ceiling when
// the file sets none.
func loadBatchFile(path string, fallback *int64) ([]batchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseBatch(data, filepath.Dir(path), fallback)
}

func parseBatch(data []byte, baseDir string, fallback *int64) ([]batchEntry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var bf batchFile
	if err := dec.Decode(&bf); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("manifest is empty")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(bf.Jobs) == 0 {
		return nil, fmt.Errorf("manifest lists no jobs")
	}

	def := fallback
	if strings.TrimSpace(bf.Ceiling) != "" {
		n, err := parseCeiling(bf.Ceiling)
		if err != nil {
			return nil, fmt.Errorf("manifest ceiling: %w", err)
		}
		def = &n
	}

	out := make([]batchEntry, 0, len(bf.Jobs))
	for i, item := range bf.Jobs {
		src := strings.TrimSpace(item.Source)
		if src == "" {
			return nil, fmt.Errorf("jobs[%d]: source is required", i)
		}
		if !strings.Contains(src, "://") && !filepath.IsAbs(src) {
			src = filepath.Join(baseDir, src)
		}

		var ceiling int64
		switch {
		case strings.TrimSpace(item.Ceiling) != "":
			n, err := parseCeiling(item.Ceiling)
			if err != nil {
				return nil, fmt.Errorf("jobs[%d]: %w", i, err)
			}
			ceiling = n
		case def != nil:
			ceiling = *def
		default:
			return nil, fmt.Errorf("jobs[%d]: ceiling is required (set it per job, at the top level, or with --ceiling)", i)
		}
		out = append(out, batchEntry{Source: src, CeilingBytes: ceiling, Name: strings.TrimSpace(item.Name)})
	}
	return out, nil
}

// expandGlob returns the regular files matching a doublestar pattern, sorted.
func expandGlob(pattern string) ([]string, error) {
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
