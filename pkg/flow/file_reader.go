package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileReader reads one flow per YAML file from a directory. The flow id is the
// file's id field, or the file stem when the field is empty. Files are read on
// every call so edits are picked up without a restart.
type FileReader struct {
	dir string
}

// NewFileReader returns a reader over dir.
func NewFileReader(dir string) *FileReader {
	return &FileReader{dir: dir}
}

func (r *FileReader) Read(ctx context.Context, id string) (Flow, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) {
		return Flow{}, NotFound(id)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		f, err := r.load(filepath.Join(r.dir, id+ext))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Flow{}, err
		}
		if f.ID == id {
			return f, nil
		}
	}
	// The id field may differ from the file stem.
	files, err := r.files()
	if err != nil {
		return Flow{}, err
	}
	for _, path := range files {
		f, err := r.load(path)
		if err != nil {
			return Flow{}, err
		}
		if f.ID == id {
			return f, nil
		}
	}
	return Flow{}, NotFound(id)
}

func (r *FileReader) List(ctx context.Context) ([]string, error) {
	files, err := r.files()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for _, path := range files {
		f, err := r.load(path)
		if err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *FileReader) files() ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(r.dir, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, m...)
	}
	sort.Strings(out)
	return out, nil
}

func (r *FileReader) load(path string) (Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Flow{}, err
	}
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Flow{}, fmt.Errorf("parse flow %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(f.ID) == "" {
		f.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return f, nil
}
