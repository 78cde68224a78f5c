// Package registry reads seed files describing managed model groups, for bulk
// import into the store.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"dispatchd/internal/common/fsutil"
	"dispatchd/internal/store"
)

// Seed is the on-disk shape of one model group.
type Seed struct {
	Group             string             `json:"group" yaml:"group" toml:"group"`
	DailyRequestLimit int64              `json:"daily_request_limit" yaml:"daily_request_limit" toml:"daily_request_limit"`
	Proxy             string             `json:"proxy,omitempty" yaml:"proxy,omitempty" toml:"proxy,omitempty"`
	CreatedAt         time.Time          `json:"created_at,omitempty" yaml:"created_at,omitempty" toml:"created_at,omitempty"`
	Definitions       []store.Definition `json:"definitions" yaml:"definitions" toml:"definitions"`
}

type seedFile struct {
	Models []Seed `json:"models" yaml:"models" toml:"models"`
}

// NewModel converts a seed into a store insert.
func (s Seed) NewModel() store.NewModel {
	return store.NewModel{
		GroupName:         strings.TrimSpace(s.Group),
		Definitions:       s.Definitions,
		ProxyTarget:       strings.TrimSpace(s.Proxy),
		DailyRequestLimit: s.DailyRequestLimit,
		CreatedAt:         s.CreatedAt,
	}
}

// LoadFile parses one seed file by extension (.yaml/.yml, .json, .toml).
// Environment variables are expanded first so credentials can stay out of
// the file. Every entry is validated; the first invalid one fails the load.
func LoadFile(path string) ([]store.NewModel, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	b = []byte(os.ExpandEnv(string(b)))
	var f seedFile
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	case ".json":
		err = json.Unmarshal(b, &f)
	case ".toml":
		err = toml.Unmarshal(b, &f)
	default:
		return nil, fmt.Errorf("unsupported seed extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", filepath.Base(p), err)
	}
	out := make([]store.NewModel, 0, len(f.Models))
	for i, s := range f.Models {
		n := s.NewModel()
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("%s: entry %d (%s): %w", filepath.Base(p), i, s.Group, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// LoadDir loads every seed file in dir, in file name order.
func LoadDir(dir string) ([]store.NewModel, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json", ".toml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var all []store.NewModel
	for _, name := range names {
		ms, err := LoadFile(filepath.Join(base, name))
		if err != nil {
			return nil, err
		}
		all = append(all, ms...)
	}
	return all, nil
}

// Load reads a file or a directory of seed files.
func Load(path string) ([]store.NewModel, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat seed: %w", err)
	}
	if fi.IsDir() {
		return LoadDir(p)
	}
	return LoadFile(p)
}
