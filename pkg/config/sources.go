package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
)

// SourceConfig overrides one adapter. Unset fields keep the adapter defaults.
type SourceConfig struct {
	URL     string  `yaml:"url,omitempty"`
	Rate    float64 `yaml:"rate,omitempty"`
	Burst   int     `yaml:"burst,omitempty"`
	Enabled *bool   `yaml:"enabled,omitempty"`
	// Priority orders the merge: lower values are applied first, so higher
	// values win on id collisions.
	Priority *int `yaml:"priority,omitempty"`
}

// SourcesFile is the YAML document behind CERTWATCH_SOURCES_FILE:
//
//	sources:
//	  acvp:
//	    rate: 1
//	  anssi:
//	    enabled: false
type SourcesFile struct {
	Sources map[string]SourceConfig `yaml:"sources"`
}

// LoadSources reads a sources file. An empty path yields an empty file.
func LoadSources(path string) (*SourcesFile, error) {
	if path == "" {
		return &SourcesFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes a sources document, rejecting unknown fields.
func ParseSources(data []byte) (*SourcesFile, error) {
	var f SourcesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	for key, sc := range f.Sources {
		if sc.Rate < 0 || sc.Burst < 0 {
			return nil, fmt.Errorf("source %q: rate and burst must not be negative", key)
		}
	}
	return &f, nil
}

// Overrides converts the file into adapter options keyed by adapter key.
func (f *SourcesFile) Overrides() map[string]sources.Options {
	out := make(map[string]sources.Options, len(f.Sources))
	for key, sc := range f.Sources {
		out[key] = sources.Options{URL: sc.URL, RatePerSecond: sc.Rate, Burst: sc.Burst}
	}
	return out
}

// Apply filters disabled adapters out of adapters and reorders the rest by
// priority. Adapters without a priority keep their position relative to
// each other, ranked as priority 0.
func (f *SourcesFile) Apply(adapters []sources.Adapter) []sources.Adapter {
	out := make([]sources.Adapter, 0, len(adapters))
	for _, a := range adapters {
		if sc, ok := f.Sources[a.Key()]; ok && sc.Enabled != nil && !*sc.Enabled {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return f.priority(out[i].Key()) < f.priority(out[j].Key())
	})
	return out
}

func (f *SourcesFile) priority(key string) int {
	if sc, ok := f.Sources[key]; ok && sc.Priority != nil {
		return *sc.Priority
	}
	return 0
}
