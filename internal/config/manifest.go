package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the assets stored in the static partition at startup
type Manifest struct {
	Assets []string `yaml:"assets"`
}

// LoadManifest loads a precache manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	var manifest Manifest

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}

	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest YAML: %w", err)
	}

	return &manifest, nil
}

// PrecacheURLs returns the absolute URLs of the app shell, merging the inline
// list with the manifest file when one is configured. Duplicates are dropped.
func (c *Config) PrecacheURLs() ([]string, error) {
	entries := append([]string{}, c.Generations.Precache...)
	if c.Generations.PrecacheFile != "" {
		manifest, err := LoadManifest(c.Generations.PrecacheFile)
		if err != nil {
			return nil, err
		}
		entries = append(entries, manifest.Assets...)
	}

	origin := strings.TrimRight(c.Generations.Origin, "/")
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "/") {
			if origin == "" {
				return nil, fmt.Errorf("precache entry %q is relative but generations.origin is not set", e)
			}
			e = origin + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}
