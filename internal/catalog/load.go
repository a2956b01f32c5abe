package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides of catalog values:
// TILECACHE_DATASETS__PARCELS__QUOTA_BYTES -> datasets.parcels.quota_bytes
const EnvPrefix = "TILECACHE_DATASETS__"

func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return "datasets." + strings.ReplaceAll(key, "__", ".")
}

// Load reads the YAML catalog at path (optional when empty), applies
// environment overrides, and validates the result. The file holds a
// "datasets" map keyed by dataset id.
func Load(path string) (*Catalog, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load dataset catalog %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load dataset overrides: %w", err)
	}

	var raw map[string]Dataset
	if err := k.Unmarshal("datasets", &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset catalog: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ds := make([]Dataset, 0, len(raw))
	for _, id := range ids {
		d := raw[id]
		if d.ID == "" {
			d.ID = id
		}
		// comma separated lists arrive from env overrides as one string
		d.Styles = splitList(d.Styles)
		d.Formats = splitList(d.Formats)
		ds = append(ds, d)
	}
	return New(ds...)
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
