package config

import (
	"embed"
	"sort"
	"strings"
)

//go:embed presets/*.yaml
var presetFS embed.FS

var presetFile = map[string]string{
	"dev":     "presets/dev.yaml",
	"testnet": "presets/testnet.yaml",
}

// Presets lists the built-in configuration ids.
func Presets() []string {
	ids := make([]string, 0, len(presetFile))
	for id := range presetFile {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadConfig resolves id as a built-in preset name, falling back to a file
// path.
func ReadConfig(id string) (*Config, error) {
	path, ok := presetFile[strings.ToLower(id)]
	if !ok {
		return Load(id)
	}
	data, err := presetFS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
