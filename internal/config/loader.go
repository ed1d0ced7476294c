package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// bundleExtensions are tried in order when resolving a bundle file.
var bundleExtensions = []string{".json", ".json5", ".yaml", ".yml"}

// resolveBundlePath finds the on-disk file for a bundle, or "" when the
// bundle is absent and defaults apply.
func resolveBundlePath(dir, bundle string) string {
	for _, ext := range bundleExtensions {
		path := filepath.Join(dir, bundle+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadBundleFile reads a bundle file into a raw map, expanding
// ${ENV_VAR} references and resolving $include directives.
func loadBundleFile(path string) (map[string]any, error) {
	return loadBundleFileRec(path, map[string]bool{})
}

func loadBundleFileRec(path string, seen map[string]bool) (map[string]any, error) {
	if seen[path] {
		return nil, fmt.Errorf("config include cycle at %s", path)
	}
	seen[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded), path)
	if err != nil {
		return nil, err
	}
	return resolveIncludes(raw, filepath.Dir(path), seen)
}

// resolveIncludes merges files named by a top-level "$include" key
// (string or list, relative to the including file) under the document.
// Keys in the including file win.
func resolveIncludes(raw map[string]any, dir string, seen map[string]bool) (map[string]any, error) {
	inc, ok := raw["$include"]
	if !ok {
		return raw, nil
	}
	delete(raw, "$include")

	var names []string
	switch v := inc.(type) {
	case string:
		names = []string{v}
	case []any:
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be file names, got %T", item)
			}
			names = append(names, name)
		}
	default:
		return nil, fmt.Errorf("$include must be a file name or a list, got %T", inc)
	}

	merged := map[string]any{}
	for _, name := range names {
		included, err := loadBundleFileRec(filepath.Join(dir, name), seen)
		if err != nil {
			return nil, err
		}
		mergeRaw(merged, included)
	}
	mergeRaw(merged, raw)
	return merged, nil
}

// mergeRaw deep-merges src over dst for nested maps, replacing
// everything else.
func mergeRaw(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				mergeRaw(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

func parseRawBytes(data []byte, path string) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json5":
		if err := json5.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return raw, nil
}

// decodeBundle re-marshals a raw map into a typed bundle struct.
// Going through JSON keeps yaml and json5 sources on one code path.
func decodeBundle(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(out)
}
