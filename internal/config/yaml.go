package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON turns a single-document YAML config into JSON so both formats
// go through the same strict decoder. Scalars inside a job's data map keep
// their literal text, so `expect_status: 200` or `use_shell: yes` land in
// the string map as written.
func yamlToJSON(raw []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("line %d: config must be a single YAML document", extra.Line)
	}

	v, err := nodeValue(&doc, "", false)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func nodeValue(n *yaml.Node, path string, asText bool) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0], path, asText)
	case yaml.AliasNode:
		return nodeValue(n.Alias, path, asText)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for i, c := range n.Content {
			v, err := nodeValue(c, fmt.Sprintf("%s[%d]", path, i), asText)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		return mappingValue(n, path, asText)
	case yaml.ScalarNode:
		if asText {
			if n.ShortTag() == "!!null" {
				return "", nil
			}
			return n.Value, nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", n.Line, displayPath(path), err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("line %d: %s: unsupported YAML node", n.Line, displayPath(path))
}

func mappingValue(n *yaml.Node, path string, asText bool) (map[string]any, error) {
	out := make(map[string]any, len(n.Content)/2)
	explicit := make(map[string]bool, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, val := n.Content[i], n.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: %s: keys must be plain scalars", k.Line, displayPath(path))
		}
		if k.ShortTag() == "!!merge" {
			merged, err := nodeValue(val, path, asText)
			if err != nil {
				return nil, err
			}
			m, ok := merged.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("line %d: %s: merge value must be a mapping", k.Line, displayPath(path))
			}
			for mk, mv := range m {
				if !explicit[mk] {
					out[mk] = mv
				}
			}
			continue
		}
		child := k.Value
		if path != "" {
			child = path + "." + k.Value
		}
		if explicit[k.Value] {
			return nil, fmt.Errorf("line %d: %s: duplicate key", k.Line, child)
		}
		explicit[k.Value] = true
		v, err := nodeValue(val, child, asText || isJobData(path, k.Value))
		if err != nil {
			return nil, err
		}
		out[k.Value] = v
	}
	return out, nil
}

// isJobData matches jobs[i].data.
func isJobData(parent, key string) bool {
	return key == "data" && strings.HasPrefix(parent, "jobs[") && !strings.Contains(parent, ".")
}

func displayPath(path string) string {
	if path == "" {
		return "top level"
	}
	return path
}
