// Package config implements the nested key/value configuration tree:
// a YAML file merged with repeatable "-c KEY=VAL" CLI overrides, read
// back through a single Get(dotted.path) accessor. Grounded on
// cddc/dicts.py's Node.update (recursive merge, shape-conflict
// detection) and caduc/config.py's Config (dotted Get, CLI overlay).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is a nested key/value tree. Values are either scalars (string,
// int, float64, bool, nil) or nested Nodes. Merge and Load reject only a
// map/scalar conflict under the same key; other values, such as YAML
// lists, are stored as they are and not checked.
type Node map[string]any

// Merge recursively folds other into n: maps merge key by key, scalars
// overwrite. A key that is a map in one side and a scalar in the other
// fails loudly, naming the offending key, per the merge-semantics
// requirement in spec.md §9.
func (n Node) Merge(other map[string]any) error {
	for k, v := range other {
		incoming, isMap := asNode(v)
		existing, hasExisting := n[k]
		if !hasExisting {
			if isMap {
				n[k] = Node{}
				if err := n[k].(Node).Merge(incoming); err != nil {
					return err
				}
			} else {
				n[k] = v
			}
			continue
		}
		existingNode, existingIsMap := asNode(existing)
		switch {
		case isMap && existingIsMap:
			if err := existingNode.Merge(incoming); err != nil {
				return err
			}
			n[k] = existingNode
		case isMap != existingIsMap:
			return fmt.Errorf("config: cannot merge key %q: incompatible shapes (existing=%v, incoming=%v)", k, existing, v)
		default:
			n[k] = v
		}
	}
	return nil
}

func asNode(v any) (Node, bool) {
	switch t := v.(type) {
	case Node:
		return t, true
	case map[string]any:
		return Node(t), true
	case map[any]any:
		converted := make(Node, len(t))
		for k, vv := range t {
			converted[fmt.Sprint(k)] = vv
		}
		return converted, true
	default:
		return nil, false
	}
}

// Get resolves a dotted path ("images.grace_time") against n, returning
// nil if any segment is missing or the path walks through a non-map
// value.
func (n Node) Get(path string) any {
	var cur any = n
	for _, seg := range strings.Split(path, ".") {
		node, ok := asNode(cur)
		if !ok {
			return nil
		}
		v, ok := node[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// Load reads the YAML file at path (if it exists; a missing file is not
// an error, matching caduc.config.Config's behavior of defaulting to an
// empty tree) and overlays the repeatable KEY=VAL overrides on top,
// dotted keys creating intermediate Nodes as needed.
func Load(path string, overrides []string) (Node, error) {
	root := Node{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			var doc map[string]any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			if err := root.Merge(doc); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", path, err)
			}
		}
	}
	for _, opt := range overrides {
		key, val, err := parseKV(opt)
		if err != nil {
			return nil, fmt.Errorf("config: parsing override %q: %w", opt, err)
		}
		if err := root.setDotted(key, val); err != nil {
			return nil, fmt.Errorf("config: applying override %q: %w", opt, err)
		}
	}
	return root, nil
}

func parseKV(kv string) (key, val string, err error) {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("expected KEY=VAL, got %q", kv)
	}
	return parts[0], parts[1], nil
}

// setDotted stores val (auto-typed: bool/int/float/string) under a
// dotted path, creating intermediate Nodes, and failing loudly if an
// intermediate segment is already a scalar.
func (n Node) setDotted(path, val string) error {
	segs := strings.Split(path, ".")
	cur := n
	for _, seg := range segs[:len(segs)-1] {
		existing, ok := cur[seg]
		if !ok {
			next := Node{}
			cur[seg] = next
			cur = next
			continue
		}
		node, isMap := asNode(existing)
		if !isMap {
			return fmt.Errorf("cannot set nested key under scalar %q", seg)
		}
		cur[seg] = node
		cur = node
	}
	cur[segs[len(segs)-1]] = typeValue(val)
	return nil
}

func typeValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
