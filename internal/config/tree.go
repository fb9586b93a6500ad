package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Jeffail/gabs/v2"
)

// Tree is a node's key→value configuration. Nested objects are
// map[string]any; paths use dots, e.g. `video_params.codec`.
type Tree map[string]any

func (t Tree) container() *gabs.Container {
	if t == nil {
		return gabs.Wrap(map[string]any{})
	}
	return gabs.Wrap(map[string]any(t))
}

// Has reports whether the path is present.
func (t Tree) Has(path string) bool {
	return t.container().ExistsP(path)
}

// Get returns the raw value at path.
func (t Tree) Get(path string) (any, bool) {
	c := t.container()
	if !c.ExistsP(path) {
		return nil, false
	}
	return c.Path(path).Data(), true
}

// String returns the string at path, or def when absent.
func (t Tree) String(path, def string) (string, error) {
	v, ok := t.Get(path)
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", path, v)
	}
	return s, nil
}

// Int returns the integer at path, or def when absent.
func (t Tree) Int(path string, def int) (int, error) {
	v, ok := t.Get(path)
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s: expected integer, got %v", path, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%s: expected integer, got %T", path, v)
	}
}

// Bool returns the boolean at path, or def when absent.
func (t Tree) Bool(path string, def bool) (bool, error) {
	v, ok := t.Get(path)
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected bool, got %T", path, v)
	}
	return b, nil
}

// Duration returns the duration string at path parsed with
// time.ParseDuration, or def when absent.
func (t Tree) Duration(path string, def time.Duration) (time.Duration, error) {
	s, err := t.String(path, "")
	if err != nil {
		return 0, err
	}
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Sub returns the nested object at path, or nil when absent.
func (t Tree) Sub(path string) (Tree, error) {
	v, ok := t.Get(path)
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected object, got %T", path, v)
	}
	return Tree(m), nil
}

// Set writes value at path, creating intermediate objects. It returns the
// receiver, allocating one when t is nil.
func (t Tree) Set(path string, value any) (Tree, error) {
	if t == nil {
		t = Tree{}
	}
	if _, err := gabs.Wrap(map[string]any(t)).SetP(value, path); err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	return t, nil
}

// Keys returns the top-level keys in sorted order.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. Numbers come back as float64, which the typed
// accessors accept.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	cp, err := gabs.ParseJSON(t.container().Bytes())
	if err != nil {
		return cloneValue(map[string]any(t)).(map[string]any)
	}
	m, ok := cp.Data().(map[string]any)
	if !ok {
		return Tree{}
	}
	return Tree(m)
}

// Overlay returns a copy of t with the top-level keys of other replacing
// its own.
func (t Tree) Overlay(other Tree) Tree {
	out := t.Clone()
	if out == nil {
		out = Tree{}
	}
	for k, v := range other.Clone() {
		out[k] = v
	}
	return out
}

// Decode fills target, a pointer to a struct with json tags, from the tree.
// Keys the struct does not declare are rejected.
func (t Tree) Decode(target any) error {
	dec := json.NewDecoder(bytes.NewReader(t.container().Bytes()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// JSON renders the tree with sorted keys.
func (t Tree) JSON() string {
	return t.container().String()
}

// cloneValue is the fallback for trees holding values JSON cannot encode.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
