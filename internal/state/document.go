// Package state provides the state-tracker contract consumed by rooms and a
// JSON document implementation that emits patches as it is mutated.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Patch operations.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// ErrInvalidPatch is returned for malformed patches and unresolvable paths.
var ErrInvalidPatch = errors.New("invalid patch")

// Patch is one incremental change addressed by a JSON pointer style path.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Key identifies the patch for coalescing: operation plus path.
func (p Patch) Key() string { return p.Op + " " + p.Path }

// Params filter what a listener or snapshot sees.
type Params struct {
	// ClientID is the subscribing client. Patches originating from it are not
	// echoed back.
	ClientID string `json:"clientId,omitempty"`
	// Paths restricts delivery to patches under these path prefixes. Empty means everything.
	Paths []string `json:"paths,omitempty"`
}

// Visible reports whether a patch at path passes the Paths filter.
func (p Params) Visible(path string) bool {
	if len(p.Paths) == 0 {
		return true
	}
	for _, prefix := range p.Paths {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Listener receives tracked patches.
type Listener func(Patch)

// Tracker is the contract patch distribution depends on.
type Tracker interface {
	// OnPatch registers listener filtered by params and returns its disposer.
	OnPatch(listener Listener, params Params) (dispose func())
	// Snapshot returns the full state visible under params.
	Snapshot(params Params) any
	// Dispose drops every listener.
	Dispose()
}

type subscription struct {
	listener Listener
	params   Params
}

// Document is a mutable JSON object that notifies listeners of every change.
// It is safe for concurrent use.
type Document struct {
	mu        sync.Mutex
	root      map[string]any
	nextID    int
	listeners map[int]subscription
}

var _ Tracker = (*Document)(nil)

// NewDocument creates a Document holding a deep copy of initial.
func NewDocument(initial map[string]any) *Document {
	root := map[string]any{}
	if initial != nil {
		root = deepCopy(initial).(map[string]any)
	}
	return &Document{root: root, listeners: make(map[int]subscription)}
}

// OnPatch implements Tracker.
func (d *Document) OnPatch(listener Listener, params Params) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = subscription{listener: listener, params: params}
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}

// Snapshot implements Tracker.
func (d *Document) Snapshot(params Params) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(params.Paths) == 0 {
		return deepCopy(d.root)
	}
	out := map[string]any{}
	for _, p := range params.Paths {
		v, err := lookup(d.root, p)
		if err != nil {
			continue
		}
		segs, _ := split(p)
		if len(segs) == 0 {
			return deepCopy(d.root)
		}
		_ = assign(out, segs, deepCopy(v), true)
	}
	return out
}

// Dispose implements Tracker.
func (d *Document) Dispose() {
	d.mu.Lock()
	d.listeners = make(map[int]subscription)
	d.mu.Unlock()
}

// Get returns a copy of the value at path.
func (d *Document) Get(path string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := lookup(d.root, path)
	if err != nil {
		return nil, false
	}
	return deepCopy(v), true
}

// Set writes value at path, creating intermediate objects. The emitted patch is
// "add" for a new key and "replace" for an existing one.
func (d *Document) Set(origin, path string, value any) error {
	op := OpAdd
	d.mu.Lock()
	if _, err := lookup(d.root, path); err == nil {
		op = OpReplace
	}
	d.mu.Unlock()
	return d.Apply(origin, Patch{Op: op, Path: path, Value: value})
}

// Remove deletes the value at path.
func (d *Document) Remove(origin, path string) error {
	return d.Apply(origin, Patch{Op: OpRemove, Path: path})
}

// Apply mutates the document and notifies every listener whose params let the
// patch through, except the one belonging to origin.
func (d *Document) Apply(origin string, p Patch) error {
	segs, err := split(p.Path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: cannot %s the document root", ErrInvalidPatch, p.Op)
	}
	p.Value = normalize(p.Value)

	d.mu.Lock()
	switch p.Op {
	case OpAdd, OpReplace:
		err = assign(d.root, segs, deepCopy(p.Value), true)
	case OpRemove:
		err = remove(d.root, segs)
	default:
		err = fmt.Errorf("%w: unknown op %q", ErrInvalidPatch, p.Op)
	}
	if err != nil {
		d.mu.Unlock()
		return err
	}
	targets := make([]Listener, 0, len(d.listeners))
	for _, s := range d.listeners {
		if origin != "" && s.params.ClientID == origin {
			continue
		}
		if !s.params.Visible(p.Path) {
			continue
		}
		targets = append(targets, s.listener)
	}
	d.mu.Unlock()

	for _, l := range targets {
		l(Patch{Op: p.Op, Path: p.Path, Value: deepCopy(p.Value)})
	}
	return nil
}

func split(path string) ([]string, error) {
	if path == "" || path == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: path %q must start with /", ErrInvalidPatch, path)
	}
	segs := strings.Split(path[1:], "/")
	for i, s := range segs {
		segs[i] = strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
	}
	return segs, nil
}

func lookup(root map[string]any, path string) (any, error) {
	segs, err := split(path)
	if err != nil {
		return nil, err
	}
	var cur any = root
	for _, s := range segs {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[s]
			if !ok {
				return nil, fmt.Errorf("%w: %s not found", ErrInvalidPatch, path)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(s)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("%w: bad index %q in %s", ErrInvalidPatch, s, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%w: %s crosses a scalar", ErrInvalidPatch, path)
		}
	}
	return cur, nil
}

// assign writes value at segs below root. Array elements are replaced in
// place; "-" appends.
func assign(root map[string]any, segs []string, value any, create bool) error {
	parent := root
	for i, s := range segs[:len(segs)-1] {
		next, ok := parent[s]
		if !ok {
			if !create {
				return fmt.Errorf("%w: /%s not found", ErrInvalidPatch, strings.Join(segs[:i+1], "/"))
			}
			child := map[string]any{}
			parent[s] = child
			parent = child
			continue
		}
		if arr, ok := next.([]any); ok && i == len(segs)-2 {
			return assignIndex(parent, s, arr, segs[len(segs)-1], value)
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: /%s is not an object", ErrInvalidPatch, strings.Join(segs[:i+1], "/"))
		}
		parent = child
	}
	parent[segs[len(segs)-1]] = value
	return nil
}

func assignIndex(parent map[string]any, key string, arr []any, idx string, value any) error {
	if idx == "-" {
		parent[key] = append(arr, value)
		return nil
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 || i > len(arr) {
		return fmt.Errorf("%w: bad index %q", ErrInvalidPatch, idx)
	}
	if i == len(arr) {
		parent[key] = append(arr, value)
		return nil
	}
	arr[i] = value
	return nil
}

func remove(root map[string]any, segs []string) error {
	var cur any = root
	for _, s := range segs[:len(segs)-1] {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[s]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(s)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]any:
		delete(node, last)
	case []any:
		// Arrays are removed from through their parent map so the slice can shrink.
		return removeIndex(root, segs)
	}
	return nil
}

func removeIndex(root map[string]any, segs []string) error {
	parentSegs, key, idx := segs[:len(segs)-2], segs[len(segs)-2], segs[len(segs)-1]
	var holder any = root
	for _, s := range parentSegs {
		m, ok := holder.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: unsupported nested array path", ErrInvalidPatch)
		}
		holder = m[s]
	}
	m, ok := holder.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: unsupported nested array path", ErrInvalidPatch)
	}
	arr, _ := m[key].([]any)
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 || i >= len(arr) {
		return nil
	}
	m[key] = append(arr[:i:i], arr[i+1:]...)
	return nil
}

// normalize converts arbitrary Go values into their generic JSON form.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func deepCopy(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, c := range node {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, c := range node {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return normalize(v)
	}
}
