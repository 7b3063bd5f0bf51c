// Package catalog loads the room type definitions a server process offers.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/magx-io/magx/internal/room"
)

// Behavior names accepted in a catalog entry.
const (
	BehaviorRelay  = "relay"
	BehaviorLobby  = "lobby"
	BehaviorScript = "script"
)

// Entry defines one room type.
type Entry struct {
	Name      string         `yaml:"name"`
	Behavior  string         `yaml:"behavior"`
	Params    map[string]any `yaml:"params"`
	PatchRate time.Duration  `yaml:"patch_rate"`
	Script    string         `yaml:"script"`
}

// Catalog is the top-level structure of a catalog file.
type Catalog struct {
	Rooms []Entry `yaml:"rooms"`
}

// Builder turns an entry into the factory its room type runs with.
type Builder func(e Entry) (room.Factory, error)

// LoadFromFile reads and validates a catalog file. Relative script paths are
// resolved against the file's directory.
//
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	c, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading catalog %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range c.Rooms {
		if s := c.Rooms[i].Script; s != "" && !filepath.IsAbs(s) {
			c.Rooms[i].Script = filepath.Join(dir, s)
		}
	}
	return c, nil
}

// LoadFromBytes parses and validates a catalog from YAML bytes.
func LoadFromBytes(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem in the catalog at once.
func (c *Catalog) Validate() error {
	var errs []string
	if len(c.Rooms) == 0 {
		errs = append(errs, "catalog defines no rooms")
	}
	seen := make(map[string]bool, len(c.Rooms))
	for i, e := range c.Rooms {
		label := fmt.Sprintf("rooms[%d]", i)
		if e.Name == "" {
			errs = append(errs, label+": name must not be empty")
		} else {
			label = fmt.Sprintf("rooms[%d] (%s)", i, e.Name)
			if seen[e.Name] {
				errs = append(errs, label+": duplicate name")
			}
			seen[e.Name] = true
		}
		switch e.Behavior {
		case BehaviorRelay, BehaviorLobby:
			if e.Script != "" {
				errs = append(errs, label+": script is only valid for script rooms")
			}
		case BehaviorScript:
			if e.Script == "" {
				errs = append(errs, label+": script rooms need a script path")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown behavior %q", label, e.Behavior))
		}
		if e.PatchRate < 0 {
			errs = append(errs, label+": patch_rate must not be negative")
		}
	}
	if len(errs) > 0 {
		return errors.New("catalog validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

// Install defines every entry on m using the builder registered for its
// behavior.
func (c *Catalog) Install(m *room.Manager, builders map[string]Builder) error {
	for _, e := range c.Rooms {
		build, ok := builders[e.Behavior]
		if !ok {
			return fmt.Errorf("room type %s: no builder for behavior %q", e.Name, e.Behavior)
		}
		f, err := build(e)
		if err != nil {
			return fmt.Errorf("room type %s: %w", e.Name, err)
		}
		m.Define(e.Name, f, room.TypeOptions{Params: e.Params, PatchRate: e.PatchRate})
	}
	return nil
}
