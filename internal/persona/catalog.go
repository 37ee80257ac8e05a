// ABOUTME: Persona catalog loaded from embedded TOML with an optional file override
// ABOUTME: Looks personas up by id for initialization requests and the listing API

package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed builtin.toml
var builtinTOML string

// Catalog errors
var (
	ErrInvalidPersona = errors.New("invalid persona")
	ErrDuplicateID    = errors.New("duplicate persona id")
)

// Persona is a named system instruction for one side of a conversation.
type Persona struct {
	ID     string `toml:"id" json:"id"`
	Name   string `toml:"name" json:"name"`
	Prompt string `toml:"prompt" json:"prompt"`
}

type catalogFile struct {
	Persona []Persona `toml:"persona"`
}

// Catalog is an ordered, read-only set of personas.
type Catalog struct {
	byID  map[string]Persona
	order []string
}

// Builtin returns the catalog compiled into the binary.
func Builtin() (*Catalog, error) {
	entries, err := parse(builtinTOML)
	if err != nil {
		return nil, fmt.Errorf("parsing builtin personas: %w", err)
	}
	c := &Catalog{byID: make(map[string]Persona)}
	c.merge(entries)
	return c, nil
}

// Load returns the builtin catalog with the personas from path merged over
// it. An entry whose id matches a builtin replaces it in place; new ids are
// appended in file order. An empty path returns the builtins unchanged.
func Load(path string) (*Catalog, error) {
	c, err := Builtin()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona file: %w", err)
	}
	entries, err := parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	c.merge(entries)
	return c, nil
}

func parse(data string) ([]Persona, error) {
	var f catalogFile
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	seen := make(map[string]bool, len(f.Persona))
	for i, p := range f.Persona {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("persona %d: %w", i+1, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, p.ID)
		}
		seen[p.ID] = true
	}
	return f.Persona, nil
}

func (c *Catalog) merge(entries []Persona) {
	for _, p := range entries {
		if _, exists := c.byID[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.byID[p.ID] = p
	}
}

// Validate checks that id, name and prompt are all set.
func (p Persona) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidPersona)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required for %q", ErrInvalidPersona, p.ID)
	case strings.TrimSpace(p.Prompt) == "":
		return fmt.Errorf("%w: prompt is required for %q", ErrInvalidPersona, p.ID)
	}
	return nil
}

// Get returns the persona with the given id.
func (c *Catalog) Get(id string) (Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// List returns every persona in catalog order.
func (c *Catalog) List() []Persona {
	out := make([]Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of personas.
func (c *Catalog) Len() int {
	return len(c.order)
}
