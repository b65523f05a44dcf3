// Package catalog holds the resource catalog: the supported resource
// types, their auto-created companions, purpose profiles, next-step
// suggestions and customize-mode questions.
//
// The built-in catalog is embedded and validated once at load time, so
// every later lookup can assume a complete, acyclic catalog.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

//go:embed catalog.yaml
var builtin []byte

// GeneralPurpose is the fallback profile every catalog entry must carry.
const GeneralPurpose = "general"

// Companion scope values.
const (
	ScopeShared = "shared"
	ScopeParent = "parent"
)

// Companion is a resolved companion reference.
type Companion struct {
	Type  engine.ResourceType
	Scope string

	// Purpose, when non-empty, replaces the inherited parent purpose.
	Purpose string
}

// Catalog is a validated, immutable resource catalog.
type Catalog struct {
	entries map[engine.ResourceType]*Entry
	order   map[engine.ResourceType]int
	types   []engine.ResourceType
}

// Load parses and validates the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(builtin)
}

// Parse builds a catalog from raw YAML. It rejects duplicate types,
// missing general profiles, references to undeclared companion types and
// cycles in the companion graph, so resolution never has to re-check any
// of that.
func Parse(data []byte) (*Catalog, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("parse catalog: %v", err), err).WithCode(engine.ErrCodeValidation)
	}
	if err := validator.New().Struct(&file); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid catalog: %v", err), err).WithCode(engine.ErrCodeValidation)
	}

	c := &Catalog{
		entries: make(map[engine.ResourceType]*Entry, len(file.Resources)),
		order:   make(map[engine.ResourceType]int, len(file.Resources)),
	}
	for i := range file.Resources {
		entry := &file.Resources[i]
		rt := engine.ResourceType(entry.Type)
		if _, dup := c.entries[rt]; dup {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("duplicate catalog entry for %q", entry.Type), nil).WithCode(engine.ErrCodeValidation)
		}
		if _, ok := entry.Profiles[GeneralPurpose]; !ok {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("catalog entry %q has no %q profile", entry.Type, GeneralPurpose), nil).WithCode(engine.ErrCodeValidation)
		}
		c.entries[rt] = entry
		c.order[rt] = i
		c.types = append(c.types, rt)
	}

	for _, rt := range c.types {
		for _, ref := range c.entries[rt].Companions {
			comp, ok := c.entries[engine.ResourceType(ref.Type)]
			if !ok {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("catalog entry %q references undeclared companion %q", rt, ref.Type), nil).WithCode(engine.ErrCodeValidation)
			}
			if ref.Purpose != "" {
				if _, ok := comp.Profiles[ref.Purpose]; !ok {
					return nil, engine.NewPermanentError(
						fmt.Sprintf("catalog entry %q pins companion %q to unknown purpose %q", rt, ref.Type, ref.Purpose), nil).WithCode(engine.ErrCodeValidation)
				}
			}
		}
	}
	if cycle := c.findCompanionCycle(); cycle != "" {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("companion cycle through %q", cycle), nil).WithCode(engine.ErrCodeDependencyCycle)
	}
	return c, nil
}

// findCompanionCycle runs a three-color DFS over companion edges and
// returns a type on a cycle, or "" when the graph is acyclic.
func (c *Catalog) findCompanionCycle() engine.ResourceType {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[engine.ResourceType]int, len(c.types))

	var visit func(rt engine.ResourceType) engine.ResourceType
	visit = func(rt engine.ResourceType) engine.ResourceType {
		color[rt] = gray
		for _, ref := range c.entries[rt].Companions {
			next := engine.ResourceType(ref.Type)
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[rt] = black
		return ""
	}
	for _, rt := range c.types {
		if color[rt] == white {
			if hit := visit(rt); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// Has reports whether the catalog knows the given resource type.
func (c *Catalog) Has(rt engine.ResourceType) bool {
	_, ok := c.entries[rt]
	return ok
}

// Types returns every resource type in declaration order.
func (c *Catalog) Types() []engine.ResourceType {
	out := make([]engine.ResourceType, len(c.types))
	copy(out, c.types)
	return out
}

// Order returns the declaration position of a resource type. Unknown
// types sort after every known one.
func (c *Catalog) Order(rt engine.ResourceType) int {
	if pos, ok := c.order[rt]; ok {
		return pos
	}
	return len(c.types)
}

// Companions returns the companion references of a resource type in
// declaration order. Scope defaults to shared when the catalog omits it.
func (c *Catalog) Companions(rt engine.ResourceType) ([]Companion, error) {
	entry, ok := c.entries[rt]
	if !ok {
		return nil, unknownType(rt)
	}
	out := make([]Companion, 0, len(entry.Companions))
	for _, ref := range entry.Companions {
		scope := ref.Scope
		if scope == "" {
			scope = ScopeShared
		}
		out = append(out, Companion{Type: engine.ResourceType(ref.Type), Scope: scope, Purpose: ref.Purpose})
	}
	return out, nil
}

// ResolveConfig returns a copy of the easy-mode configuration and the
// estimated monthly cost for a (type, purpose) pair. An unknown purpose
// falls back to the general profile; an unknown type is an error.
func (c *Catalog) ResolveConfig(rt engine.ResourceType, purpose string) (map[string]string, float64, error) {
	entry, ok := c.entries[rt]
	if !ok {
		return nil, 0, unknownType(rt)
	}
	profile, ok := entry.Profiles[purpose]
	if !ok {
		profile = entry.Profiles[GeneralPurpose]
	}
	cfg := make(map[string]string, len(profile.Config))
	for k, v := range profile.Config {
		cfg[k] = v
	}
	return cfg, profile.MonthlyCost, nil
}

// Purposes returns the profile names of a resource type in sorted order.
func (c *Catalog) Purposes(rt engine.ResourceType) []string {
	entry, ok := c.entries[rt]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.Profiles))
	for purpose := range entry.Profiles {
		out = append(out, purpose)
	}
	sort.Strings(out)
	return out
}

// Suggestions returns the ordered next-step suggestions for a
// (type, purpose) pair, falling back to the general list.
func (c *Catalog) Suggestions(rt engine.ResourceType, purpose string) []string {
	entry, ok := c.entries[rt]
	if !ok {
		return nil
	}
	if list, ok := entry.Suggestions[purpose]; ok {
		return append([]string(nil), list...)
	}
	return append([]string(nil), entry.Suggestions[GeneralPurpose]...)
}

// Questions returns the customize-mode prompts for a resource type in
// ask order.
func (c *Catalog) Questions(rt engine.ResourceType) []Question {
	entry, ok := c.entries[rt]
	if !ok {
		return nil
	}
	return append([]Question(nil), entry.Questions...)
}

func unknownType(rt engine.ResourceType) error {
	return engine.NewPermanentError(
		fmt.Sprintf("unknown resource type %q", rt), nil).WithCode(engine.ErrCodeUnknownResourceType)
}
