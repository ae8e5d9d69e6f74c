// Package skills loads capability bundles that agents list into their
// prompts. A skill is a named YAML file describing a capability and the
// instructions for exercising it.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one capability bundle.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AgentKinds   []string `yaml:"agent_kinds"`
	Instructions string   `yaml:"instructions"`
}

// Registry holds the skills loaded at startup. It is immutable after Load.
type Registry struct {
	skills []Skill
}

// Load reads every *.yaml/*.yml file in dir. A missing or empty dir yields
// an empty registry, not an error; agents simply run without skills.
func Load(dir string) (*Registry, error) {
	reg := &Registry{}
	if dir == "" {
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read skills dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read skill %s: %w", entry.Name(), err)
		}
		var skill Skill
		if err := yaml.Unmarshal(data, &skill); err != nil {
			return nil, fmt.Errorf("failed to parse skill %s: %w", entry.Name(), err)
		}
		if skill.Name == "" {
			return nil, fmt.Errorf("skill %s has no name", entry.Name())
		}
		reg.skills = append(reg.skills, skill)
	}

	sort.Slice(reg.skills, func(i, j int) bool { return reg.skills[i].Name < reg.skills[j].Name })
	return reg, nil
}

// All returns every loaded skill.
func (r *Registry) All() []Skill {
	return append([]Skill(nil), r.skills...)
}

// ForKind returns the skills applicable to an agent kind. A skill with no
// agent_kinds applies to every kind.
func (r *Registry) ForKind(kind string) []Skill {
	var out []Skill
	for _, skill := range r.skills {
		if len(skill.AgentKinds) == 0 {
			out = append(out, skill)
			continue
		}
		for _, k := range skill.AgentKinds {
			if k == kind {
				out = append(out, skill)
				break
			}
		}
	}
	return out
}
