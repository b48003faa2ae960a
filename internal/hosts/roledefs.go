package hosts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// roleDefsFile is the on-disk shape of a roledefs YAML file: a role name
// mapped to a plain host list.
type roleDefsFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadRoleDefsYAML reads a roledefs file and returns it as a RoleDefs ready
// for Resolve. Every entry loaded this way is a static list; role callables
// only ever come from a task file registering one in-process.
func LoadRoleDefsYAML(path string) (RoleDefs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roledefs file %s: %w", path, err)
	}

	var parsed roleDefsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse roledefs file %s: %w", path, err)
	}

	defs := make(RoleDefs, len(parsed.Roles))
	for role, hosts := range parsed.Roles {
		defs[role] = hosts
	}
	return defs, nil
}

// inventoryFile is the on-disk shape of an Ansible-style static inventory:
// each group name maps to the host list it carries. fleetssh has no
// per-host variable model to hang Ansible's "vars" blocks on, so only the
// host list survives.
type inventoryFile map[string]struct {
	Hosts []string `yaml:"hosts"`
}

// LoadInventoryYAML reads an Ansible-style static inventory file and
// returns every host across every group, deduplicated. Passing a groups
// filter restricts the result to those groups only; an empty filter
// returns every group.
func LoadInventoryYAML(path string, groups []string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory file %s: %w", path, err)
	}

	var parsed inventoryFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse inventory file %s: %w", path, err)
	}

	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		wanted[g] = true
	}

	seen := make(map[string]bool)
	var out []string
	for group, def := range parsed {
		if len(wanted) > 0 && !wanted[group] {
			continue
		}
		for _, h := range def.Hosts {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
	}
	return out, nil
}
