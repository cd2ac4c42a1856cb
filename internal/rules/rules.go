// Package rules loads the policy rules handed to the decision engine.
//
// A rules directory holds *.yaml or *.yml files. Each file contains either
// a single rule mapping or a list of rules. A single rule looks like:
//
//	name: no-reboot
//	condition: action.module == "reboot"
//	action: ask
//	description: Reboots need a human decision.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loopd/internal/model"
)

// Load reads every rule file in dir, ordered by file name.
// A missing directory yields no rules.
func Load(dir string) ([]model.Rule, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Rule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	out := []model.Rule{}
	seen := make(map[string]string)
	for _, name := range files {
		path := filepath.Join(dir, name)
		rules, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		for _, r := range rules {
			if prev, dup := seen[r.Name]; dup {
				return nil, fmt.Errorf("%s: rule %q already defined in %s", path, r.Name, prev)
			}
			seen[r.Name] = path
			out = append(out, r)
		}
	}
	return out, nil
}

func parseFile(path string) ([]model.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	var rules []model.Rule
	switch root := node.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&rules); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case yaml.MappingNode:
		var r model.Rule
		if err := root.Decode(&r); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rules = []model.Rule{r}
	default:
		return nil, fmt.Errorf("%s: line %d: expected a rule or a list of rules", path, root.Line)
	}

	for i, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("%s: rule %d: name is required", path, i)
		}
	}
	return rules, nil
}
