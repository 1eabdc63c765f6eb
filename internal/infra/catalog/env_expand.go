package catalog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandEnv substitutes ${VAR} and ${VAR:-fallback} references in every
// string scalar of a YAML document. Unquoted scalars that expand to a number
// or boolean keep that type. Unset variables without a fallback are reported.
func expandEnv(raw []byte) (string, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return "", nil, fmt.Errorf("parse source table: %w", err)
	}

	missing := make(map[string]struct{})
	walk(&root, missing)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return "", nil, fmt.Errorf("encode expanded source table: %w", err)
	}
	return string(out), sortedKeys(missing), nil
}

func walk(node *yaml.Node, missing map[string]struct{}) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			walk(child, missing)
		}
	case yaml.MappingNode:
		for i := 1; i < len(node.Content); i += 2 {
			walk(node.Content[i], missing)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			walk(node.Alias, missing)
		}
	case yaml.ScalarNode:
		substitute(node, missing)
	}
}

func substitute(node *yaml.Node, missing map[string]struct{}) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}
	expanded := os.Expand(node.Value, func(ref string) string {
		return lookup(ref, missing)
	})
	if expanded == node.Value {
		return
	}
	if node.Style != 0 {
		node.Tag = "!!str"
		node.Value = expanded
		return
	}
	node.Tag, node.Value = retag(expanded)
}

func lookup(ref string, missing map[string]struct{}) string {
	name, fallback, hasFallback := strings.Cut(ref, ":-")
	if value, ok := os.LookupEnv(name); ok && (value != "" || !hasFallback) {
		return value
	}
	if hasFallback {
		return fallback
	}
	missing[name] = struct{}{}
	return ""
}

func retag(value string) (string, string) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "!!str", value
	}
	if b, err := strconv.ParseBool(trimmed); err == nil && (trimmed == "true" || trimmed == "false") {
		return "!!bool", strconv.FormatBool(b)
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return "!!int", strconv.FormatInt(n, 10)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return "!!float", strconv.FormatFloat(f, 'f', -1, 64)
	}
	return "!!str", value
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
