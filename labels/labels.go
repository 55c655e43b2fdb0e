// Package labels groups Missive shared labels into operator-defined
// categories loaded from a YAML file:
//
//	project:
//	  - "proj/*"
//	  - "Kunde ?"
//	priority:
//	  - urgent
//	  - high
//
// Patterns support the * and ? wildcards and match case-insensitively.
package labels

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Categorizer maps label names to category buckets.
type Categorizer struct {
	categories map[string][]string // category -> lowercased patterns
}

// Load reads a category mapping from a YAML file. An empty path returns a
// categorizer that puts nothing in any bucket.
func Load(file string) (*Categorizer, error) {
	c := &Categorizer{categories: map[string][]string{}}
	if file == "" {
		return c, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("labels: read %s: %w", file, err)
	}
	return Parse(data)
}

// Parse builds a categorizer from YAML bytes.
func Parse(data []byte) (*Categorizer, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("labels: parse: %w", err)
	}
	c := &Categorizer{categories: make(map[string][]string, len(raw))}
	for category, patterns := range raw {
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			// Validate eagerly so a bad pattern fails at startup, not on
			// the first matching email.
			if _, err := path.Match(p, ""); err != nil {
				return nil, fmt.Errorf("labels: category %q: bad pattern %q: %w", category, p, err)
			}
			c.categories[category] = append(c.categories[category], p)
		}
	}
	return c, nil
}

// Categorize returns, per category, the labels that matched one of its
// patterns. Labels matching no category are omitted; categories with no
// matches are omitted. A nil result means nothing matched.
func (c *Categorizer) Categorize(labelNames []string) map[string][]string {
	if c == nil || len(c.categories) == 0 || len(labelNames) == 0 {
		return nil
	}
	out := map[string][]string{}
	for category, patterns := range c.categories {
		for _, label := range labelNames {
			lower := strings.ToLower(label)
			for _, p := range patterns {
				if ok, _ := path.Match(p, lower); ok {
					out[category] = append(out[category], label)
					break
				}
			}
		}
		sort.Strings(out[category])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Categories lists the configured category names, sorted.
func (c *Categorizer) Categories() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.categories))
	for name := range c.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
