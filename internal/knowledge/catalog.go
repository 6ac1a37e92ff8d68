// Package knowledge enriches findings from a catalog of vulnerability
// rules.
package knowledge

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Rule describes one vulnerability class.
type Rule struct {
	Kind        string   `yaml:"kind"`
	Aliases     []string `yaml:"aliases"`
	CWE         string   `yaml:"cwe"`
	Severity    string   `yaml:"severity"`
	Title       string   `yaml:"title"`
	Sinks       []string `yaml:"sinks"`
	Remediation string   `yaml:"remediation"`
	References  []string `yaml:"references"`

	sinkPatterns []*regexp.Regexp
}

// Catalog is an ordered set of rules. Earlier rules win ties.
type Catalog struct {
	Rules []Rule `yaml:"rules"`

	byKind map[string]int
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("load embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. An empty path loads the embedded one.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and indexes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c.byKind = make(map[string]int)
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Kind == "" {
			return nil, fmt.Errorf("catalog rule %d has no kind", i)
		}
		for _, k := range append([]string{r.Kind, r.CWE}, r.Aliases...) {
			if k == "" {
				continue
			}
			if _, dup := c.byKind[normalize(k)]; !dup {
				c.byKind[normalize(k)] = i
			}
		}
		for _, sink := range r.Sinks {
			// A sink matches as a call: the name followed by "(".
			r.sinkPatterns = append(r.sinkPatterns, regexp.MustCompile(`(^|[^\w.])`+regexp.QuoteMeta(sink)+`\s*\(`))
		}
	}
	return &c, nil
}

// Lookup finds the rule for a finding kind, alias or CWE id.
func (c *Catalog) Lookup(kind string) (*Rule, bool) {
	i, ok := c.byKind[normalize(kind)]
	if !ok {
		return nil, false
	}
	return &c.Rules[i], true
}

// MatchCode returns the first rule with a sink called in code.
func (c *Catalog) MatchCode(code string) (*Rule, bool) {
	for i := range c.Rules {
		for _, p := range c.Rules[i].sinkPatterns {
			if p.MatchString(code) {
				return &c.Rules[i], true
			}
		}
	}
	return nil, false
}

// normalize folds case and separators so "Buffer Overflow",
// "buffer_overflow" and "buffer-overflow" agree.
func normalize(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	return strings.NewReplacer(" ", "-", "_", "-").Replace(kind)
}
