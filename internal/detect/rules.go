package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"legal-pii-handshake/internal/pii"
)

// RuleFile is the on-disk shape of a custom rule file:
//
//	rules:
//	  - name: case-number
//	    type: other
//	    pattern: 'Az\.\s*(\d+ [A-Z]+ \d+/\d+)'
//	    group: 1
//	    confidence: 0.9
//	  - name: client-number
//	    type: nationalId
//	    pattern: 'Mandant(?:en)?-?Nr\.?\s*(\d{5,8})'
//	    group: 1
//	    birthCue: false
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec describes one custom rule.
type RuleSpec struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"`
	Pattern    string  `yaml:"pattern"`
	Group      int     `yaml:"group"`
	Confidence float64 `yaml:"confidence"`
	// BirthCue applies the birth-date classifier to date-typed rules.
	BirthCue bool `yaml:"birthCue"`
}

// CustomStrategyID prefixes the IDs of strategies built from rule files.
const CustomStrategyID = "pattern.custom"

// LoadRules reads a YAML rule file and compiles it into a pattern strategy
// named "pattern.custom:<file base name>".
func LoadRules(path string) (*PatternStrategy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied config
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ParseRules(CustomStrategyID+":"+base, data)
}

// ParseRules compiles YAML rule definitions into a pattern strategy.
func ParseRules(id string, data []byte) (*PatternStrategy, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule file %s: no rules", id)
	}
	rules := make([]Rule, 0, len(f.Rules))
	for i, def := range f.Rules {
		if def.Name == "" {
			def.Name = fmt.Sprintf("rule-%d", i+1)
		}
		typ, ok := pii.ParseType(def.Type)
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown type %q", def.Name, def.Type)
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", def.Name, err)
		}
		if def.Confidence < 0 || def.Confidence > 1 {
			return nil, fmt.Errorf("rule %s: confidence %.2f outside [0,1]", def.Name, def.Confidence)
		}
		r := Rule{Name: def.Name, Type: typ, Re: re, Group: def.Group, Confidence: def.Confidence}
		if def.BirthCue && typ == pii.GenericDate {
			r.Classify = ClassifyDate
		}
		rules = append(rules, r)
	}
	return NewPatternStrategy(id, rules)
}
