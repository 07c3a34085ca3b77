package policy

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the top-level YAML policy file.
type Document struct {
	Policies map[string][]Step `yaml:"policies"`
}

// Step is one instruction of a policy section. Exactly one directive field
// may be set per step.
type Step struct {
	Module string `yaml:"module,omitempty"`

	Group                []Step `yaml:"group,omitempty"`
	Redundant            []Step `yaml:"redundant,omitempty"`
	LoadBalance          []Step `yaml:"load-balance,omitempty"`
	RedundantLoadBalance []Step `yaml:"redundant-load-balance,omitempty"`
	Parallel             []Step `yaml:"parallel,omitempty"`

	If    string `yaml:"if,omitempty"`
	Elsif string `yaml:"elsif,omitempty"`
	Then  []Step `yaml:"then,omitempty"`
	Else  []Step `yaml:"else,omitempty"`

	Switch string            `yaml:"switch,omitempty"`
	Cases  map[string][]Step `yaml:"cases,omitempty"`

	Update map[string]map[string]string `yaml:"update,omitempty"`

	Foreach string `yaml:"foreach,omitempty"`
	Do      []Step `yaml:"do,omitempty"`

	Break  bool   `yaml:"break,omitempty"`
	Return bool   `yaml:"return,omitempty"`
	Policy string `yaml:"policy,omitempty"`
	Expr   string `yaml:"expr,omitempty"`

	// Actions overrides entries of the step's result table,
	// rcode name to "return", "reject" or a priority.
	Actions map[string]string `yaml:"actions,omitempty"`
}

// kind names the single directive a step carries, or errors when the step
// is empty or ambiguous.
func (s *Step) kind() (string, error) {
	var kinds []string
	add := func(k string, set bool) {
		if set {
			kinds = append(kinds, k)
		}
	}
	add("module", s.Module != "")
	add("group", s.Group != nil)
	add("redundant", s.Redundant != nil)
	add("load-balance", s.LoadBalance != nil)
	add("redundant-load-balance", s.RedundantLoadBalance != nil)
	add("parallel", s.Parallel != nil)
	add("if", s.If != "")
	add("elsif", s.Elsif != "")
	add("else", s.If == "" && s.Elsif == "" && s.Else != nil)
	add("switch", s.Switch != "")
	add("update", s.Update != nil)
	add("foreach", s.Foreach != "")
	add("break", s.Break)
	add("return", s.Return)
	add("policy", s.Policy != "")
	add("expr", s.Expr != "")

	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("step has no directive")
	case 1:
		return kinds[0], nil
	}
	return "", fmt.Errorf("step mixes directives %v", kinds)
}

// Parse decodes a policy document, rejecting unknown fields.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if len(doc.Policies) == 0 {
		return nil, fmt.Errorf("policy document defines no policies")
	}
	return &doc, nil
}
