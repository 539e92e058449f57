package models

import (
	"encoding/json"
	"fmt"

	"github.com/andybalholm/cascadia"
)

// Rule kinds. Each rule is a tagged variant dispatched on Kind.
const (
	// RuleKindSelector matches elements by CSS selector; the value is the
	// element text (or inner HTML / markdown, per Format).
	RuleKindSelector = "selector"

	// RuleKindAttr matches elements by CSS selector and reads a named
	// attribute.
	RuleKindAttr = "attr"

	// RuleKindScript evaluates a JavaScript function expression in the live
	// page, e.g. "() => document.title". The value is the returned JSON.
	RuleKindScript = "script"

	// RuleKindContent extracts the main article content of the whole page
	// (readability) rendered per Format.
	RuleKindContent = "content"
)

// Value types for coercion.
const (
	TypeText  = "text"
	TypeInt   = "int"
	TypeFloat = "float"
	TypeBool  = "bool"
)

// Output formats for selector and content rules.
const (
	FormatText     = "text"
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

// Rule is one declarative extraction instruction.
type Rule struct {
	// Name is the output field this rule supplies. Several rules may share
	// a name to form a fallback chain; the first one that matches wins.
	Name string `json:"name"`

	// Kind selects the rule variant: "selector", "attr", "script", "content".
	Kind string `json:"kind"`

	// Selector is the CSS selector for selector/attr rules.
	Selector string `json:"selector,omitempty"`

	// Attr is the attribute name read by attr rules.
	Attr string `json:"attr,omitempty"`

	// Script is a JavaScript function expression for script rules,
	// e.g. "() => [...document.querySelectorAll('a')].map(a => a.href)".
	Script string `json:"script,omitempty"`

	// Required marks the rule as mandatory: a miss fails the extraction
	// with EXTRACTION_RULE_ERROR. Optional misses only flag the result
	// partial.
	Required bool `json:"required,omitempty"`

	// List collects all matches instead of the first one.
	List bool `json:"list,omitempty"`

	// Type coerces the value: "text" (default), "int", "float", "bool".
	Type string `json:"type,omitempty"`

	// Format controls selector/content output: "text" (default), "html",
	// "markdown".
	Format string `json:"format,omitempty"`
}

// RuleSet is an ordered list of extraction rules, optionally scoped to a
// document subtree.
type RuleSet struct {
	// Scope is an optional CSS selector; when set, rules are evaluated only
	// inside the first matching subtree.
	Scope string `json:"scope,omitempty"`

	// Rules are evaluated in declared order.
	Rules []Rule `json:"rules"`
}

// ParseRules decodes and validates a JSON rule set.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, NewEngineError(ErrCodeInvalidInput, "invalid rule set JSON", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks the rule set before any browser work: every selector must
// compile, every variant must carry its required fields. Returns an
// INVALID_INPUT EngineError describing the first problem found.
func (rs *RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return NewEngineError(ErrCodeInvalidInput, "rule set has no rules", nil)
	}
	if rs.Scope != "" {
		if _, err := cascadia.Parse(rs.Scope); err != nil {
			return NewEngineError(ErrCodeInvalidInput,
				fmt.Sprintf("invalid scope selector %q", rs.Scope), err)
		}
	}
	for i := range rs.Rules {
		if err := rs.Rules[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return NewEngineError(ErrCodeInvalidInput, "rule is missing a name", nil)
	}
	bad := func(format string, args ...any) error {
		return NewEngineError(ErrCodeInvalidInput,
			fmt.Sprintf("rule %q: ", r.Name)+fmt.Sprintf(format, args...), nil)
	}

	switch r.Kind {
	case RuleKindSelector:
		if r.Selector == "" {
			return bad("selector rule needs a selector")
		}
	case RuleKindAttr:
		if r.Selector == "" {
			return bad("attr rule needs a selector")
		}
		if r.Attr == "" {
			return bad("attr rule needs an attribute name")
		}
	case RuleKindScript:
		if r.Script == "" {
			return bad("script rule needs a script")
		}
	case RuleKindContent:
		if r.List {
			return bad("content rules cannot be lists")
		}
	default:
		return bad("unknown rule kind %q", r.Kind)
	}

	if r.Selector != "" {
		if _, err := cascadia.Parse(r.Selector); err != nil {
			return NewEngineError(ErrCodeInvalidInput,
				fmt.Sprintf("rule %q: invalid selector %q", r.Name, r.Selector), err)
		}
	}

	switch r.Type {
	case "", TypeText, TypeInt, TypeFloat, TypeBool:
	default:
		return bad("unknown value type %q", r.Type)
	}

	switch r.Format {
	case "", FormatText, FormatHTML, FormatMarkdown:
	default:
		return bad("unknown format %q", r.Format)
	}
	if r.Format != "" && (r.Kind == RuleKindAttr || r.Kind == RuleKindScript) {
		return bad("format applies only to selector and content rules")
	}

	return nil
}

// ValueType returns the effective coercion type for the rule.
func (r *Rule) ValueType() string {
	if r.Type == "" {
		return TypeText
	}
	return r.Type
}

// OutputFormat returns the effective output format for the rule.
// Content rules render markdown unless told otherwise; selector rules
// yield plain text.
func (r *Rule) OutputFormat() string {
	if r.Format == "" {
		if r.Kind == RuleKindContent {
			return FormatMarkdown
		}
		return FormatText
	}
	return r.Format
}
