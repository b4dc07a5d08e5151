package router

import (
	"fmt"
	"log/slog"
	"strings"
)

// Directive actions.
const (
	ActionTool     = "tool"
	ActionDelegate = "delegate"
)

// Rule maps a set of trigger phrases to a directive. Phrases are matched on
// normalized token boundaries, so "orders" does not match "preorders".
type Rule struct {
	Name           string   `yaml:"name" json:"name"`
	Phrases        []string `yaml:"phrases" json:"phrases"`
	Action         string   `yaml:"action" json:"action"`
	TargetWorkerID string   `yaml:"target" json:"target_worker_id,omitempty"`
	ToolName       string   `yaml:"tool" json:"tool_name,omitempty"`
	Args           string   `yaml:"args" json:"args,omitempty"`
	Confidence     float64  `yaml:"confidence" json:"confidence"`
}

// Directive is the fast-path routing decision for a request.
type Directive struct {
	Action         string  `json:"action"`
	TargetWorkerID string  `json:"target_worker_id,omitempty"`
	ToolName       string  `json:"tool_name,omitempty"`
	Args           string  `json:"args,omitempty"`
	Confidence     float64 `json:"confidence"`
	Rule           string  `json:"rule,omitempty"`
}

type compiledRule struct {
	rule    Rule
	phrases []string
}

// Table is an immutable keyword table. Match is a pure function of the table
// and the input text.
type Table struct {
	rules []compiledRule
}

// NewTable validates and compiles rules.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		switch r.Action {
		case ActionDelegate:
			if r.TargetWorkerID == "" {
				return nil, fmt.Errorf("rule %d (%s): delegate rule has no target", i, r.Name)
			}
		case ActionTool:
			if r.ToolName == "" {
				return nil, fmt.Errorf("rule %d (%s): tool rule has no tool", i, r.Name)
			}
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown action %q", i, r.Name, r.Action)
		}
		if r.Confidence <= 0 {
			r.Confidence = 0.5
		}

		c := compiledRule{rule: r}
		for _, p := range r.Phrases {
			if n := Normalize(p); n != "" {
				c.phrases = append(c.phrases, " "+n+" ")
			}
		}
		if len(c.phrases) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no phrases", i, r.Name)
		}
		t.rules = append(t.rules, c)
	}
	return t, nil
}

// Match returns the directive of the highest-confidence rule with a phrase in
// text. Ties go to the rule listed first.
func (t *Table) Match(text string) (Directive, bool) {
	n := Normalize(text)
	if n == "" {
		return Directive{}, false
	}
	padded := " " + n + " "

	best := -1
	for i, c := range t.rules {
		if best >= 0 && c.rule.Confidence <= t.rules[best].rule.Confidence {
			continue
		}
		for _, p := range c.phrases {
			if strings.Contains(padded, p) {
				best = i
				break
			}
		}
	}
	if best < 0 {
		return Directive{}, false
	}
	r := t.rules[best].rule
	return Directive{
		Action:         r.Action,
		TargetWorkerID: r.TargetWorkerID,
		ToolName:       r.ToolName,
		Args:           r.Args,
		Confidence:     r.Confidence,
		Rule:           r.Name,
	}, true
}

// Rules returns a copy of the table's rules.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, c := range t.rules {
		out[i] = c.rule
		out[i].Phrases = append([]string(nil), c.rule.Phrases...)
	}
	return out
}

// Router is the fast-path layer consulted before a worker is invoked.
type Router struct {
	table  *Table
	logger *slog.Logger
}

// New creates a Router over table.
func New(table *Table, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{table: table, logger: logger}
}

// Route consults the keyword table and records the decision.
func (r *Router) Route(text string) (Directive, bool) {
	d, ok := r.table.Match(text)
	if !ok {
		return Directive{}, false
	}
	target := d.TargetWorkerID
	if d.Action == ActionTool {
		target = d.ToolName
	}
	fastpathMatches.WithLabelValues(d.Action, target).Inc()
	r.logger.Debug("fast path matched", "rule", d.Rule, "action", d.Action, "target", target, "confidence", d.Confidence)
	return d, true
}

// Table returns the router's keyword table.
func (r *Router) Table() *Table {
	return r.table
}
