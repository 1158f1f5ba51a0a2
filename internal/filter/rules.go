package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/packetmind/packetmind/internal/txn"
)

// ErrInvalidRule is returned for rules that are unnamed, duplicated, or whose
// condition does not compile to a CEL bool expression.
var ErrInvalidRule = errors.New("invalid rule")

// Rule tags transactions whose request matches a CEL condition.
//
// Available variables: tx.method, tx.url, tx.domain, tx.scheme, tx.path,
// tx.query. Example: `tx.domain.endsWith("bilibili.com") && tx.method == "POST"`.
type Rule struct {
	Name      string `json:"name" yaml:"name"`
	Condition string `json:"condition" yaml:"condition"`
	Tag       string `json:"tag,omitempty" yaml:"tag"`
	Alert     bool   `json:"alert,omitempty" yaml:"alert"`
}

// Match is a rule that fired for a transaction.
type Match struct {
	Rule  string
	Tag   string
	Alert bool
}

type compiledRule struct {
	Rule
	program cel.Program
}

// RuleSet holds compiled tagging rules. Compilation happens on Add/Replace;
// Evaluate only runs the pre-built programs and is safe for concurrent use.
type RuleSet struct {
	env    *cel.Env
	logger *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule
}

// NewRuleSet creates an empty RuleSet.
func NewRuleSet(logger *slog.Logger) (*RuleSet, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("tx.method", cel.StringType),
		cel.Variable("tx.url", cel.StringType),
		cel.Variable("tx.domain", cel.StringType),
		cel.Variable("tx.scheme", cel.StringType),
		cel.Variable("tx.path", cel.StringType),
		cel.Variable("tx.query", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &RuleSet{
		env:    env,
		logger: logger.With("component", "filter.RuleSet"),
	}, nil
}

func (rs *RuleSet) compile(r Rule) (compiledRule, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return compiledRule{}, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.Tag == "" {
		r.Tag = r.Name
	}

	ast, issues := rs.env.Compile(r.Condition)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return compiledRule{}, fmt.Errorf("%w: rule %q must evaluate to bool, got %s", ErrInvalidRule, r.Name, ast.OutputType())
	}
	prg, err := rs.env.Program(ast)
	if err != nil {
		return compiledRule{}, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.Name, err)
	}

	rs.logger.Debug("compiled rule", "rule", r.Name, "condition", r.Condition)
	return compiledRule{Rule: r, program: prg}, nil
}

// Add compiles and appends a rule. Names must be unique.
func (rs *RuleSet) Add(r Rule) error {
	c, err := rs.compile(r)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, existing := range rs.rules {
		if existing.Name == c.Name {
			return fmt.Errorf("%w: rule %q already exists", ErrInvalidRule, c.Name)
		}
	}
	rs.rules = append(rs.rules, c)
	return nil
}

// Replace swaps the whole rule list. Nothing changes if any rule is invalid.
func (rs *RuleSet) Replace(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		c, err := rs.compile(r)
		if err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: rule %q already exists", ErrInvalidRule, c.Name)
		}
		seen[c.Name] = true
		compiled = append(compiled, c)
	}

	rs.mu.Lock()
	rs.rules = compiled
	rs.mu.Unlock()
	return nil
}

// Remove deletes the named rule and reports whether it existed.
func (rs *RuleSet) Remove(name string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, r := range rs.rules {
		if r.Name == name {
			rs.rules = append(rs.rules[:i:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// List returns the current rules in insertion order.
func (rs *RuleSet) List() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.Rule
	}
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// Evaluate returns the rules that match t, in rule order. A rule that fails
// at evaluation time is logged and treated as not matching.
func (rs *RuleSet) Evaluate(t txn.Transaction) []Match {
	rs.mu.RLock()
	rules := rs.rules
	rs.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	vars := requestVars(t)
	var matches []Match
	for _, r := range rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			rs.logger.Warn("rule evaluation failed", "rule", r.Name, "id", t.ID, "error", err)
			continue
		}
		if ok, _ := out.Value().(bool); ok {
			matches = append(matches, Match{Rule: r.Name, Tag: r.Tag, Alert: r.Alert})
		}
	}
	return matches
}

func requestVars(t txn.Transaction) map[string]any {
	vars := map[string]any{
		"tx.method": strings.ToUpper(t.Method),
		"tx.url":    t.URL,
		"tx.domain": ExtractDomain(t.URL),
		"tx.scheme": "",
		"tx.path":   "",
		"tx.query":  "",
	}
	if strings.Contains(t.URL, "://") {
		if u, err := url.Parse(t.URL); err == nil {
			vars["tx.scheme"] = strings.ToLower(u.Scheme)
			vars["tx.path"] = u.Path
			vars["tx.query"] = u.RawQuery
		}
	}
	return vars
}
