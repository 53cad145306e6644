package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

// Access level constants
const (
	AccessReject = "REJECT"
	AccessAllow  = "ALLOW"
)

// AccessRule defines a single operation access rule
type AccessRule struct {
	Kind      string `yaml:"kind"`      // Pattern: literal string or /regexp/
	Operation string `yaml:"operation"` // Pattern: literal string or /regexp/
	Access    string `yaml:"access"`    // REJECT or ALLOW
}

// PatternMatcher matches strings either exactly or via regexp
type PatternMatcher interface {
	Match(s string) bool
}

type literalMatcher string

func (m literalMatcher) Match(s string) bool {
	return string(m) == s
}

type regexpMatcher struct {
	re *regexp.Regexp
}

func (m *regexpMatcher) Match(s string) bool {
	return m.re.MatchString(s)
}

// parsePattern returns a matcher for literal strings or /regexp/ patterns.
// Regexp patterns are anchored to match the full string.
func parsePattern(pattern string) (PatternMatcher, error) {
	if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1 {
		re, err := regexp.Compile("^(?:" + pattern[1:len(pattern)-1] + ")$")
		if err != nil {
			return nil, err
		}
		return &regexpMatcher{re: re}, nil
	}
	return literalMatcher(pattern), nil
}

type compiledRule struct {
	kind      PatternMatcher
	operation PatternMatcher
	access    string
}

// AccessValidator decides which container operations an agent accepts.
// Rules are evaluated top to bottom; the first match wins and an operation
// matching no rule is rejected.
type AccessValidator struct {
	rules []compiledRule
}

// NewAccessValidator compiles rules.
// Returns an error if any rule has an invalid pattern or access level.
func NewAccessValidator(rules []AccessRule) (*AccessValidator, error) {
	v := &AccessValidator{rules: make([]compiledRule, 0, len(rules))}

	for i, rule := range rules {
		compiled := compiledRule{access: rule.Access}
		var err error

		if compiled.kind, err = parsePattern(rule.Kind); err != nil {
			return nil, fmt.Errorf("invalid kind pattern in rule %d: %w", i, err)
		}
		if compiled.operation, err = parsePattern(rule.Operation); err != nil {
			return nil, fmt.Errorf("invalid operation pattern in rule %d: %w", i, err)
		}

		switch rule.Access {
		case AccessReject, AccessAllow:
		default:
			return nil, fmt.Errorf("invalid access level in rule %d: %q", i, rule.Access)
		}

		v.rules = append(v.rules, compiled)
	}

	return v, nil
}

// Check returns nil when operation may run on a container of kind, and an
// ErrAccessDenied error otherwise. Its signature matches agent.OperationFilter.
func (v *AccessValidator) Check(kind core.ContainerKind, operation string) error {
	if v.findAccess(string(kind), operation) != AccessAllow {
		return ferrors.New(ferrors.ErrAccessDenied, "access denied for kind %q operation %q", kind, operation)
	}
	return nil
}

func (v *AccessValidator) findAccess(kind, operation string) string {
	for _, rule := range v.rules {
		if rule.kind.Match(kind) && rule.operation.Match(operation) {
			return rule.access
		}
	}
	return AccessReject
}
