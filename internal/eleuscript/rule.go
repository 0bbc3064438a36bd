package eleuscript

import (
	"fmt"
	"strings"
)

// Rule is a parsed EleuScript statement bound to one of the three
// governance targets. Concrete types carry the parameter shape that
// matters for their target; everything else stays in Params.
type Rule interface {
	// RuleName is the identifier following the rule keyword.
	RuleName() string
	// TargetName is the quoted first argument of the target constructor.
	TargetName() string
	// Params holds all key/value parameters as parsed.
	Params() map[string]any
}

// PolicyRule creates a sub-policy scoped to the forum it was typed in.
type PolicyRule struct {
	Name         string
	PolicyName   string
	Stakeholders []string
	Permissions  map[string][]string
	Parameters   map[string]any
}

func (r PolicyRule) RuleName() string       { return r.Name }
func (r PolicyRule) TargetName() string     { return r.PolicyName }
func (r PolicyRule) Params() map[string]any { return r.Parameters }

// ServiceRule activates a service entry in the forum it was typed in.
type ServiceRule struct {
	Name        string
	ServiceName string
	Parameters  map[string]any
}

func (r ServiceRule) RuleName() string       { return r.Name }
func (r ServiceRule) TargetName() string     { return r.ServiceName }
func (r ServiceRule) Params() map[string]any { return r.Parameters }

// Amount returns the parsed payment amount. Currency literals with a
// malformed mantissa parse to 0 and are rejected downstream by payment
// validation, so ok only reports whether the key was present at all.
func (r ServiceRule) Amount() (float64, bool) {
	v, ok := r.Parameters["amount"]
	if !ok {
		return 0, false
	}
	n, isNum := v.(float64)
	if !isNum {
		return 0, true
	}
	return n, true
}

// StringParam returns a parameter coerced to string.
func (r ServiceRule) StringParam(key string) string {
	v, ok := r.Parameters[key]
	if !ok {
		return ""
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return fmt.Sprint(v)
}

// ForumRule spawns a new forum bound to the current policy.
type ForumRule struct {
	Name            string
	ForumName       string
	Stakeholders    []string
	DefaultServices []string
	Parameters      map[string]any
}

func (r ForumRule) RuleName() string       { return r.Name }
func (r ForumRule) TargetName() string     { return r.ForumName }
func (r ForumRule) Params() map[string]any { return r.Parameters }

// ParseError carries the human-readable problems found in a rule
// statement. Parsing never panics and never mutates anything.
type ParseError struct {
	Errors []string
}

func (e *ParseError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid rule"
	}
	return "invalid rule: " + strings.Join(e.Errors, "; ")
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, isStr := item.(string); isStr {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprint(item))
		}
	}
	return out
}

func permissionMap(v any) map[string][]string {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(obj))
	for role, caps := range obj {
		switch c := caps.(type) {
		case []any:
			out[role] = stringSlice(c)
		case string:
			out[role] = []string{c}
		}
	}
	return out
}

func bindRule(name, target, targetName string, params map[string]any) Rule {
	switch target {
	case "Policy":
		return PolicyRule{
			Name:         name,
			PolicyName:   targetName,
			Stakeholders: stringSlice(params["stakeholders"]),
			Permissions:  permissionMap(params["permissions"]),
			Parameters:   params,
		}
	case "Service":
		return ServiceRule{
			Name:        name,
			ServiceName: targetName,
			Parameters:  params,
		}
	default:
		return ForumRule{
			Name:            name,
			ForumName:       targetName,
			Stakeholders:    stringSlice(params["stakeholders"]),
			DefaultServices: stringSlice(params["defaultServices"]),
			Parameters:      params,
		}
	}
}
