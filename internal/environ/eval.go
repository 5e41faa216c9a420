package environ

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Context builds the HCL evaluation context for an expression. The resolved
// environment is exposed as the `env` object; extra entries (such as the
// `matrix` object) are merged in as additional top-level variables.
//
// Environment names the expression references but the scope does not define
// are bound to the empty string, so gates like `env.RUN_TESTS == "true"` stay
// valid when the variable is unset.
func Context(expr hcl.Expression, env map[string]string, extra map[string]cty.Value) *hcl.EvalContext {
	attrs := make(map[string]cty.Value, len(env))
	for k, v := range env {
		attrs[k] = cty.StringVal(v)
	}

	if expr != nil {
		for _, trav := range expr.Variables() {
			if trav.RootName() != "env" || len(trav) < 2 {
				continue
			}
			attr, ok := trav[1].(hcl.TraverseAttr)
			if !ok {
				continue
			}
			if _, defined := attrs[attr.Name]; !defined {
				attrs[attr.Name] = cty.StringVal("")
			}
		}
	}

	vars := make(map[string]cty.Value, len(extra)+1)
	vars["env"] = cty.ObjectVal(attrs)
	for k, v := range extra {
		vars[k] = v
	}
	return &hcl.EvalContext{Variables: vars}
}

// EvalString evaluates an expression to a string. Null values become the
// empty string; non-string results are converted when possible.
func EvalString(expr hcl.Expression, env map[string]string, extra map[string]cty.Value) (string, error) {
	val, diags := expr.Value(Context(expr, env, extra))
	if diags.HasErrors() {
		return "", fmt.Errorf("evaluating expression: %s", diags.Error())
	}
	return stringify(val)
}

// EvalBool evaluates an expression and reduces the result to a truthiness
// verdict via Truthy.
func EvalBool(expr hcl.Expression, env map[string]string, extra map[string]cty.Value) (bool, error) {
	val, diags := expr.Value(Context(expr, env, extra))
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluating expression: %s", diags.Error())
	}
	return Truthy(val), nil
}

// EvalStringList evaluates an expression to a list of strings. A single
// string value becomes a one-element list; null becomes nil.
func EvalStringList(expr hcl.Expression, env map[string]string, extra map[string]cty.Value) ([]string, error) {
	val, diags := expr.Value(Context(expr, env, extra))
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluating expression: %s", diags.Error())
	}
	if val.IsNull() {
		return nil, nil
	}
	if val.Type() == cty.String {
		return []string{val.AsString()}, nil
	}
	if !val.CanIterateElements() {
		s, err := stringify(val)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}

	var out []string
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		s, err := stringify(elem)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Truthy reports whether a cty value counts as true. Booleans answer for
// themselves, strings follow TruthyString, numbers are true when non-zero,
// and null is always false.
func Truthy(val cty.Value) bool {
	if val.IsNull() {
		return false
	}
	switch val.Type() {
	case cty.Bool:
		return val.True()
	case cty.String:
		return TruthyString(val.AsString())
	case cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f != 0
	}
	return true
}

func stringify(val cty.Value) (string, error) {
	if val.IsNull() {
		return "", nil
	}
	converted, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("cannot convert %s to string: %w", val.Type().FriendlyName(), err)
	}
	return converted.AsString(), nil
}
