package environ

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Resolve evaluates one env layer on top of a base environment and returns
// the merged result. Attributes within the layer may reference each other and
// are evaluated in dependency order. The base map is not modified.
func Resolve(base map[string]string, layer map[string]hcl.Expression, extra map[string]cty.Value) (map[string]string, error) {
	merged := Merge(base)
	if len(layer) == 0 {
		return merged, nil
	}

	order, err := layerOrder(layer)
	if err != nil {
		return nil, err
	}

	for _, name := range order {
		val, err := EvalString(layer[name], merged, extra)
		if err != nil {
			return nil, fmt.Errorf("env %q: %w", name, err)
		}
		merged[name] = val
	}
	return merged, nil
}

// CheckLayer verifies that a layer's sibling references form no cycle. It is
// the static half of Resolve, used by lint before any evaluation happens.
func CheckLayer(layer map[string]hcl.Expression) error {
	_, err := layerOrder(layer)
	return err
}

// layerOrder returns the layer's attribute names in evaluation order using
// depth-first search with two marker sets:
// permanent: attributes fully visited and known to be cycle-free.
// temporary: attributes on the current recursion stack.
// An attribute referencing its own name is not a self-cycle; it reads the
// outer layer and carries no sibling edge.
func layerOrder(layer map[string]hcl.Expression) ([]string, error) {
	names := make([]string, 0, len(layer))
	for name := range layer {
		names = append(names, name)
	}
	sort.Strings(names)

	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	order := make([]string, 0, len(layer))

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return fmt.Errorf("environment cycle detected involving %q", name)
		}

		temporary[name] = true
		for _, dep := range siblingRefs(name, layer) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, name)
		permanent[name] = true

		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// siblingRefs lists the attributes of the same layer that name's expression
// references, excluding name itself.
func siblingRefs(name string, layer map[string]hcl.Expression) []string {
	expr := layer[name]
	if expr == nil {
		return nil
	}

	var refs []string
	seen := make(map[string]bool)
	for _, trav := range expr.Variables() {
		if trav.RootName() != "env" || len(trav) < 2 {
			continue
		}
		attr, ok := trav[1].(hcl.TraverseAttr)
		if !ok {
			continue
		}
		if attr.Name == name || seen[attr.Name] {
			continue
		}
		if _, sibling := layer[attr.Name]; sibling {
			refs = append(refs, attr.Name)
			seen[attr.Name] = true
		}
	}
	sort.Strings(refs)
	return refs
}
