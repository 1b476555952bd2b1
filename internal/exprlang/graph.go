package exprlang

import "fmt"

// TopoSort orders computed-metric names so each name's dependencies
// (per refsByName) are evaluated before it. Returns an error if the
// graph contains a cycle, per the spec's save-time cycle rejection.
func TopoSort(refsByName map[string][]string) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(refsByName))
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected: %v", append(path, name))
		}
		color[name] = gray
		for _, dep := range refsByName[name] {
			if _, isComputed := refsByName[dep]; !isComputed {
				continue // dependency is an input/external metric, not a computed one
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(refsByName))
	for name := range refsByName {
		names = append(names, name)
	}
	// Deterministic iteration order for reproducible error messages/tests.
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
