package nbuild

import (
	"errors"

	"github.com/edwingeng/deque"
)

// ResolveLinkSet returns the objects needed to link t: its own objects,
// then those of each link dependency in declaration order, keeping only
// the first occurrence of every object.
func ResolveLinkSet(t *Target, m *ArtifactMapper) ([]string, error) {
	r := linkSetResolver{
		mapper:   m,
		visiting: make(map[*Target]bool),
		expanded: make(map[*Target]bool),
		seen:     make(map[string]struct{}),
	}
	if err := r.visit(t, nil); err != nil {
		return nil, err
	}
	return r.objects, nil
}

type linkSetResolver struct {
	mapper   *ArtifactMapper
	visiting map[*Target]bool
	expanded map[*Target]bool
	seen     map[string]struct{}
	objects  []string
}

func (r *linkSetResolver) visit(t *Target, stack []string) error {
	stack = append(stack, t.name)
	if r.visiting[t] {
		return &CyclicDependencyError{Path: cyclePath(stack)}
	}
	// A second visit can only repeat objects already collected.
	if r.expanded[t] {
		return nil
	}
	r.visiting[t] = true
	for _, src := range t.sources.items {
		obj := r.mapper.ObjectPathOf(src)
		if _, ok := r.seen[obj]; ok {
			continue
		}
		r.seen[obj] = struct{}{}
		r.objects = append(r.objects, obj)
	}
	for _, dep := range t.linkDeps {
		if err := r.visit(dep, stack); err != nil {
			return err
		}
	}
	r.visiting[t] = false
	r.expanded[t] = true
	return nil
}

// cyclePath trims stack so it starts at the first occurrence of its last
// element, e.g. [x a b a] -> [a b a].
func cyclePath(stack []string) []string {
	last := stack[len(stack)-1]
	for i, name := range stack[:len(stack)-1] {
		if name == last {
			return append([]string(nil), stack[i:]...)
		}
	}
	return append([]string(nil), stack...)
}

// Closure returns roots and every target reachable from them through
// link dependencies, breadth first, each target once.
func Closure(roots []*Target) []*Target {
	seen := make(map[*Target]bool)
	var out []*Target
	queue := deque.NewDeque()
	for _, t := range roots {
		if t != nil && !seen[t] {
			seen[t] = true
			queue.PushBack(t)
		}
	}
	for !queue.Empty() {
		t := queue.PopFront().(*Target)
		out = append(out, t)
		for _, dep := range t.linkDeps {
			if !seen[dep] {
				seen[dep] = true
				queue.PushBack(dep)
			}
		}
	}
	return out
}

// Validate checks the targets (and everything they link against) once,
// before any action is planned, and freezes them. Failures are
// *ConfigurationError values; independent problems are joined.
func Validate(targets []*Target, m *ArtifactMapper) error {
	all := Closure(targets)

	byName := make(map[string]*Target, len(all))
	for _, t := range all {
		if t.name == "" {
			return configErrorf("", "target without a name")
		}
		if other, ok := byName[t.name]; ok && other != t {
			return configErrorf(t.name, "duplicate target name")
		}
		byName[t.name] = t
	}

	if err := checkAcyclic(all); err != nil {
		return err
	}

	var errs []error
	type owner struct {
		target *Target
		source string
	}
	objects := make(map[string]owner)
	for _, t := range all {
		for _, src := range t.sources.items {
			obj := m.ObjectPathOf(src)
			if prev, ok := objects[obj]; ok {
				if prev.target == t {
					errs = append(errs, configErrorf(t.name,
						"sources '%s' and '%s' both map to object '%s'", prev.source, src, obj))
				} else {
					errs = append(errs, configErrorf(t.name,
						"source '%s' maps to object '%s' already produced by target '%s'", src, obj, prev.target.name))
				}
				continue
			}
			objects[obj] = owner{target: t, source: src}
		}
		if err := checkKind(t, m); err != nil {
			errs = append(errs, err)
		}
		for _, ext := range t.externals {
			if ext.External == nil {
				errs = append(errs, configErrorf(t.name, "nil external prerequisite"))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, t := range all {
		t.freeze()
	}
	return nil
}

func checkKind(t *Target, m *ArtifactMapper) error {
	switch t.kind {
	case Objects:
		if t.linkerFlags.Len() > 0 {
			return configErrorf(t.name, "object collections do not link; linker flags %v would be ignored", t.linkerFlags.items)
		}
	case StaticLibrary, Executable:
		objs, err := ResolveLinkSet(t, m)
		if err != nil {
			return &ConfigurationError{Target: t.name, Msg: "resolving link set", Err: err}
		}
		if len(objs) == 0 {
			return configErrorf(t.name, "%s has nothing to link", t.kind)
		}
	default:
		return configErrorf(t.name, "unknown kind %s", t.kind)
	}
	return nil
}

func checkAcyclic(all []*Target) error {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[*Target]int, len(all))
	var visit func(t *Target, stack []string) error
	visit = func(t *Target, stack []string) error {
		stack = append(stack, t.name)
		switch state[t] {
		case inProgress:
			path := cyclePath(stack)
			return &ConfigurationError{Target: path[0], Msg: "link dependencies form a cycle",
				Err: &CyclicDependencyError{Path: path}}
		case done:
			return nil
		}
		state[t] = inProgress
		for _, dep := range t.linkDeps {
			if err := visit(dep, stack); err != nil {
				return err
			}
		}
		state[t] = done
		return nil
	}
	for _, t := range all {
		if state[t] == unvisited {
			if err := visit(t, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
