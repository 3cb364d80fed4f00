package nbuild

import (
	"fmt"
	"io"
	"strings"

	"github.com/ahrtr/gocontainer/queue/priorityqueue"
)

type ActionKind int8

const (
	ActionCompile ActionKind = iota
	ActionArchive
	ActionLink
	ActionExternal
)

func (k ActionKind) String() string {
	switch k {
	case ActionCompile:
		return "COMPILE"
	case ActionArchive:
		return "ARCHIVE"
	case ActionLink:
		return "LINK"
	case ActionExternal:
		return "EXTERNAL_BUILD"
	}
	return fmt.Sprintf("ActionKind(%d)", int8(k))
}

type ActionState int8

const (
	ActionPending ActionState = iota
	ActionReady
	ActionRunning
	ActionSucceeded
	ActionFailed
)

func (s ActionState) String() string {
	switch s {
	case ActionPending:
		return "pending"
	case ActionReady:
		return "ready"
	case ActionRunning:
		return "running"
	case ActionSucceeded:
		return "succeeded"
	case ActionFailed:
		return "failed"
	}
	return fmt.Sprintf("ActionState(%d)", int8(s))
}

var validActionTransitions = map[ActionState][]ActionState{
	ActionPending: {ActionReady},
	ActionReady:   {ActionRunning},
	ActionRunning: {ActionSucceeded, ActionFailed},
}

// Action is one node of the build DAG.
type Action struct {
	ID   int
	Kind ActionKind

	// Target is set for compile, archive and link actions.
	Target *Target
	// Source is set for compile actions.
	Source string
	// External and Stage are set for external build steps.
	External *ExternalBuild
	Stage    ExternalState

	// Outputs are the files the action writes.
	Outputs []string
	// Reason says why the action is needed.
	Reason string
	// Command is assembled when the action starts.
	Command *Command

	deps       []*Action
	dependents []*Action
	pending    int
	state      ActionState
	weight     int64
}

func (a *Action) State() ActionState { return a.state }

func (a *Action) Deps() []*Action { return append([]*Action(nil), a.deps...) }

// Name is a short human readable label.
func (a *Action) Name() string {
	switch a.Kind {
	case ActionCompile:
		return fmt.Sprintf("%s %s (%s)", a.Kind, a.Source, a.Target.name)
	case ActionExternal:
		return fmt.Sprintf("%s %s -> %s", a.Kind, a.External.Name, a.Stage)
	}
	return fmt.Sprintf("%s %s", a.Kind, a.Target.name)
}

func (a *Action) transition(to ActionState) error {
	for _, allowed := range validActionTransitions[a.state] {
		if allowed == to {
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("action %s: invalid transition %s -> %s", a.Name(), a.state, to)
}

// actionCmp orders the ready queue: longest remaining path first, then
// creation order.
type actionCmp struct{}

func (actionCmp) Compare(v1, v2 interface{}) (int, error) {
	a, b := v1.(*Action), v2.(*Action)
	switch {
	case a.weight > b.weight:
		return -1, nil
	case a.weight < b.weight:
		return 1, nil
	case a.ID < b.ID:
		return -1, nil
	case a.ID > b.ID:
		return 1, nil
	}
	return 0, nil
}

// Plan is the DAG of actions needed to bring a set of targets up to
// date, plus the queue of actions whose prerequisites have all succeeded.
type Plan struct {
	scan *DependencyScan

	actions  []*Action
	ready    priorityqueue.Interface
	byObject map[string]*Action
	final    map[*Target]*Action
	extTail  map[*ExternalBuild]*Action
	targets  []*Target
	finished int
}

func NewPlan(scan *DependencyScan) *Plan {
	return &Plan{
		scan:     scan,
		ready:    priorityqueue.New().WithComparator(actionCmp{}),
		byObject: make(map[string]*Action),
		final:    make(map[*Target]*Action),
		extTail:  make(map[*ExternalBuild]*Action),
	}
}

func (p *Plan) newAction(kind ActionKind, deps []*Action) *Action {
	a := &Action{ID: len(p.actions), Kind: kind}
	for _, dep := range deps {
		if dep == nil || containsAction(a.deps, dep) {
			continue
		}
		a.deps = append(a.deps, dep)
		dep.dependents = append(dep.dependents, a)
	}
	a.pending = len(a.deps)
	p.actions = append(p.actions, a)
	return a
}

// AddTargets validates roots and everything they link against, checks
// staleness, and builds the action DAG. Nothing is executed.
func (p *Plan) AddTargets(roots []*Target) error {
	if len(p.targets) > 0 {
		return fmt.Errorf("plan already has targets")
	}
	mapper := p.scan.mapper
	if err := Validate(roots, mapper); err != nil {
		return err
	}
	all := Closure(roots)
	p.targets = all

	if err := p.addExternals(all); err != nil {
		return err
	}

	for _, t := range all {
		extDeps := p.externalDeps(t)
		extDirs := p.externalOutputDirs(t)
		for _, src := range t.sources.items {
			d, err := p.scan.SourceDirty(src, t)
			if err != nil {
				return err
			}
			if !d.Dirty && len(extDirs) > 0 {
				// the pending external steps rewrite these headers before the compile runs
				if in, ok := p.scan.ListedUnder(src, extDirs); ok {
					d = dirty("input %s is regenerated by a pending external step", in)
				}
			}
			if !d.Dirty {
				continue
			}
			ref := mapper.Ref(src)
			a := p.newAction(ActionCompile, extDeps)
			a.Target, a.Source, a.Reason = t, ref.SourcePath, d.Reason
			a.Outputs = []string{ref.ObjectPath, ref.DepRecordPath}
			p.byObject[ref.ObjectPath] = a
		}
	}

	for _, t := range all {
		if !t.Produces() {
			continue
		}
		linkSet, err := ResolveLinkSet(t, mapper)
		if err != nil {
			return err
		}
		extDeps := p.externalDeps(t)
		produced := make(map[string]bool)
		deps := append([]*Action(nil), extDeps...)
		for _, obj := range linkSet {
			if a, ok := p.byObject[obj]; ok {
				produced[obj] = true
				deps = append(deps, a)
			}
		}
		d, err := p.scan.TargetDirty(t, linkSet, produced, len(extDeps) > 0)
		if err != nil {
			return err
		}
		if !d.Dirty {
			continue
		}
		kind := ActionLink
		if t.kind == StaticLibrary {
			kind = ActionArchive
		}
		a := p.newAction(kind, deps)
		a.Target, a.Reason = t, d.Reason
		a.Outputs = []string{mapper.BinaryPathOf(t)}
		p.final[t] = a
	}

	p.computeWeights()
	for _, a := range p.actions {
		if a.pending == 0 {
			p.makeReady(a)
		}
	}
	return nil
}

// addExternals chains one action per missing stage of every external
// build the targets depend on.
func (p *Plan) addExternals(all []*Target) error {
	var order []*ExternalBuild
	need := make(map[*ExternalBuild]ExternalState)
	for _, t := range all {
		for _, pre := range t.externals {
			if _, ok := need[pre.External]; !ok {
				order = append(order, pre.External)
			}
			if pre.Stage > need[pre.External] {
				need[pre.External] = pre.Stage
			}
		}
	}
	for _, ext := range order {
		if err := ext.Load(); err != nil {
			return err
		}
		var prev *Action
		for _, stage := range ext.PendingStages(need[ext]) {
			a := p.newAction(ActionExternal, []*Action{prev})
			a.External, a.Stage = ext, stage
			a.Reason = fmt.Sprintf("external %s is %s, %s needed", ext.Name, ext.Stage(), need[ext])
			prev = a
		}
		if prev != nil {
			p.extTail[ext] = prev
		}
	}
	return nil
}

func (p *Plan) externalDeps(t *Target) []*Action {
	var deps []*Action
	for _, pre := range t.externals {
		if a, ok := p.extTail[pre.External]; ok {
			deps = append(deps, a)
		}
	}
	return deps
}

// externalOutputDirs lists the build and install trees of t's external
// prerequisites that have steps in this plan.
func (p *Plan) externalOutputDirs(t *Target) []string {
	var dirs []string
	for _, pre := range t.externals {
		if _, ok := p.extTail[pre.External]; !ok {
			continue
		}
		for _, dir := range []string{pre.External.BuildDir, pre.External.InstallDir} {
			if dir != "" {
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

// computeWeights sets each action's weight to the length of the longest
// chain of actions starting at it. Dependents are always created after
// their prerequisites, so a reverse walk sees them first.
func (p *Plan) computeWeights() {
	for i := len(p.actions) - 1; i >= 0; i-- {
		a := p.actions[i]
		var longest int64
		for _, d := range a.dependents {
			if d.weight > longest {
				longest = d.weight
			}
		}
		a.weight = longest + 1
	}
}

func (p *Plan) makeReady(a *Action) {
	if err := a.transition(ActionReady); err != nil {
		panic(err)
	}
	p.ready.Add(a)
}

// Actions returns every action in creation order.
func (p *Plan) Actions() []*Action { return append([]*Action(nil), p.actions...) }

// Targets returns the planned targets, roots first.
func (p *Plan) Targets() []*Target { return append([]*Target(nil), p.targets...) }

func (p *Plan) Len() int { return len(p.actions) }

// FinalAction returns the archive or link action of t, if planned.
func (p *Plan) FinalAction(t *Target) *Action { return p.final[t] }

// MoreToDo reports whether some action has not finished yet.
func (p *Plan) MoreToDo() bool { return p.finished < len(p.actions) }

// FindWork pops the most urgent ready action, or nil.
func (p *Plan) FindWork() *Action {
	if p.ready.IsEmpty() {
		return nil
	}
	return p.ready.Poll().(*Action)
}

func (p *Plan) ActionStarted(a *Action) error {
	return a.transition(ActionRunning)
}

// ActionFinished records the outcome of a and, on success, readies every
// dependent whose prerequisites have now all succeeded.
func (p *Plan) ActionFinished(a *Action, success bool) error {
	to := ActionSucceeded
	if !success {
		to = ActionFailed
	}
	if err := a.transition(to); err != nil {
		return err
	}
	p.finished++
	if !success {
		return nil
	}
	for _, d := range a.dependents {
		d.pending--
		if d.pending == 0 {
			p.makeReady(d)
		}
	}
	return nil
}

// Dump writes the plan, one action per line with its prerequisites.
func (p *Plan) Dump(w io.Writer, explain bool) {
	for _, a := range p.actions {
		var deps []string
		for _, d := range a.deps {
			deps = append(deps, fmt.Sprint(d.ID))
		}
		fmt.Fprintf(w, "#%d %s [%s]", a.ID, a.Name(), a.state)
		if len(deps) > 0 {
			fmt.Fprintf(w, " after %s", strings.Join(deps, ","))
		}
		fmt.Fprintln(w)
		if explain && a.Reason != "" {
			fmt.Fprintf(w, "    %s\n", a.Reason)
		}
	}
}

func containsAction(list []*Action, a *Action) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
