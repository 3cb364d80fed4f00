package nbuild

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Builder wraps the build process: it plans the targets, then runs the
// plan through a CommandRunner, recording each finished action.
type Builder struct {
	config   *BuildConfig
	disk     DiskInterface
	log      *BuildLog
	store    ExternalStateStore
	status   Status
	commands *CommandBuilder
	scan     *DependencyScan
	plan     *Plan
	metrics  *Metrics

	runner  CommandRunner
	execute ExecuteFunc

	start      time.Time
	running    int
	startTimes map[*Action]int64
}

// NewBuilder prepares a build. log may be nil, in which case command line
// changes are not detected and external stages live in memory only.
func NewBuilder(config *BuildConfig, disk DiskInterface, log *BuildLog, status Status) *Builder {
	b := &Builder{
		config:     config,
		disk:       disk,
		log:        log,
		status:     status,
		commands:   NewCommandBuilder(config),
		startTimes: make(map[*Action]int64),
	}
	// A nil *BuildLog must not end up inside a non-nil interface.
	var commandLog CommandLog
	if log != nil {
		commandLog = log
		b.store = log
	} else {
		b.store = NewMemoryStateStore()
	}
	b.scan = NewDependencyScan(disk, b.commands, commandLog)
	b.plan = NewPlan(b.scan)
	return b
}

func (b *Builder) Plan() *Plan { return b.plan }

func (b *Builder) Commands() *CommandBuilder { return b.commands }

// SetRunner replaces the runner chosen by Build. Used by tests.
func (b *Builder) SetRunner(r CommandRunner) { b.runner = r }

// SetExecute replaces how a real runner executes actions, e.g. to go
// through the remote cache.
func (b *Builder) SetExecute(f ExecuteFunc) { b.execute = f }

func (b *Builder) SetMetrics(m *Metrics) { b.metrics = m }

// AddTargets plans roots and everything they link against.
func (b *Builder) AddTargets(roots ...*Target) error {
	for _, t := range Closure(roots) {
		for _, pre := range t.externals {
			if pre.External != nil {
				pre.External.Bind(b.store, nil)
			}
		}
	}
	return b.metrics.Time("plan", func() error {
		return b.plan.AddTargets(roots)
	})
}

// AlreadyUpToDate reports whether there is nothing to do.
func (b *Builder) AlreadyUpToDate() bool { return b.plan.Len() == 0 }

// Build runs the plan. Once an action fails no new action is started;
// the ones already running are waited for and every failure is returned.
// Cancelling ctx kills the running commands, removes their outputs and
// returns ErrInterrupted.
func (b *Builder) Build(ctx context.Context) error {
	if c, ok := b.disk.(interface{ AllowStatCache(bool) }); ok {
		c.AllowStatCache(false)
	}
	if b.runner == nil {
		if b.config.DryRun {
			b.runner = NewDryRunCommandRunner()
		} else {
			b.runner = NewRealCommandRunner(ctx, b.config.Parallelism, b.execute)
		}
	}

	b.start = time.Now()
	b.status.PlanHasTotalActions(b.plan.Len())
	b.status.BuildStarted()
	defer b.status.BuildFinished()

	var failures []error
	for b.plan.MoreToDo() {
		if len(failures) == 0 && ctx.Err() == nil {
			for capacity := b.runner.CanRunMore(); capacity > 0; capacity-- {
				a := b.plan.FindWork()
				if a == nil {
					break
				}
				if err := b.startAction(a); err != nil {
					failures = append(failures, err)
					break
				}
			}
		}

		if b.running == 0 {
			break
		}

		res, ok := b.runner.WaitForCommand()
		if !ok || (res != nil && res.Status == ExitInterrupted) {
			var reaped *Action
			if res != nil {
				reaped = res.Action
			}
			b.cleanup(reaped)
			return ErrInterrupted
		}
		if err := b.finishAction(res); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	if b.plan.MoreToDo() {
		return fmt.Errorf("cannot make progress")
	}
	return nil
}

func (b *Builder) sinceStart() int64 { return time.Since(b.start).Milliseconds() }

func (b *Builder) commandFor(a *Action) (*Command, error) {
	switch a.Kind {
	case ActionCompile:
		return b.commands.BuildCompileCommand(a.Source, a.Target), nil
	case ActionArchive, ActionLink:
		return b.commands.BuildTargetCommand(a.Target)
	case ActionExternal:
		if cmd := a.External.CommandFor(a.Stage); cmd != nil {
			return cmd, nil
		}
		return nil, &ConfigurationError{Msg: fmt.Sprintf("external '%s' has no command for %s", a.External.Name, a.Stage)}
	}
	return nil, fmt.Errorf("unknown action kind %s", a.Kind)
}

func (b *Builder) startAction(a *Action) error {
	if err := b.plan.ActionStarted(a); err != nil {
		return err
	}
	fail := func(err error) error {
		_ = b.plan.ActionFinished(a, false)
		return err
	}
	cmd, err := b.commandFor(a)
	if err != nil {
		return fail(err)
	}
	a.Command = cmd

	if !b.config.DryRun {
		for _, out := range a.Outputs {
			if err := b.disk.MakeDirs(out); err != nil {
				return fail(err)
			}
		}
		// ar rcs appends to an existing archive; start from scratch so
		// objects dropped from the target leave it too.
		if a.Kind == ActionArchive {
			for _, out := range a.Outputs {
				if _, err := b.disk.RemoveFile(out); err != nil {
					return fail(err)
				}
			}
		}
	}

	startMs := b.sinceStart()
	b.startTimes[a] = startMs
	b.status.ActionStarted(a, startMs)
	if err := b.runner.StartCommand(a); err != nil {
		delete(b.startTimes, a)
		return fail(err)
	}
	b.running++
	return nil
}

func (b *Builder) finishAction(res *Result) error {
	a := res.Action
	b.running--
	startMs := b.startTimes[a]
	delete(b.startTimes, a)
	endMs := b.sinceStart()
	b.metrics.Record(a.Kind.String(), time.Duration(endMs-startMs)*time.Millisecond)

	success := res.Success()
	var err error
	switch {
	case a.Kind == ActionExternal && !b.config.DryRun:
		if err = a.External.Complete(a.Stage, res); err != nil {
			success = false
		}
	case !success:
		err = &ActionError{
			Kind:     a.Kind,
			Target:   a.Target.name,
			Source:   a.Source,
			Command:  a.Command.String(),
			ExitCode: res.ExitCode,
			Output:   res.Output,
		}
	}

	b.status.ActionFinished(a, startMs, endMs, success, res.Output)
	if perr := b.plan.ActionFinished(a, success); perr != nil {
		return errors.Join(err, perr)
	}
	if !success {
		return err
	}

	if b.log != nil && !b.config.DryRun && a.Kind != ActionExternal {
		mtime, serr := b.disk.Stat(a.Command.Output)
		if serr != nil {
			return serr
		}
		if err := b.log.RecordCommand(a.Command, startMs, endMs, mtime); err != nil {
			return fmt.Errorf("recording %s: %w", a.Command.Output, err)
		}
	}
	return nil
}

// cleanup stops the runner and deletes the outputs of every action that
// was still running, since they may be half written. reaped is the action
// whose interrupted result was already taken off the runner.
func (b *Builder) cleanup(reaped *Action) {
	active := b.runner.ActiveActions()
	if reaped != nil && !containsAction(active, reaped) {
		active = append(active, reaped)
	}
	b.runner.Abort()
	for _, a := range active {
		for _, out := range a.Outputs {
			if _, err := b.disk.RemoveFile(out); err != nil {
				b.status.Error("%v", err)
			}
		}
	}
	b.running = 0
}
