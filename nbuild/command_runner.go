package nbuild

import (
	"context"
	"math"

	"github.com/edwingeng/deque"
	"github.com/tevino/abool/v2"
)

// CommandRunner starts actions and reports their completion. The builder
// calls it from a single goroutine.
type CommandRunner interface {
	// CanRunMore returns how many more actions may be started now.
	CanRunMore() int
	StartCommand(a *Action) error
	// WaitForCommand blocks until a started action finishes. It returns
	// false when the build was interrupted.
	WaitForCommand() (*Result, bool)
	ActiveActions() []*Action
	Abort()
}

// ExecuteFunc runs one started action to completion.
type ExecuteFunc func(ctx context.Context, a *Action) *Result

// ExecuteCommand is the default ExecuteFunc: run the action's command.
func ExecuteCommand(ctx context.Context, a *Action) *Result {
	return RunCommand(ctx, a.Command)
}

// RealCommandRunner runs each action in its own goroutine, at most
// parallelism at a time, and hands results back over a channel.
type RealCommandRunner struct {
	parallelism int
	ctx         context.Context
	cancel      context.CancelFunc
	execute     ExecuteFunc
	running     map[*Action]struct{}
	results     chan *Result
	interrupted *abool.AtomicBool
}

func NewRealCommandRunner(ctx context.Context, parallelism int, execute ExecuteFunc) *RealCommandRunner {
	if parallelism < 1 {
		parallelism = 1
	}
	if execute == nil {
		execute = ExecuteCommand
	}
	ctx, cancel := context.WithCancel(ctx)
	return &RealCommandRunner{
		parallelism: parallelism,
		ctx:         ctx,
		cancel:      cancel,
		execute:     execute,
		running:     make(map[*Action]struct{}),
		results:     make(chan *Result, parallelism),
		interrupted: abool.NewBool(false),
	}
}

func (r *RealCommandRunner) CanRunMore() int {
	if r.interrupted.IsSet() {
		return 0
	}
	capacity := r.parallelism - len(r.running)
	if capacity < 0 {
		capacity = 0
	}
	return capacity
}

func (r *RealCommandRunner) StartCommand(a *Action) error {
	r.running[a] = struct{}{}
	go func() {
		res := r.execute(r.ctx, a)
		res.Action = a
		r.results <- res
	}()
	return nil
}

func (r *RealCommandRunner) WaitForCommand() (*Result, bool) {
	if len(r.running) == 0 {
		return nil, false
	}
	select {
	case res := <-r.results:
		delete(r.running, res.Action)
		if res.Status == ExitInterrupted {
			r.interrupted.Set()
			return res, false
		}
		return res, true
	case <-r.ctx.Done():
		r.interrupted.Set()
		return nil, false
	}
}

func (r *RealCommandRunner) ActiveActions() []*Action {
	actions := make([]*Action, 0, len(r.running))
	for a := range r.running {
		actions = append(actions, a)
	}
	return actions
}

// Interrupted reports whether the context was cancelled under a running
// build.
func (r *RealCommandRunner) Interrupted() bool { return r.interrupted.IsSet() }

// Abort kills whatever is still running.
func (r *RealCommandRunner) Abort() {
	r.interrupted.Set()
	r.cancel()
}

// DryRunCommandRunner pretends every action succeeds immediately.
type DryRunCommandRunner struct {
	finished deque.Deque
}

func NewDryRunCommandRunner() *DryRunCommandRunner {
	return &DryRunCommandRunner{finished: deque.NewDeque()}
}

func (r *DryRunCommandRunner) CanRunMore() int { return math.MaxInt32 }

func (r *DryRunCommandRunner) StartCommand(a *Action) error {
	r.finished.PushBack(a)
	return nil
}

func (r *DryRunCommandRunner) WaitForCommand() (*Result, bool) {
	if r.finished.Empty() {
		return nil, false
	}
	return &Result{Action: r.finished.PopFront().(*Action), Status: ExitSuccess}, true
}

func (r *DryRunCommandRunner) ActiveActions() []*Action { return nil }

func (r *DryRunCommandRunner) Abort() {}
