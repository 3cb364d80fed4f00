package nbuild

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
)

type ExitStatus int8

const (
	ExitSuccess ExitStatus = iota
	ExitFailure
	ExitInterrupted
)

// Result is the outcome of running one action.
type Result struct {
	Action   *Action
	Status   ExitStatus
	ExitCode int
	Output   string
	// Cached is set when the outputs came from the remote cache.
	Cached bool
}

func (r *Result) Success() bool { return r.Status == ExitSuccess }

// Executor runs a single command to completion.
type Executor func(ctx context.Context, cmd *Command) *Result

// RunCommand runs cmd through the platform shell and captures stdout and
// stderr together. Cancelling ctx kills the whole process group.
func RunCommand(ctx context.Context, cmd *Command) *Result {
	var c *exec.Cmd
	if runtime.GOOS == "windows" {
		c = exec.CommandContext(ctx, "cmd", "/c", cmd.String())
	} else {
		c = exec.CommandContext(ctx, "/bin/sh", "-c", cmd.String())
	}
	setProcessGroup(c)
	out, err := c.CombinedOutput()
	res := &Result{Output: string(out)}
	if err == nil {
		return res
	}
	if ctx.Err() != nil {
		res.Status = ExitInterrupted
		res.ExitCode = -1
		return res
	}
	res.Status = ExitFailure
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
		res.Output += err.Error() + "\n"
	}
	return res
}
