package nbuild

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
}

func TestRunCommandCapturesOutput(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)
	res := RunCommand(context.Background(), &Command{Program: "echo", Args: []string{"hello;", "echo", "err", "1>&2"}})
	assert.True(t, res.Success())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\nerr\n", res.Output)
}

func TestRunCommandExitCode(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)
	res := RunCommand(context.Background(), &Command{Program: "echo", Args: []string{"failing;", "exit", "3"}})
	assert.Equal(t, ExitFailure, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Output)
}

func TestRunCommandInterrupted(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := RunCommand(ctx, &Command{Program: "sleep", Args: []string{"10"}})
	assert.Equal(t, ExitInterrupted, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRealCommandRunnerParallelism(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	execute := func(ctx context.Context, a *Action) *Result {
		<-release
		return &Result{Status: ExitSuccess, Output: a.Source}
	}
	r := NewRealCommandRunner(context.Background(), 2, execute)
	tgt := NewObjects("o")
	a := &Action{ID: 0, Kind: ActionCompile, Target: tgt, Source: "a.c"}
	b := &Action{ID: 1, Kind: ActionCompile, Target: tgt, Source: "b.c"}

	assert.Equal(t, 2, r.CanRunMore())
	require.NoError(t, r.StartCommand(a))
	require.NoError(t, r.StartCommand(b))
	assert.Equal(t, 0, r.CanRunMore())
	assert.ElementsMatch(t, []*Action{a, b}, r.ActiveActions())

	close(release)
	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		res, ok := r.WaitForCommand()
		require.True(t, ok)
		assert.Equal(t, res.Action.Source, res.Output)
		seen[res.Output] = true
	}
	assert.Equal(t, map[string]bool{"a.c": true, "b.c": true}, seen)
	assert.Equal(t, 2, r.CanRunMore())

	_, ok := r.WaitForCommand()
	assert.False(t, ok, "nothing running")
}

func TestRealCommandRunnerAbort(t *testing.T) {
	t.Parallel()
	execute := func(ctx context.Context, a *Action) *Result {
		<-ctx.Done()
		return &Result{Status: ExitInterrupted}
	}
	r := NewRealCommandRunner(context.Background(), 1, execute)
	require.NoError(t, r.StartCommand(&Action{Kind: ActionCompile, Target: NewObjects("o"), Source: "a.c"}))

	r.Abort()
	assert.True(t, r.Interrupted())
	assert.Equal(t, 0, r.CanRunMore())
	_, ok := r.WaitForCommand()
	assert.False(t, ok)
}

func TestDryRunCommandRunner(t *testing.T) {
	t.Parallel()
	r := NewDryRunCommandRunner()
	a := &Action{ID: 0}
	b := &Action{ID: 1}
	require.NoError(t, r.StartCommand(a))
	require.NoError(t, r.StartCommand(b))

	res, ok := r.WaitForCommand()
	require.True(t, ok)
	assert.Same(t, a, res.Action)
	assert.True(t, res.Success())
	res, ok = r.WaitForCommand()
	require.True(t, ok)
	assert.Same(t, b, res.Action)
	_, ok = r.WaitForCommand()
	assert.False(t, ok)
}
