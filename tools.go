package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"native-build-go/nbuild"
)

type toolWhen int8

const (
	// Run after parsing the command-line flags.
	runAfterFlags toolWhen = iota
	// Run after loading the manifest.
	runAfterLoad
	// Run after loading the build log.
	runAfterLogs
)

type Tool struct {
	Name string
	Desc string
	When toolWhen
	Func func(m *nbuildMain, options *Options) int
}

func tools() []*Tool {
	return []*Tool{
		{"list", "show available tools", runAfterFlags, toolList},
		{"targets", "list targets with their kind and output", runAfterLoad, toolTargets},
		{"commands", "list every command needed to build the given targets", runAfterLoad, toolCommands},
		{"graph", "output graphviz dot file for targets", runAfterLoad, toolGraph},
		{"compdb", "dump JSON compilation database to stdout", runAfterLoad, toolCompdb},
		{"clean", "clean built files", runAfterLoad, toolClean},
		{"plan", "show the actions a build would run and why", runAfterLogs, toolPlan},
		{"cleandead", "clean built files that are no longer produced by the manifest", runAfterLogs, toolCleanDead},
		{"rebuild", "clean then build the given targets", runAfterLogs, toolRebuild},
		{"run", "build an executable target then run it with the remaining arguments", runAfterLogs, toolRun},
	}
}

func chooseTool(name string) *Tool {
	for _, tool := range tools() {
		if tool.Name == name {
			return tool
		}
	}
	if name != "list" {
		fmt.Fprintf(os.Stderr, "nbuild: error: unknown tool '%s'\n", name)
	}
	toolList(nil, nil)
	return nil
}

func toolList(m *nbuildMain, options *Options) int {
	fmt.Printf("nbuild subtools:\n")
	for _, tool := range tools() {
		fmt.Printf("%11s  %s\n", tool.Name, tool.Desc)
	}
	return 0
}

func (m *nbuildMain) selectTargets(options *Options) ([]*nbuild.Target, bool) {
	targets, err := m.project.Select(options.Targets)
	if err != nil {
		m.status.Error("%v", err)
		return nil, false
	}
	return targets, true
}

func toolTargets(m *nbuildMain, options *Options) int {
	mapper := m.config.Mapper()
	for _, t := range m.project.Targets {
		out := mapper.BinaryPathOf(t)
		if out == "" {
			out = "-"
		}
		fmt.Printf("%s: %s %s\n", t.Name(), t.Kind(), out)
	}
	return 0
}

func toolCommands(m *nbuildMain, options *Options) int {
	targets, ok := m.selectTargets(options)
	if !ok {
		return 1
	}
	mapper := m.config.Mapper()
	if err := nbuild.Validate(targets, mapper); err != nil {
		m.status.Error("%v", err)
		return 1
	}
	commands := nbuild.NewCommandBuilder(m.config)
	all := nbuild.Closure(targets)
	for _, t := range all {
		for _, src := range t.Sources() {
			fmt.Println(commands.BuildCompileCommand(src, t))
		}
	}
	// Dependencies before dependents, as a build would run them.
	for i := len(all) - 1; i >= 0; i-- {
		cmd, err := commands.BuildTargetCommand(all[i])
		if err != nil {
			m.status.Error("%v", err)
			return 1
		}
		if cmd != nil {
			fmt.Println(cmd)
		}
	}
	return 0
}

func toolGraph(m *nbuildMain, options *Options) int {
	targets, ok := m.selectTargets(options)
	if !ok {
		return 1
	}
	graph := nbuild.NewGraphViz(os.Stdout, m.config.Mapper())
	graph.Start()
	for _, t := range targets {
		graph.AddTarget(t)
	}
	graph.Finish()
	return 0
}

func toolCompdb(m *nbuildMain, options *Options) int {
	targets, ok := m.selectTargets(options)
	if !ok {
		return 1
	}
	cwd, err := os.Getwd()
	if err != nil {
		m.status.Error("%v", err)
		return 1
	}
	entries := nbuild.CompilationDatabase(cwd, nbuild.NewCommandBuilder(m.config), targets)
	if err := nbuild.WriteCompdb(os.Stdout, entries); err != nil {
		m.status.Error("%v", err)
		return 1
	}
	return 0
}

func toolClean(m *nbuildMain, options *Options) int {
	targets, ok := m.selectTargets(options)
	if !ok {
		return 1
	}
	if len(options.Targets) == 0 {
		targets = m.project.Targets
	}
	cleaner := nbuild.NewCleaner(m.config, m.disk, os.Stdout)
	if err := cleaner.CleanTargets(targets); err != nil {
		m.status.Error("%v", err)
		return 1
	}
	return 0
}

func toolCleanDead(m *nbuildMain, options *Options) int {
	cleaner := nbuild.NewCleaner(m.config, m.disk, os.Stdout)
	if err := cleaner.CleanDead(m.log, m.project.Targets); err != nil {
		m.status.Error("%v", err)
		return 1
	}
	return 0
}

func toolPlan(m *nbuildMain, options *Options) int {
	targets, ok := m.selectTargets(options)
	if !ok {
		return 1
	}
	b := m.newBuilder()
	if err := b.AddTargets(targets...); err != nil {
		m.status.Error("%v", err)
		return 1
	}
	if b.AlreadyUpToDate() {
		fmt.Println("nbuild: no work to do.")
		return 0
	}
	b.Plan().Dump(os.Stdout, true)
	return 0
}

func toolRebuild(m *nbuildMain, options *Options) int {
	targets, ok := m.selectTargets(options)
	if !ok {
		return 1
	}
	cleaner := nbuild.NewCleaner(m.config, m.disk, os.Stdout)
	if err := cleaner.CleanTargets(targets); err != nil {
		m.status.Error("%v", err)
		return 1
	}
	return m.RunBuild(targets)
}

// toolRun builds the first positional target, which must be an
// executable, and runs it with the remaining positional arguments.
func toolRun(m *nbuildMain, options *Options) int {
	var t *nbuild.Target
	var args []string
	if len(options.Targets) > 0 {
		found, ok := m.project.Target(options.Targets[0])
		if !ok {
			_, err := m.project.Select(options.Targets[:1])
			m.status.Error("%v", err)
			return 1
		}
		t, args = found, options.Targets[1:]
	} else {
		defaults, _ := m.project.Select(nil)
		var executables []string
		for _, d := range defaults {
			if d.Kind() == nbuild.Executable {
				executables = append(executables, d.Name())
				if t == nil {
					t = d
				}
			}
		}
		if len(executables) != 1 {
			sort.Strings(executables)
			m.status.Error("run: name one executable target (candidates: %v)", executables)
			return 1
		}
	}
	if t.Kind() != nbuild.Executable {
		m.status.Error("run: target '%s' is a %s, not an executable", t.Name(), t.Kind())
		return 1
	}
	if code := m.RunBuild([]*nbuild.Target{t}); code != 0 {
		return code
	}
	if m.config.DryRun {
		return 0
	}
	return runBinary(m.ctx, m.config.Mapper().BinaryPathOf(t), args, t.AssetDir())
}

func runBinary(ctx context.Context, path string, args []string, dir string) int {
	cmd := exec.CommandContext(ctx, path, args...)
	if dir != "" {
		// The program finds its assets relative to the working directory.
		abs, err := filepath.Abs(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nbuild: error: %v\n", err)
			return 1
		}
		cmd.Path = abs
		cmd.Dir = dir
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	}
	fmt.Fprintf(os.Stderr, "nbuild: error: %v\n", err)
	return 1
}
