package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"git.sr.ht/~sircmpwn/getopt"

	"native-build-go/nbuild"
)

const kNbuildVersion = "0.3.0"

const exitInterrupted = 130

type Options struct {
	InputFile  string
	WorkingDir string
	Tool       *Tool
	Targets    []string
}

func usage(parallelism int) {
	fmt.Fprintf(os.Stderr,
		"usage: nbuild [options] [targets...]\n"+
			"\n"+
			"if targets are unspecified, builds the manifest's 'default' list, or everything.\n"+
			"\n"+
			"options:\n"+
			"  -C DIR   change to DIR before doing anything else\n"+
			"  -f FILE  specify input manifest [default=%s]\n"+
			"\n"+
			"  -j N     run N jobs in parallel (0 means infinity) [default=%d on this system]\n"+
			"  -n       dry run (don't run commands but act like they succeeded)\n"+
			"  -v       show all command lines while building\n"+
			"  -q       don't show progress status, just command output\n"+
			"\n"+
			"  -d MODE  enable debugging (use '-d list' to list modes)\n"+
			"  -t TOOL  run a subtool (use '-t list' to list subtools)\n"+
			"  -r URL   remote object cache\n"+
			"  -R NAME  remote cache instance\n"+
			"\n"+
			"nbuild %s\n",
		nbuild.DefaultManifest, parallelism, kNbuildVersion)
}

func debugEnable(name string, opts *nbuild.ConfigOptions) bool {
	switch name {
	case "list":
		fmt.Printf("debugging modes:\n" +
			"  stats    print operation counts/timing info\n" +
			"  explain  explain what caused a command to execute\n")
		return false
	case "stats":
		opts.Stats = true
	case "explain":
		opts.Explain = true
	default:
		fmt.Fprintf(os.Stderr, "nbuild: error: unknown debug setting '%s'\n", name)
		return false
	}
	return true
}

// readFlags parses args. It returns an exit code when the process should
// stop right away, or -1.
func readFlags(args []string, options *Options, opts *nbuild.ConfigOptions) int {
	flags, optind, err := getopt.Getopts(args, "C:f:j:nvqd:t:r:R:h")
	if err != nil {
		fmt.Fprintf(os.Stderr, "nbuild: error: %v\n", err)
		usage(nbuild.GuessParallelism())
		return 1
	}
	for _, flag := range flags {
		switch flag.Option {
		case 'C':
			options.WorkingDir = flag.Value
		case 'f':
			options.InputFile = flag.Value
		case 'j':
			value, err := strconv.Atoi(flag.Value)
			if err != nil || value < 0 {
				fmt.Fprintf(os.Stderr, "nbuild: error: invalid -j parameter\n")
				return 1
			}
			if value == 0 {
				value = math.MaxInt32
			}
			opts.Parallelism = value
		case 'n':
			opts.DryRun = true
		case 'v':
			opts.Verbosity = nbuild.Verbose
		case 'q':
			opts.Verbosity = nbuild.NoStatusUpdate
		case 'd':
			if !debugEnable(flag.Value, opts) {
				return 1
			}
		case 't':
			options.Tool = chooseTool(flag.Value)
			if options.Tool == nil {
				return 0
			}
		case 'r':
			opts.RemoteCache = flag.Value
		case 'R':
			opts.CacheInstance = flag.Value
		default:
			usage(nbuild.GuessParallelism())
			return 0
		}
	}
	options.Targets = args[optind:]
	return -1
}

func realMain(args []string) int {
	options := Options{InputFile: nbuild.DefaultManifest}
	configOpts := nbuild.ConfigOptions{Verbosity: nbuild.Normal}
	if code := readFlags(args, &options, &configOpts); code >= 0 {
		return code
	}

	if options.WorkingDir != "" {
		if options.Tool == nil && configOpts.Verbosity != nbuild.NoStatusUpdate {
			fmt.Printf("nbuild: Entering directory `%s'\n", options.WorkingDir)
		}
		if err := os.Chdir(options.WorkingDir); err != nil {
			fmt.Fprintf(os.Stderr, "nbuild: fatal: chdir to '%s' - %v\n", options.WorkingDir, err)
			return 1
		}
	}

	config, err := nbuild.LoadConfig(configOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nbuild: error: %v\n", err)
		return 1
	}
	status := nbuild.NewStatusPrinter(config)

	if options.Tool != nil && options.Tool.When == runAfterFlags {
		return options.Tool.Func(nil, &options)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := newNbuildMain(ctx, config, status)
	defer m.Close()
	if err := m.LoadManifest(options.InputFile); err != nil {
		status.Error("%v", err)
		return 1
	}
	if options.Tool != nil && options.Tool.When == runAfterLoad {
		return options.Tool.Func(m, &options)
	}

	if err := m.OpenBuildLog(); err != nil {
		status.Error("%v", err)
		return 1
	}
	if options.Tool != nil {
		return options.Tool.Func(m, &options)
	}

	targets, err := m.project.Select(options.Targets)
	if err != nil {
		status.Error("%v", err)
		return 1
	}
	result := m.RunBuild(targets)
	if config.Stats {
		m.metrics.Report(os.Stdout)
	}
	return result
}

func main() {
	os.Exit(realMain(os.Args))
}

// nbuildMain holds what the build and the tools share.
type nbuildMain struct {
	ctx     context.Context
	config  *nbuild.BuildConfig
	status  *nbuild.StatusPrinter
	disk    *nbuild.RealDiskInterface
	metrics *nbuild.Metrics
	project *nbuild.Project
	log     *nbuild.BuildLog
}

func newNbuildMain(ctx context.Context, config *nbuild.BuildConfig, status *nbuild.StatusPrinter) *nbuildMain {
	m := &nbuildMain{
		ctx:    ctx,
		config: config,
		status: status,
		disk:   nbuild.NewRealDiskInterface(),
	}
	if config.Stats {
		m.metrics = nbuild.NewMetrics()
	}
	return m
}

func (m *nbuildMain) LoadManifest(path string) error {
	return m.metrics.Time("load manifest", func() error {
		project, err := nbuild.LoadManifest(path, m.config)
		m.project = project
		return err
	})
}

func (m *nbuildMain) OpenBuildLog() error {
	log, err := nbuild.OpenBuildLog(m.config.BuildLogPath())
	if err != nil {
		return err
	}
	m.log = log
	return nil
}

func (m *nbuildMain) Close() {
	if m.log != nil {
		if err := m.log.Close(); err != nil {
			m.status.Warning("closing build log: %v", err)
		}
	}
}

func (m *nbuildMain) newBuilder() *nbuild.Builder {
	b := nbuild.NewBuilder(m.config, m.disk, m.log, m.status)
	b.SetMetrics(m.metrics)
	if m.config.RemoteCache != "" && !m.config.DryRun {
		cache := nbuild.NewRemoteCache(m.config.RemoteCache, m.config.CacheInstance, m.status.Warning)
		b.SetExecute(cache.Wrap(nil))
	}
	return b
}

// RunBuild builds targets and returns the process exit code.
func (m *nbuildMain) RunBuild(targets []*nbuild.Target) int {
	b := m.newBuilder()
	if err := b.AddTargets(targets...); err != nil {
		m.status.Error("%v", err)
		return 1
	}
	if b.AlreadyUpToDate() {
		if m.config.Verbosity != nbuild.NoStatusUpdate {
			m.status.Info("no work to do.")
		}
		return 0
	}
	err := b.Build(m.ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, nbuild.ErrInterrupted):
		m.status.Error("interrupted by user")
		return exitInterrupted
	case errors.Is(err, nbuild.ErrCompileFailed), errors.Is(err, nbuild.ErrArchiveFailed),
		errors.Is(err, nbuild.ErrLinkFailed), errors.Is(err, nbuild.ErrExternalBuildFailed):
		// the status printer already showed the command and its output
		m.status.Error("build stopped: subcommand failed.")
	default:
		m.status.Error("build stopped: %v", err)
	}
	return 1
}
