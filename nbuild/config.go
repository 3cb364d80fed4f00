package nbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type BuildType string

const (
	Release BuildType = "release"
	Debug   BuildType = "debug"
)

type Verbosity int8

const (
	Quiet          Verbosity = iota // No output -- used when testing.
	NoStatusUpdate                  // just regular output but suppress status update
	Normal                          // regular output and status update
	Verbose
)

// Toolchain names the programs used for each action kind.
type Toolchain struct {
	CC  string
	CXX string
	AR  string
}

// BuildConfig is built once before any target is declared and never
// changes afterwards. Everything that depends on the environment lives
// here so the rest of the engine never reads it.
type BuildConfig struct {
	BuildType BuildType
	// Project root; sources inside it are mirrored relative to it.
	RootDir  string
	BuildDir string
	ObjDir   string
	DepDir   string
	BinDir   string
	LibDir   string

	Toolchain   Toolchain
	Parallelism int
	DryRun      bool
	Verbosity   Verbosity
	Explain     bool
	Stats       bool

	RemoteCache   string
	CacheInstance string
	GOOS          string
}

// ConfigOptions carries command line overrides. Zero values mean "not
// set", except for Verbosity which is taken as is.
type ConfigOptions struct {
	RootDir       string
	BuildType     string
	BuildDir      string
	Parallelism   int
	DryRun        bool
	Verbosity     Verbosity
	Explain       bool
	Stats         bool
	RemoteCache   string
	CacheInstance string
	// EnvFiles are handed to godotenv; empty means ".env".
	EnvFiles []string
}

// LoadConfig reads .env (optional) and the process environment, then
// applies opts on top.
func LoadConfig(opts ConfigOptions) (*BuildConfig, error) {
	_ = godotenv.Load(opts.EnvFiles...)

	buildType := opts.BuildType
	if buildType == "" {
		buildType = getEnv("BUILD_TYPE", string(Release))
	}
	bt, err := ParseBuildType(buildType)
	if err != nil {
		return nil, err
	}
	buildDir := opts.BuildDir
	if buildDir == "" {
		buildDir = getEnv("BUILD_DIR", "")
	}
	config := NewBuildConfig(bt, buildDir)
	config.Toolchain = Toolchain{
		CC:  getEnv("CC", config.Toolchain.CC),
		CXX: getEnv("CXX", config.Toolchain.CXX),
		AR:  getEnv("AR", config.Toolchain.AR),
	}
	if opts.RootDir != "" {
		config.RootDir = opts.RootDir
	}
	config.Parallelism = opts.Parallelism
	if config.Parallelism <= 0 {
		if jobs, err := strconv.Atoi(getEnv("NBUILD_JOBS", "")); err == nil && jobs > 0 {
			config.Parallelism = jobs
		} else {
			config.Parallelism = GuessParallelism()
		}
	}
	config.DryRun = opts.DryRun
	config.Verbosity = opts.Verbosity
	config.Explain = opts.Explain
	config.Stats = opts.Stats
	config.RemoteCache = opts.RemoteCache
	if config.RemoteCache == "" {
		config.RemoteCache = os.Getenv("NBUILD_REMOTE_CACHE")
	}
	config.CacheInstance = opts.CacheInstance
	if config.CacheInstance == "" {
		config.CacheInstance = getEnv("NBUILD_CACHE_INSTANCE", "default")
	}
	return config, nil
}

// NewBuildConfig returns a configuration with the default toolchain and
// the directory layout derived from buildDir ("build-<type>" when empty).
func NewBuildConfig(buildType BuildType, buildDir string) *BuildConfig {
	if buildDir == "" {
		buildDir = "build-" + string(buildType)
	}
	buildDir = filepath.Clean(buildDir)
	return &BuildConfig{
		BuildType: buildType,
		RootDir:   ".",
		BuildDir:  buildDir,
		ObjDir:    filepath.Join(buildDir, "obj"),
		DepDir:    filepath.Join(buildDir, "dep"),
		BinDir:    filepath.Join(buildDir, "bin"),
		LibDir:    filepath.Join(buildDir, "lib"),
		Toolchain: Toolchain{
			CC:  "clang",
			CXX: "clang++",
			AR:  "llvm-ar",
		},
		Parallelism: GuessParallelism(),
		Verbosity:   Normal,
		GOOS:        runtime.GOOS,
	}
}

func ParseBuildType(s string) (BuildType, error) {
	switch BuildType(strings.ToLower(s)) {
	case Release:
		return Release, nil
	case Debug:
		return Debug, nil
	}
	return "", &ConfigurationError{Msg: fmt.Sprintf("unknown build type '%s' (want release or debug)", s)}
}

// BuildTypeFlags are the compiler flags every target gets for the build type.
func (c *BuildConfig) BuildTypeFlags() []string {
	if c.BuildType == Debug {
		return []string{"-g", "-O0"}
	}
	return []string{"-O3"}
}

// NewTarget creates a target seeded with the build type flags.
func (c *BuildConfig) NewTarget(name string, kind TargetKind) *Target {
	return NewTarget(name, kind).AddCompilerFlags(c.BuildTypeFlags()...)
}

func (c *BuildConfig) Mapper() *ArtifactMapper {
	return &ArtifactMapper{
		RootDir:   c.RootDir,
		ObjDir:    c.ObjDir,
		DepDir:    c.DepDir,
		BinDir:    c.BinDir,
		LibDir:    c.LibDir,
		ExeSuffix: exeSuffix(c.GOOS),
	}
}

func (c *BuildConfig) BuildLogPath() string {
	return filepath.Join(c.BuildDir, ".nbuild_log.db")
}

func exeSuffix(goos string) string {
	if goos == "windows" {
		return ".exe"
	}
	return ""
}

// GuessParallelism chooses a default -j value from the CPU count.
func GuessParallelism() int {
	switch processors := runtime.NumCPU(); processors {
	case 0, 1:
		return 2
	case 2:
		return 3
	default:
		return processors + 2
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
