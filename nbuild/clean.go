package nbuild

import (
	"fmt"
	"io"
)

// Cleaner removes the artifacts the engine produced.
type Cleaner struct {
	config  *BuildConfig
	disk    DiskInterface
	mapper  *ArtifactMapper
	out     io.Writer
	removed map[string]bool
	count   int
	failed  error
}

func NewCleaner(config *BuildConfig, disk DiskInterface, out io.Writer) *Cleaner {
	return &Cleaner{
		config:  config,
		disk:    disk,
		mapper:  config.Mapper(),
		out:     out,
		removed: make(map[string]bool),
	}
}

func (c *Cleaner) reset() {
	c.removed = make(map[string]bool)
	c.count = 0
	c.failed = nil
}

// CleanedFilesCount is the number of files removed by the last call, or
// that would have been removed in dry run.
func (c *Cleaner) CleanedFilesCount() int { return c.count }

func (c *Cleaner) isVerbose() bool {
	return c.config.Verbosity != Quiet && (c.config.Verbosity == Verbose || c.config.DryRun)
}

func (c *Cleaner) report(path string) {
	c.count++
	if c.isVerbose() {
		fmt.Fprintf(c.out, "Remove %s\n", path)
	}
}

func (c *Cleaner) remove(path string) {
	if path == "" || c.removed[path] {
		return
	}
	c.removed[path] = true
	if c.config.DryRun {
		if mtime, err := c.disk.Stat(path); err == nil && mtime != Missing {
			c.report(path)
		}
		return
	}
	ok, err := c.disk.RemoveFile(path)
	if err != nil {
		if c.failed == nil {
			c.failed = err
		}
		return
	}
	if ok {
		c.report(path)
	}
}

func (c *Cleaner) printHeader() {
	if c.config.Verbosity == Quiet {
		return
	}
	fmt.Fprint(c.out, "Cleaning...")
	if c.isVerbose() {
		fmt.Fprint(c.out, "\n")
	} else {
		fmt.Fprint(c.out, " ")
	}
}

func (c *Cleaner) printFooter() {
	if c.config.Verbosity == Quiet {
		return
	}
	fmt.Fprintf(c.out, "%d files.\n", c.count)
}

func (c *Cleaner) removeTarget(t *Target) {
	for _, ref := range c.mapper.Refs(t) {
		c.remove(ref.ObjectPath)
		c.remove(ref.DepRecordPath)
	}
	c.remove(c.mapper.BinaryPathOf(t))
}

// CleanTargets removes objects, dependency records and binaries of
// targets and of everything they link against. External builds are left
// alone.
func (c *Cleaner) CleanTargets(targets []*Target) error {
	c.reset()
	c.printHeader()
	for _, t := range Closure(targets) {
		c.removeTarget(t)
	}
	c.printFooter()
	return c.failed
}

// CleanDead removes outputs the build log remembers but no target
// produces anymore, and forgets them.
func (c *Cleaner) CleanDead(log *BuildLog, targets []*Target) error {
	c.reset()
	c.printHeader()
	live := make(map[string]bool)
	for _, t := range Closure(targets) {
		for _, ref := range c.mapper.Refs(t) {
			live[ref.ObjectPath] = true
		}
		if bin := c.mapper.BinaryPathOf(t); bin != "" {
			live[bin] = true
		}
	}
	var dead []string
	if c.config.DryRun {
		for _, e := range log.Entries() {
			if !live[e.Output] {
				dead = append(dead, e.Output)
			}
		}
	} else {
		var err error
		dead, err = log.Recompact(func(output string) bool { return live[output] })
		if err != nil {
			return err
		}
	}
	for _, output := range dead {
		c.remove(output)
		c.remove(c.mapper.DepRecordOfObject(output))
	}
	c.printFooter()
	return c.failed
}
