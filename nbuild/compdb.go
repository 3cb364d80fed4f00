package nbuild

import (
	"encoding/json"
	"io"
	"path/filepath"
)

// CompdbEntry is one record of compile_commands.json.
type CompdbEntry struct {
	Directory string `json:"directory"`
	Command   string `json:"command"`
	File      string `json:"file"`
	Output    string `json:"output"`
}

// CompilationDatabase lists the compile command of every source of
// targets and of everything they link against, in plan order.
func CompilationDatabase(directory string, commands *CommandBuilder, targets []*Target) []CompdbEntry {
	entries := []CompdbEntry{}
	seen := make(map[string]bool)
	for _, t := range Closure(targets) {
		for _, src := range t.sources.items {
			cmd := commands.BuildCompileCommand(src, t)
			if seen[cmd.Output] {
				continue
			}
			seen[cmd.Output] = true
			file := src
			if !filepath.IsAbs(file) {
				file = filepath.Join(directory, file)
			}
			entries = append(entries, CompdbEntry{
				Directory: directory,
				Command:   cmd.String(),
				File:      file,
				Output:    cmd.Output,
			})
		}
	}
	return entries
}

func WriteCompdb(w io.Writer, entries []CompdbEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(entries)
}
