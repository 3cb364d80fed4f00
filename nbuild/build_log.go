package nbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// LogEntry is what the build log remembers about one output.
type LogEntry struct {
	Output      string
	CommandHash uint64
	StartMs     int64
	EndMs       int64
	Mtime       TimeStamp
}

// CommandLog is the read side of the build log used by the scanner.
type CommandLog interface {
	LookupByOutput(output string) (*LogEntry, bool)
}

// ExternalRecord is the persisted lifecycle of an external build.
type ExternalRecord struct {
	Stage    ExternalState
	TreeHash string
}

type ExternalStateStore interface {
	LoadExternal(name string) (ExternalRecord, bool, error)
	RecordExternal(name string, rec ExternalRecord) error
}

const buildLogSchema = `
CREATE TABLE IF NOT EXISTS build_log (
	output       TEXT PRIMARY KEY,
	command_hash INTEGER NOT NULL,
	mtime        INTEGER NOT NULL,
	start_ms     INTEGER NOT NULL,
	end_ms       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS external_state (
	name      TEXT PRIMARY KEY,
	stage     INTEGER NOT NULL,
	tree_hash TEXT NOT NULL DEFAULT ''
);
`

// BuildLog persists command hashes of produced outputs and the stage of
// external builds in a sqlite database under the build directory. It is
// used from the builder goroutine only.
type BuildLog struct {
	path    string
	conn    *sqlite.Conn
	entries map[string]*LogEntry

	stmtRecord         *sqlite.Stmt
	stmtDelete         *sqlite.Stmt
	stmtLoadExternal   *sqlite.Stmt
	stmtRecordExternal *sqlite.Stmt
}

func OpenBuildLog(path string) (*BuildLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return nil, fmt.Errorf("build log: %w", err)
		}
	}
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("opening build log %s: %w", path, err)
	}
	l := &BuildLog{path: path, conn: conn, entries: make(map[string]*LogEntry)}
	if err := l.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("loading build log %s: %w", path, err)
	}
	return l, nil
}

func (l *BuildLog) init() error {
	if err := sqlitex.ExecuteScript(l.conn, buildLogSchema, nil); err != nil {
		return err
	}
	err := sqlitex.ExecuteTransient(l.conn,
		"SELECT `output`, `command_hash`, `mtime`, `start_ms`, `end_ms` FROM build_log;",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e := &LogEntry{
					Output:      stmt.GetText("output"),
					CommandHash: uint64(stmt.GetInt64("command_hash")),
					Mtime:       TimeStamp(stmt.GetInt64("mtime")),
					StartMs:     stmt.GetInt64("start_ms"),
					EndMs:       stmt.GetInt64("end_ms"),
				}
				l.entries[e.Output] = e
				return nil
			},
		})
	if err != nil {
		return err
	}
	if l.stmtRecord, err = l.conn.Prepare("INSERT OR REPLACE INTO build_log " +
		"(`output`, `command_hash`, `mtime`, `start_ms`, `end_ms`) " +
		"VALUES ($output, $command_hash, $mtime, $start_ms, $end_ms);"); err != nil {
		return err
	}
	if l.stmtDelete, err = l.conn.Prepare("DELETE FROM build_log WHERE `output` = $output;"); err != nil {
		return err
	}
	if l.stmtLoadExternal, err = l.conn.Prepare("SELECT `stage`, `tree_hash` FROM external_state WHERE `name` = $name;"); err != nil {
		return err
	}
	l.stmtRecordExternal, err = l.conn.Prepare("INSERT OR REPLACE INTO external_state (`name`, `stage`, `tree_hash`) " +
		"VALUES ($name, $stage, $tree_hash);")
	return err
}

func (l *BuildLog) Path() string { return l.path }

func (l *BuildLog) LookupByOutput(output string) (*LogEntry, bool) {
	e, ok := l.entries[output]
	return e, ok
}

// RecordCommand stores the command that produced cmd.Output.
func (l *BuildLog) RecordCommand(cmd *Command, startMs, endMs int64, mtime TimeStamp) error {
	e := &LogEntry{
		Output:      cmd.Output,
		CommandHash: cmd.Hash(),
		StartMs:     startMs,
		EndMs:       endMs,
		Mtime:       mtime,
	}
	defer l.stmtRecord.Reset()
	l.stmtRecord.SetText("$output", e.Output)
	l.stmtRecord.SetInt64("$command_hash", int64(e.CommandHash))
	l.stmtRecord.SetInt64("$mtime", int64(e.Mtime))
	l.stmtRecord.SetInt64("$start_ms", e.StartMs)
	l.stmtRecord.SetInt64("$end_ms", e.EndMs)
	if _, err := l.stmtRecord.Step(); err != nil {
		return fmt.Errorf("recording %s: %w", e.Output, err)
	}
	l.entries[e.Output] = e
	return nil
}

// Entries returns every entry sorted by output.
func (l *BuildLog) Entries() []*LogEntry {
	out := make([]*LogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Output < out[j].Output })
	return out
}

// Recompact drops entries whose output is not live anymore and returns
// the removed outputs.
func (l *BuildLog) Recompact(live func(output string) bool) ([]string, error) {
	var removed []string
	for _, e := range l.Entries() {
		if live(e.Output) {
			continue
		}
		if err := l.remove(e.Output); err != nil {
			return removed, err
		}
		removed = append(removed, e.Output)
	}
	return removed, nil
}

func (l *BuildLog) remove(output string) error {
	defer l.stmtDelete.Reset()
	l.stmtDelete.SetText("$output", output)
	if _, err := l.stmtDelete.Step(); err != nil {
		return fmt.Errorf("removing %s: %w", output, err)
	}
	delete(l.entries, output)
	return nil
}

func (l *BuildLog) LoadExternal(name string) (ExternalRecord, bool, error) {
	defer l.stmtLoadExternal.Reset()
	l.stmtLoadExternal.SetText("$name", name)
	hasRow, err := l.stmtLoadExternal.Step()
	if err != nil {
		return ExternalRecord{}, false, err
	}
	if !hasRow {
		return ExternalRecord{}, false, nil
	}
	return ExternalRecord{
		Stage:    ExternalState(l.stmtLoadExternal.GetInt64("stage")),
		TreeHash: l.stmtLoadExternal.GetText("tree_hash"),
	}, true, nil
}

func (l *BuildLog) RecordExternal(name string, rec ExternalRecord) error {
	defer l.stmtRecordExternal.Reset()
	l.stmtRecordExternal.SetText("$name", name)
	l.stmtRecordExternal.SetInt64("$stage", int64(rec.Stage))
	l.stmtRecordExternal.SetText("$tree_hash", rec.TreeHash)
	if _, err := l.stmtRecordExternal.Step(); err != nil {
		return fmt.Errorf("recording external %s: %w", name, err)
	}
	return nil
}

func (l *BuildLog) Close() error {
	return l.conn.Close()
}

// MemoryStateStore keeps external stages for the lifetime of the process,
// for builds without a build log.
type MemoryStateStore struct {
	records map[string]ExternalRecord
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]ExternalRecord)}
}

func (s *MemoryStateStore) LoadExternal(name string) (ExternalRecord, bool, error) {
	rec, ok := s.records[name]
	return rec, ok, nil
}

func (s *MemoryStateStore) RecordExternal(name string, rec ExternalRecord) error {
	s.records[name] = rec
	return nil
}
