// Package workspace persists one task's on-disk artifacts: JSON state
// snapshots, an append-only action log, and screenshots. Every task gets
// its own directory under the service log dir; nothing here is shared
// between tasks.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"navi/internal/domain/agent"
	"navi/internal/shared/logging"
)

const (
	stateDir   = "state"
	screensDir = "screens"
	logsDir    = "logs"
)

// TaskWorkspace is the on-disk mirror for one task:
//
//	<log_dir>/<timestamp>_<task_id>/
//	    state/    instruction.json, plan.json, termination.json, *.jsonl
//	    screens/  <unix_ms>.png
//	    logs/     dispatcher.log
//
// State writes go through a temp file and rename, so a reader never sees a
// half-written snapshot. Record logs are append-only JSONL.
type TaskWorkspace struct {
	root   string
	clock  agent.Clock
	logger logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	shotMu     sync.Mutex
	lastShotMS int64
	lastShot   string
}

// New creates the directory tree for taskID under logDir.
func New(logDir, taskID string, clock agent.Clock) (*TaskWorkspace, error) {
	if clock == nil {
		clock = agent.SystemClock{}
	}
	stamp := clock.Now().UTC().Format("20060102_150405")
	root := filepath.Join(logDir, fmt.Sprintf("%s_%s", stamp, taskID))
	for _, dir := range []string{root, filepath.Join(root, stateDir), filepath.Join(root, screensDir), filepath.Join(root, logsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return &TaskWorkspace{
		root:   root,
		clock:  clock,
		logger: logging.NewComponentLogger("Workspace"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the workspace directory.
func (w *TaskWorkspace) Root() string { return w.root }

// LogPath returns the per-task log file path for wiring a file logger.
func (w *TaskWorkspace) LogPath() string {
	return filepath.Join(w.root, logsDir, "dispatcher.log")
}

// WriteState atomically replaces state/<name> with the JSON encoding of v.
func (w *TaskWorkspace) WriteState(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data = append(data, '\n')

	lock := w.fileLock(name)
	lock.Lock()
	defer lock.Unlock()
	return atomicWrite(filepath.Join(w.root, stateDir, name), data)
}

// ReadState decodes state/<name> into v.
func (w *TaskWorkspace) ReadState(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(w.root, stateDir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// AppendRecord appends one JSON line to state/<name>.
func (w *TaskWorkspace) AppendRecord(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", name, err)
	}
	data = append(data, '\n')

	lock := w.fileLock(name)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(filepath.Join(w.root, stateDir, name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

// ReadRecords returns the valid JSON lines of state/<name>. A torn final
// line (crash mid-append) is dropped; malformed interior lines are skipped
// with a warning so one bad record cannot hide the rest.
func (w *TaskWorkspace) ReadRecords(name string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(w.root, stateDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	records := make([]json.RawMessage, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			if i == len(lines)-1 {
				break
			}
			w.logger.Warn("Skipping malformed record at %s:%d", name, i+1)
			continue
		}
		records = append(records, json.RawMessage(line))
	}
	return records, nil
}

// SaveScreenshot writes png under screens/ named by capture time in unix
// milliseconds; two captures in the same millisecond get distinct names.
func (w *TaskWorkspace) SaveScreenshot(png []byte) (string, error) {
	w.shotMu.Lock()
	defer w.shotMu.Unlock()

	ms := w.clock.Now().UnixMilli()
	if ms <= w.lastShotMS {
		ms = w.lastShotMS + 1
	}
	w.lastShotMS = ms

	path := filepath.Join(w.root, screensDir, fmt.Sprintf("%d.png", ms))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	w.lastShot = path
	return path, nil
}

// LatestScreenshot returns the most recently saved screenshot path.
func (w *TaskWorkspace) LatestScreenshot() (string, bool) {
	w.shotMu.Lock()
	defer w.shotMu.Unlock()
	return w.lastShot, w.lastShot != ""
}

// Destroy removes the whole workspace directory.
func (w *TaskWorkspace) Destroy() error {
	return os.RemoveAll(w.root)
}

func (w *TaskWorkspace) fileLock(name string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[name] = lock
	}
	return lock
}

// atomicWrite lands data at path via a temp file, fsync, and rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write %s temp: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s temp: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s temp: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s temp: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

var _ agent.Workspace = (*TaskWorkspace)(nil)
