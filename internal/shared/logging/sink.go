package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a level name to a LogLevel; unknown names default to INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG
	case "INFO", "":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// fileSink is the shared leveled sink behind component loggers. It writes to
// a single log file and optionally mirrors to stderr.
type fileSink struct {
	mu     sync.Mutex
	file   *os.File
	out    *log.Logger
	level  LogLevel
	stderr bool
}

var (
	defaultSink     *fileSink
	defaultSinkOnce sync.Once
)

// Configure initializes the process-wide sink. It is safe to call once at
// startup; later component loggers share the configured file and level.
// When dir is empty or unwritable the sink degrades to stderr only.
func Configure(dir string, level LogLevel, mirrorStderr bool) {
	defaultSinkOnce.Do(func() {
		defaultSink = newFileSink(dir, level, mirrorStderr)
	})
}

func getSink() *fileSink {
	defaultSinkOnce.Do(func() {
		defaultSink = newFileSink("", INFO, true)
	})
	return defaultSink
}

func newFileSink(dir string, level LogLevel, mirrorStderr bool) *fileSink {
	s := &fileSink{level: level, stderr: mirrorStderr}
	if dir == "" {
		return s
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("logging: create dir %s: %v", dir, err)
		return s
	}
	path := filepath.Join(dir, "navi-server.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logging: open %s: %v", path, err)
		return s
	}
	s.file = file
	s.out = log.New(file, "", 0)
	return s
}

// SetLevel adjusts the minimum level of the shared sink.
func SetLevel(level LogLevel) {
	s := getSink()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// Close closes the shared sink's log file.
func Close() error {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *fileSink) write(level LogLevel, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	// Two frames up: write <- level method <- call site.
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56.123 [INFO] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	if component == "" {
		component = "NAVI"
	}
	message := fmt.Sprintf(format, args...)
	logLine := sanitizeLogLine(fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		timestamp, levelToString(level), component, file, line, message))

	if s.out != nil {
		s.out.Println(logLine)
	}
	if s.stderr || s.out == nil {
		fmt.Fprintln(os.Stderr, logLine)
	}
}

// componentLogger routes through the shared sink with a fixed component name.
type componentLogger struct {
	sink      *fileSink
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{sink: getSink(), component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.sink.write(DEBUG, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.sink.write(INFO, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.sink.write(WARN, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.sink.write(ERROR, l.component, format, args...)
}

// NewFileLogger returns a logger writing to its own file, independent of the
// shared sink. The dispatcher uses this for per-task log files.
func NewFileLogger(path, component string) (Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	sink := &fileSink{level: DEBUG, file: file, out: log.New(file, "", 0)}
	return &componentLogger{sink: sink, component: component}, file.Close, nil
}

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
)

// sanitizeLogLine masks credential material before it reaches any sink.
func sanitizeLogLine(line string) string {
	line = authorizationBearerPattern.ReplaceAllString(line, "${1}${2}***")
	line = sensitiveKeyValuePattern.ReplaceAllString(line, "${1}***${3}")
	line = bearerTokenPattern.ReplaceAllString(line, "${1}***")
	return line
}
