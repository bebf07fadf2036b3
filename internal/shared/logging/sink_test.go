package logging

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, INFO, ParseLevel("INFO"))
	assert.Equal(t, INFO, ParseLevel(""))
	assert.Equal(t, WARN, ParseLevel(" warning "))
	assert.Equal(t, ERROR, ParseLevel("Error"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestSanitizeLogLineMasksCredentials(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		secret string
	}{
		{"authorization header", `request header Authorization: Bearer abc123xyz`, "abc123xyz"},
		{"api key assignment", `calling with api_key=sk-test-12345 now`, "sk-test-12345"},
		{"json password", `payload {"password": "hunter2"}`, "hunter2"},
		{"bare bearer token", `reusing bearer eyJhbGciOi.payload`, "eyJhbGciOi.payload"},
		{"access token", `ACCESS_TOKEN: tok_9f8e7d`, "tok_9f8e7d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			masked := sanitizeLogLine(tc.line)
			assert.NotContains(t, masked, tc.secret)
			assert.Contains(t, masked, "***")
		})
	}

	clean := "task task-a moved to running after 2 steps"
	assert.Equal(t, clean, sanitizeLogLine(clean))
}

func TestFileLoggerWritesFormattedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dispatcher.log")
	logger, closeFn, err := NewFileLogger(path, "Dispatcher")
	require.NoError(t, err)

	logger.Info("task %s started", "task-a")
	logger.Debug("grounding with api_key=sk-secret-1")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[INFO] [Dispatcher]")
	assert.Contains(t, lines[0], "task task-a started")
	// The call site is attributed to this file.
	assert.Contains(t, lines[0], "sink_test.go:")
	assert.Contains(t, lines[1], "[DEBUG]")
	assert.NotContains(t, text, "sk-secret-1")
}

func TestSinkLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	s := &fileSink{level: WARN, out: log.New(&buf, "", 0)}

	s.write(INFO, "Test", "dropped")
	s.write(WARN, "Test", "kept %d", 1)
	s.write(ERROR, "Test", "kept %d", 2)

	text := buf.String()
	assert.NotContains(t, text, "dropped")
	assert.Contains(t, text, "kept 1")
	assert.Contains(t, text, "kept 2")
}

type captureLogger struct {
	lines []string
}

func (c *captureLogger) record(level, format string, args ...any) {
	c.lines = append(c.lines, level+" "+fmt.Sprintf(format, args...))
}

func (c *captureLogger) Debug(format string, args ...any) { c.record("DEBUG", format, args...) }
func (c *captureLogger) Info(format string, args ...any)  { c.record("INFO", format, args...) }
func (c *captureLogger) Warn(format string, args ...any)  { c.record("WARN", format, args...) }
func (c *captureLogger) Error(format string, args ...any) { c.record("ERROR", format, args...) }

func TestNilGuards(t *testing.T) {
	assert.True(t, IsNil(nil))
	var typedNil *componentLogger
	assert.True(t, IsNil(typedNil))
	assert.False(t, IsNil(Nop()))

	// OrNop output is always safe to call.
	OrNop(nil).Info("ignored")
	OrNop(typedNil).Warn("ignored")
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	a := &captureLogger{}
	b := &captureLogger{}

	combined := Multi(a, nil, Multi(b))
	combined.Info("step %d", 1)
	combined.Error("boom")

	for _, c := range []*captureLogger{a, b} {
		require.Len(t, c.lines, 2)
		assert.Equal(t, "INFO step 1", c.lines[0])
		assert.Equal(t, "ERROR boom", c.lines[1])
	}

	assert.Equal(t, a, Multi(a))
	nop := Multi(nil, nil)
	nop.Debug("discarded")
}
