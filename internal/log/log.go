// Package log is a thin leveled wrapper over log/slog. Every entry carries
// the component that wrote it; LOG_LEVEL and LOG_FORMAT pick the initial
// level and encoding.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom trace level below debug
const LevelTrace = slog.Level(-8)

const (
	formatText = "text"
	formatJSON = "json"
)

var levelNames = map[string]slog.Level{
	"error": slog.LevelError,
	"warn":  slog.LevelWarn,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": LevelTrace,
}

// mu guards format and output. The handler reads the level lock-free.
var mu sync.Mutex

var (
	level  = new(slog.LevelVar)
	format = formatText
	output = io.Writer(os.Stderr)
)

func init() {
	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = slog.LevelInfo
	}
	level.Set(lvl)
	if f, err := parseFormat(os.Getenv("LOG_FORMAT")); err == nil {
		format = f
	}
	install()
}

func parseLevel(s string) (slog.Level, error) {
	name := strings.ToLower(s)
	switch name {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		name = "warn"
	}
	lvl, ok := levelNames[name]
	if !ok {
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
	return lvl, nil
}

func parseFormat(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", formatText:
		return formatText, nil
	case formatJSON:
		return formatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format: %s", s)
	}
}

// replaceAttr names the trace level and normalizes timestamps: RFC 3339 in
// UTC under "timestamp" for JSON, local wall time for text.
func replaceAttr(jsonFormat bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			if jsonFormat {
				return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

// install builds the default handler from the current settings. mu must be
// held, except during init.
func install() {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr(format == formatJSON),
	}
	var handler slog.Handler
	if format == formatJSON {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Configure sets level and format together, typically from CLI flags.
// An empty value leaves the corresponding setting unchanged.
func Configure(lvl, f string) error {
	mu.Lock()
	defer mu.Unlock()

	if lvl != "" {
		parsed, err := parseLevel(lvl)
		if err != nil {
			return err
		}
		level.Set(parsed)
	}
	if f != "" {
		parsed, err := parseFormat(f)
		if err != nil {
			return err
		}
		format = parsed
	}
	install()
	return nil
}

// SetOutput redirects log output. The CLI keeps stdout for results.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	install()
}

// SetLogLevel changes the level at runtime. The handler reads it through a
// LevelVar, so no rebuild is needed.
func SetLogLevel(lvl string) error {
	parsed, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.Set(parsed)

	LogInfoWithFields("logging", "Log level changed", map[string]any{
		"new_level": lvl,
	})
	return nil
}

// GetLogLevel returns the current log level as a string
func GetLogLevel() string {
	current := level.Level()
	for name, lvl := range levelNames {
		if lvl == current {
			return name
		}
	}
	return "unknown"
}

func traceEnabled() bool {
	return level.Level() <= LevelTrace
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

// buildArgs puts the component first and the fields in key order, so text
// output is stable across runs.
func buildArgs(component string, fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	slog.Default().Info(message, buildArgs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	slog.Default().Debug(message, buildArgs(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	slog.Default().Error(message, buildArgs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	slog.Default().Warn(message, buildArgs(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	if traceEnabled() {
		slog.Default().Log(context.Background(), LevelTrace, message, buildArgs(component, fields)...)
	}
}
