package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
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

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// sink is shared by a logger and every child derived from it, so level and
// output changes made on the root apply to component loggers too.
type sink struct {
	mu     sync.RWMutex
	level  LogLevel
	format string
	logger *log.Logger
}

type Logger struct {
	sink   *sink
	fields map[string]interface{}
}

type Config struct {
	Level  LogLevel
	Output io.Writer
	Format string // "json" or "text" (default)
}

func New() *Logger {
	return NewWithConfig(Config{
		Level:  INFO,
		Output: os.Stderr,
		Format: "text",
	})
}

func NewWithConfig(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Format == "" {
		config.Format = "text"
	}

	return &Logger{
		sink: &sink{
			level:  config.Level,
			format: strings.ToLower(config.Format),
			// no default prefix/flags, we'll format ourselves
			logger: log.New(config.Output, "", 0),
		},
		fields: make(map[string]interface{}),
	}
}

func (l *Logger) WithFields(keyVals ...interface{}) *Logger {
	child := &Logger{
		sink:   l.sink,
		fields: make(map[string]interface{}, len(l.fields)+len(keyVals)/2),
	}

	for k, v := range l.fields {
		child.fields[k] = v
	}

	for i := 0; i+1 < len(keyVals); i += 2 {
		child.fields[fmt.Sprintf("%v", keyVals[i])] = keyVals[i+1]
	}

	return child
}

// WithField returns a new logger with a single additional context field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(key, value)
}

func (l *Logger) Debug(msg string, keyVals ...interface{}) {
	l.log(DEBUG, msg, keyVals...)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.log(INFO, msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.log(WARN, msg, kv...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.log(ERROR, msg, kv...)
}

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log(ERROR, msg, kv...)
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, msg string, kv ...interface{}) {
	l.sink.mu.RLock()
	minLevel, format, out := l.sink.level, l.sink.format, l.sink.logger
	l.sink.mu.RUnlock()

	if level < minLevel {
		return
	}

	allFields := make(map[string]interface{}, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		allFields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		allFields[fmt.Sprintf("%v", kv[i])] = kv[i+1]
	}

	timestamp := time.Now().Format(timestampFormat)

	if format == "json" {
		out.Print(formatJSONLine(timestamp, level, msg, allFields))
		return
	}
	out.Print(formatTextLine(timestamp, level, msg, allFields))
}

func formatTextLine(timestamp string, level LogLevel, msg string, fields map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level.String(), msg)

	if len(fields) > 0 {
		b.WriteString(" |")
		for _, key := range sortedKeys(fields) {
			fmt.Fprintf(&b, " %s=%s", key, formatValue(fields[key]))
		}
	}

	return b.String()
}

func formatJSONLine(timestamp string, level LogLevel, msg string, fields map[string]interface{}) string {
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		switch value := v.(type) {
		case error:
			entry[k] = value.Error()
		case time.Duration:
			entry[k] = value.String()
		case fmt.Stringer:
			entry[k] = value.String()
		default:
			entry[k] = value
		}
	}
	entry["ts"] = timestamp
	entry["level"] = level.String()
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		return formatTextLine(timestamp, level, msg, fields)
	}
	return string(data)
}

func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		// Quote strings that contain spaces
		if strings.ContainsAny(v, " \t\n") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case []string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format("2006-01-02T15:04:05Z07:00")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

func (l *Logger) GetLevel() LogLevel {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

// SetOutput redirects the logger and all of its children.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.logger = log.New(w, "", 0)
}

func (l *Logger) SetFormat(format string) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.format = strings.ToLower(format)
}

func (l *Logger) IsDebugEnabled() bool {
	return l.GetLevel() <= DEBUG
}

// global logger instance for the convenience
var globalLogger = New()

// Global returns the process-wide logger.
func Global() *Logger {
	return globalLogger
}

func Debug(msg string, keyvals ...interface{}) {
	globalLogger.Debug(msg, keyvals...)
}

func Info(msg string, keyvals ...interface{}) {
	globalLogger.Info(msg, keyvals...)
}

func Warn(msg string, keyvals ...interface{}) {
	globalLogger.Warn(msg, keyvals...)
}

func Error(msg string, keyvals ...interface{}) {
	globalLogger.Error(msg, keyvals...)
}

func Fatal(msg string, keyvals ...interface{}) {
	globalLogger.Fatal(msg, keyvals...)
}

func WithFields(keyvals ...interface{}) *Logger {
	return globalLogger.WithFields(keyvals...)
}

func WithField(key string, value interface{}) *Logger {
	return globalLogger.WithField(key, value)
}

func SetLevel(level LogLevel) {
	globalLogger.SetLevel(level)
}

// Configure applies level, format and output to the global logger.
func Configure(level, format string, out io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	globalLogger.SetLevel(lvl)
	globalLogger.SetFormat(format)
	if out != nil {
		globalLogger.SetOutput(out)
	}
	return nil
}

func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}
