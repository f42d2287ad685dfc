package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	outputMu      sync.RWMutex
	defaultOutput io.Writer = os.Stderr
	defaultLevel            = logrus.InfoLevel
)

// SetDefaultOutput changes where loggers created afterwards write to
func SetDefaultOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	defaultOutput = w
}

// SetDefaultLevel changes the level of loggers created afterwards
func SetDefaultLevel(level string) {
	outputMu.Lock()
	defer outputMu.Unlock()
	defaultLevel = parseLevel(level)
}

// Logger wraps logrus with a fixed component field
type Logger struct {
	*logrus.Logger
	component string
}

// OrderedJSONFormatter formats logs as JSON with consistent field ordering
type OrderedJSONFormatter struct {
	TimestampFormat string
}

// Format renders timestamp, level, component, message and error first, then the
// remaining fields sorted by key
func (f *OrderedJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")

	timestampFormat := f.TimestampFormat
	if timestampFormat == "" {
		timestampFormat = "2006-01-02T15:04:05.000Z"
	}
	fmt.Fprintf(&buf, `"timestamp":"%s",`, entry.Time.UTC().Format(timestampFormat))
	fmt.Fprintf(&buf, `"level":"%s",`, entry.Level.String())

	if component, ok := entry.Data["component"]; ok {
		componentJSON, _ := json.Marshal(component)
		fmt.Fprintf(&buf, `"component":%s,`, componentJSON)
	}

	messageJSON, _ := json.Marshal(entry.Message)
	fmt.Fprintf(&buf, `"message":%s`, messageJSON)

	if err, ok := entry.Data[logrus.ErrorKey]; ok {
		var errStr string
		if e, isErr := err.(error); isErr {
			errStr = e.Error()
		} else {
			errStr = fmt.Sprintf("%v", err)
		}
		errJSON, _ := json.Marshal(errStr)
		fmt.Fprintf(&buf, `,"error":%s`, errJSON)
	}

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key == "component" || key == logrus.ErrorKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		valueJSON, err := json.Marshal(entry.Data[key])
		if err != nil {
			valueJSON, _ = json.Marshal(fmt.Sprintf("%v", entry.Data[key]))
		}
		keyJSON, _ := json.Marshal(key)
		fmt.Fprintf(&buf, `,%s:%s`, keyJSON, valueJSON)
	}

	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// NewLogger creates a new logger instance for a component
func NewLogger(component string) *Logger {
	outputMu.RLock()
	out, level := defaultOutput, defaultLevel
	outputMu.RUnlock()

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&OrderedJSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z",
	})
	logger.SetOutput(out)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// Named returns a logger for another component sharing this logger's output and level
func (l *Logger) Named(component string) *Logger {
	child := logrus.New()
	child.SetLevel(l.Logger.GetLevel())
	child.SetFormatter(l.Logger.Formatter)
	child.SetOutput(l.Logger.Out)
	return &Logger{Logger: child, component: component}
}

// Component returns the component name attached to every entry
func (l *Logger) Component() string {
	return l.component
}

// WithComponent creates a logger entry with component field
func (l *Logger) WithComponent() *logrus.Entry {
	return l.WithField("component", l.component)
}

// SetLevel sets the logging level by name, defaulting to info
func (l *Logger) SetLevel(level string) {
	l.Logger.SetLevel(parseLevel(level))
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Info logs an info message with component context
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry(fields).Info(msg)
}

// Error logs an error message with component context
func (l *Logger) Error(msg string, err error, fields ...interface{}) {
	l.entry(fields).WithError(err).Error(msg)
}

// Warn logs a warning message with component context
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry(fields).Warn(msg)
}

// Debug logs a debug message with component context
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry(fields).Debug(msg)
}

func (l *Logger) entry(fields []interface{}) *logrus.Entry {
	entry := l.WithComponent()
	if len(fields) > 0 {
		entry = l.addFields(entry, fields...)
	}
	return entry
}

// addFields adds key-value pairs as fields to the log entry
func (l *Logger) addFields(entry *logrus.Entry, fields ...interface{}) *logrus.Entry {
	if len(fields)%2 != 0 {
		fields = append(fields, "")
	}

	for i := 0; i < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			entry = entry.WithField(key, fields[i+1])
		}
	}

	return entry
}
