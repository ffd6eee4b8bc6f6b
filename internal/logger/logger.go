// Package logger is a small file+console logger, grounded on the teacher's
// own internal/logger but extended with a lightweight structured-fields
// layer: redisd has per-connection, per-replica, and replication-offset
// context the teacher's migration tool never carried, and every log line
// that matters operationally wants to carry it rather than bury it in a
// free-text message.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level lists supported log severities
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Logger writes to file plus console
type Logger struct {
	mu          sync.Mutex
	fileLogger  *log.Logger // file output
	consoleLog  *log.Logger // console highlights
	level       Level
	logFile     *os.File
	logFilePath string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init creates the global logger.
// logFilePrefix examples: "redisd" or "redisd-replica".
func Init(logDir string, level Level, logFilePrefix string) error {
	var initErr error
	once.Do(func() {
		// Ensure log directory exists
		if err := os.MkdirAll(logDir, 0755); err != nil {
			initErr = fmt.Errorf("creating log directory: %w", err)
			return
		}

		// Build logs/{prefix}.log, fallback prefix redisd
		if logFilePrefix == "" {
			logFilePrefix = "redisd"
		}
		logFileName := fmt.Sprintf("%s.log", logFilePrefix)
		logFilePath := filepath.Join(logDir, logFileName)

		// Open log file in append mode
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			initErr = fmt.Errorf("opening log file: %w", err)
			return
		}

		// File logger (custom formatter)
		fileLogger := log.New(logFile, "", 0)

		// Console logger (key info only)
		consoleLog := log.New(os.Stdout, "", 0)

		defaultLogger = &Logger{
			fileLogger:  fileLogger,
			consoleLog:  consoleLog,
			level:       level,
			logFile:     logFile,
			logFilePath: logFilePath,
		}
	})
	return initErr
}

// Close shuts down the log file
func Close() error {
	if defaultLogger != nil && defaultLogger.logFile != nil {
		return defaultLogger.logFile.Close()
	}
	return nil
}

// GetLogFilePath returns the backing log file path
func GetLogFilePath() string {
	if defaultLogger != nil {
		return defaultLogger.logFilePath
	}
	return ""
}

// Field is one structured key/value attached to a log line via With. Value
// is rendered with %v, so any type works, but callers pass the small
// domain values redisd actually carries: connection ids, replica ids,
// replication role and offset.
type Field struct {
	Key   string
	Value interface{}
}

// Int builds an integer Field.
func Int(key string, v int) Field { return Field{Key: key, Value: v} }

// Int64 builds an int64 Field (replication offsets).
func Int64(key string, v int64) Field { return Field{Key: key, Value: v} }

// Str builds a string Field (role, replica id strings, addresses).
func Str(key, v string) Field { return Field{Key: key, Value: v} }

func renderFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s=%v", f.Key, f.Value)
	}
	return " " + strings.Join(parts, " ")
}

// Context carries a fixed set of structured fields appended to every line
// logged through it. Obtained via With; cheap to build per connection or
// per replica since it holds nothing but the field slice.
type Context struct {
	fields []Field
}

// With starts a Context carrying fields, appended to every message logged
// through it (e.g. logger.With(logger.Int("conn_id", id)).Warn("...")).
func With(fields ...Field) *Context {
	return &Context{fields: fields}
}

// With returns a new Context with additional fields appended to c's.
func (c *Context) With(fields ...Field) *Context {
	merged := make([]Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &Context{fields: merged}
}

func (c *Context) Debug(format string, args ...interface{}) {
	logToFile(DEBUG, format+renderFields(c.fields), args...)
}

func (c *Context) Info(format string, args ...interface{}) {
	logToFile(INFO, format+renderFields(c.fields), args...)
}

func (c *Context) Warn(format string, args ...interface{}) {
	logToBoth(WARN, format+renderFields(c.fields), args...)
}

func (c *Context) Error(format string, args ...interface{}) {
	logToBoth(ERROR, format+renderFields(c.fields), args...)
}

// formatMessage standardizes log records
func formatMessage(level Level, format string, args ...interface{}) string {
	timestamp := time.Now().Format("2006/01/02 15:04:05")
	levelStr := levelNames[level]
	message := fmt.Sprintf(format, args...)
	return fmt.Sprintf("%s [%s] %s", timestamp, levelStr, message)
}

// logToFile writes to the log file
func logToFile(level Level, format string, args ...interface{}) {
	if defaultLogger == nil {
		return
	}
	if level < defaultLogger.level {
		return
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	message := formatMessage(level, format, args...)
	defaultLogger.fileLogger.Println(message)
}

// logToConsole prints highlights to stdout
func logToConsole(format string, args ...interface{}) {
	if defaultLogger == nil {
		fmt.Printf(format+"\n", args...)
		return
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	timestamp := time.Now().Format("2006/01/02 15:04:05")
	message := fmt.Sprintf(format, args...)
	defaultLogger.consoleLog.Printf("%s [redisd] %s", timestamp, message)
}

// logToBoth mirrors the entry to both sinks
func logToBoth(level Level, format string, args ...interface{}) {
	logToFile(level, format, args...)
	logToConsole(format, args...)
}

// Debug logs debug messages (file only)
func Debug(format string, args ...interface{}) {
	logToFile(DEBUG, format, args...)
}

// Info logs info messages (file only)
func Info(format string, args ...interface{}) {
	logToFile(INFO, format, args...)
}

// Warn logs warnings (file + console)
func Warn(format string, args ...interface{}) {
	logToBoth(WARN, format, args...)
}

// Error logs errors (file + console)
func Error(format string, args ...interface{}) {
	logToBoth(ERROR, format, args...)
}

// Console prints status lines to console and mirrors to file
func Console(format string, args ...interface{}) {
	logToConsole(format, args...)
	// Mirror into file for auditing
	logToFile(INFO, format, args...)
}

// Printf mimics log.Printf (file + console)
func Printf(format string, args ...interface{}) {
	logToBoth(INFO, format, args...)
}

// Println mimics log.Println (file + console)
func Println(args ...interface{}) {
	message := fmt.Sprint(args...)
	logToBoth(INFO, "%s", message)
}

// Writer returns an io.Writer compatible with the standard log package
func Writer() io.Writer {
	if defaultLogger != nil {
		return defaultLogger.logFile
	}
	return os.Stdout
}
