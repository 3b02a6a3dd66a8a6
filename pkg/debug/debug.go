/*
 * Package debug provides leveled logging for the mesh node.
 *
 * Output is controlled entirely by environment variables so that library
 * packages never need a logger handle:
 *   - DEBUG:     "true"/"1" enables output
 *   - LOG_LEVEL: DEBUG, INFO, WARNING or ERROR (default INFO)
 */
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

var (
	// IsEnabled controls whether log messages are output
	IsEnabled bool
	// CurrentLevel is the minimum level of messages to output
	CurrentLevel LogLevel

	mu         sync.Mutex
	logger     = log.New(os.Stdout, "", 0)
	levelNames = map[LogLevel]string{
		LevelDebug:   "DEBUG",
		LevelInfo:    "INFO",
		LevelWarning: "WARNING",
		LevelError:   "ERROR",
	}
	levelMap = map[string]LogLevel{
		"DEBUG":   LevelDebug,
		"INFO":    LevelInfo,
		"WARNING": LevelWarning,
		"ERROR":   LevelError,
	}
)

func init() {
	Reinitialize()
}

// Reinitialize updates the settings from the current environment variables.
// The node binary calls this again once flags are parsed.
func Reinitialize() {
	debugEnv := os.Getenv("DEBUG")
	IsEnabled = debugEnv == "true" || debugEnv == "1"

	levelEnv := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	if level, exists := levelMap[levelEnv]; exists {
		CurrentLevel = level
	} else {
		CurrentLevel = LevelInfo
	}
}

// SetOutput redirects log output, primarily for capturing logs in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", 0)
}

// Log prints a message with the specified level if logging is enabled
func Log(level LogLevel, format string, v ...interface{}) {
	if !IsEnabled || level < CurrentLevel {
		return
	}

	pc, file, line, _ := runtime.Caller(2)
	funcName := runtime.FuncForPC(pc).Name()

	message := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	mu.Lock()
	defer mu.Unlock()
	logger.Printf("[%s] [%s] [%s:%d] [%s] %s\n",
		levelNames[level],
		timestamp,
		file,
		line,
		funcName,
		message,
	)
}

// Debug logs a debug level message
func Debug(format string, v ...interface{}) {
	Log(LevelDebug, format, v...)
}

// Info logs an info level message
func Info(format string, v ...interface{}) {
	Log(LevelInfo, format, v...)
}

// Warning logs a warning level message
func Warning(format string, v ...interface{}) {
	Log(LevelWarning, format, v...)
}

// Error logs an error level message
func Error(format string, v ...interface{}) {
	Log(LevelError, format, v...)
}
