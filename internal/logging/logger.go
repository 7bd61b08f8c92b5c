package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "GOBBY_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Category selects the log file a message is written to.
type Category string

const (
	CategoryService Category = "service"
	CategoryLLM     Category = "llm"
	CategoryLatency Category = "latency"
)

// Logger defines the minimal printf-style logging contract used across the
// daemon. Components depend on this interface rather than a concrete logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

var (
	categoryMu      sync.Mutex
	categoryLoggers = make(map[Category]*FileLogger)
)

// FileLogger writes formatted log lines to a per-category file under the
// directory named by GOBBY_LOG_DIR (default: the user's home directory).
type FileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        sync.Mutex
	component string
	category  Category
}

// NewComponentLogger returns the default service logger scoped to a component.
func NewComponentLogger(component string) *FileLogger {
	return NewCategorizedLogger(CategoryService, component)
}

// NewLatencyLogger returns a logger dedicated to latency instrumentation.
func NewLatencyLogger(component string) *FileLogger {
	return NewCategorizedLogger(CategoryLatency, component)
}

// NewLLMLogger returns a logger that writes to the dedicated LLM log file.
func NewLLMLogger(component string) *FileLogger {
	return NewCategorizedLogger(CategoryLLM, component)
}

// NewCategorizedLogger returns a logger for a specific category and component.
// Loggers for the same category share one underlying file.
func NewCategorizedLogger(category Category, component string) *FileLogger {
	base := getOrCreateCategoryLogger(category)
	return &FileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
		category:  category,
	}
}

func getOrCreateCategoryLogger(category Category) *FileLogger {
	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}

	logger := newFileLogger(category)
	categoryLoggers[category] = logger
	return logger
}

func newFileLogger(category Category) *FileLogger {
	l := &FileLogger{level: DEBUG, category: category}

	logDir, err := resolveLogDirectory()
	if err != nil {
		log.Printf("Failed to resolve log directory: %v", err)
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return l
	}

	logPath := filepath.Join(logDir, logFileName(category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // formatted by hand below
	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gobby", "logs"), nil
}

func logFileName(category Category) string {
	switch category {
	case CategoryLLM:
		return "gobby-llm.log"
	case CategoryLatency:
		return "gobby-latency.log"
	default:
		return "gobby-service.log"
	}
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < l.level || l.logger == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "GOBBY"
	}
	category := strings.ToUpper(string(l.category))

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] [%s] %s:%d - %s",
		timestamp, levelToString(level), category, component, file, line, message)
	l.logger.Print(logLine)
	if os.Getenv("GOBBY_SERVER_MODE") == "deploy" {
		fmt.Println(logLine)
	}
}

// Debug logs a debug message.
func (l *FileLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }

// Info logs an info message.
func (l *FileLogger) Info(format string, args ...any) { l.log(INFO, format, args...) }

// Warn logs a warning message.
func (l *FileLogger) Warn(format string, args ...any) { l.log(WARN, format, args...) }

// Error logs an error message.
func (l *FileLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelToString(level Level) string {
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
