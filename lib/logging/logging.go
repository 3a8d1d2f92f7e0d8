// Package logging provides the process-wide logger facade for tidewater
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements logger.ILogger)
// --------------------------------------------------------------------------

// tidewaterLogger implements the ILogger interface with custom formatting
type tidewaterLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *tidewaterLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *tidewaterLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *tidewaterLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *tidewaterLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *tidewaterLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *tidewaterLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *tidewaterLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the logger.Factory interface
func CreateLogger(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &tidewaterLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// GetLogger returns the named package logger. The custom factory is installed
// on first use.
func GetLogger(pkgName string) logger.ILogger {
	initFactory()
	return logger.GetLogger(pkgName)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var factoryInstalled = false

func initFactory() {
	if !factoryInstalled {
		logger.SetLoggerFactory(CreateLogger)
		factoryInstalled = true
	}
}

// pkgNames lists every logger used by this module
var pkgNames = []string{
	"adapter",
	"engine",
	"recovery",
	"backup",
	"keystore",
	"cmd",
}

// InitLoggers initializes all loggers with the custom format and the given level
func InitLoggers(level string) {
	initFactory()

	for _, name := range pkgNames {
		logger.GetLogger(name).SetLevel(ParseLogLevel(level))
	}
}
