// Package logging provides level-tagged logging on top of the standard
// library's log.Logger, logging with simple Printf-style calls at call
// sites rather than a structured-logging framework.
package logging

import (
	"log"
	"os"

	"github.com/fatih/color"
)

var (
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
)

// Logger tags messages with a level prefix before delegating to an
// embedded *log.Logger. Build one with New; the zero value has a nil
// *log.Logger and panics when it logs.
type Logger struct {
	*log.Logger
}

// Default is the package-level logger used by helper functions below.
var Default = New(log.New(os.Stderr, "", log.LstdFlags))

// New wraps an existing *log.Logger.
func New(l *log.Logger) *Logger {
	return &Logger{Logger: l}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Printf("info: "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Printf(warnColor.Sprintf("warn: ")+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Printf(errorColor.Sprintf("error: ")+format, args...)
}

// Infof, Warnf, Errorf log through Default.
func Infof(format string, args ...interface{})  { Default.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Default.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Default.Errorf(format, args...) }
