package qmdb

import "log"

// Logger is the injection seam for lifecycle messages: open, recovery,
// pruning, poisoning. None of the retrieved example engines for this class
// of embedded store pull in a structured logging library, so the default
// implementation wraps the standard library logger.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type stdLogger struct{}

func (stdLogger) Infof(format string, args ...interface{})  { log.Printf("INFO  "+format, args...) }
func (stdLogger) Warnf(format string, args ...interface{})  { log.Printf("WARN  "+format, args...) }
func (stdLogger) Errorf(format string, args ...interface{}) { log.Printf("ERROR "+format, args...) }

// NewStdLogger returns the default Logger, backed by the standard library
// "log" package.
func NewStdLogger() Logger { return stdLogger{} }
