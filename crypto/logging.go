package crypto

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/katzenpost/hpqc/kem"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

// Logger carries the crypto package's standard log fields. With* methods
// return a new Logger and leave the receiver untouched.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger starts a logger for the named function.
func NewLogger(function string) *Logger {
	return &Logger{entry: logrus.WithFields(logrus.Fields{
		"function": function,
		"package":  "crypto",
	})}
}

func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithSuite records the KEM suite in use.
func (l *Logger) WithSuite(scheme kem.Scheme) *Logger {
	return l.WithField("suite", suiteName(scheme))
}

// WithError records err and the step that produced it.
func (l *Logger) WithError(err error, operation string) *Logger {
	return l.WithFields(logrus.Fields{
		"error":     err.Error(),
		"operation": operation,
	})
}

// WithCaller records the file and line of the code calling WithCaller.
func (l *Logger) WithCaller() *Logger {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return l
	}
	return l.WithField("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line))
}

// Fields returns the fields the next entry will carry.
func (l *Logger) Fields() logrus.Fields {
	return l.entry.Data
}

func (l *Logger) Debug(message string) { l.entry.Debug(message) }
func (l *Logger) Info(message string)  { l.entry.Info(message) }
func (l *Logger) Warn(message string)  { l.entry.Warn(message) }
func (l *Logger) Error(message string) { l.entry.Error(message) }

// Fingerprint describes bytes that must not appear in logs: their length and
// the first four bytes of their SHA3-256 digest.
func Fingerprint(name string, data []byte) logrus.Fields {
	if data == nil {
		return logrus.Fields{name + "_size": 0}
	}
	sum := sha3.Sum256(data)
	return logrus.Fields{
		name + "_fp":   hex.EncodeToString(sum[:4]),
		name + "_size": len(data),
	}
}
