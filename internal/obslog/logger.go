// Package obslog provides the engine's structured logging sink: a
// logrus.Logger wrapped with a run ID and a single mutex that serializes
// every write, so each log call is emitted whole even when concurrent
// workers log at once. Separate calls from one worker may still be
// interleaved with other workers' calls.
package obslog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ossforge/opforge/internal/opgraph"
)

// StructuredLogger implements opgraph.LogSink on top of logrus.
type StructuredLogger struct {
	logger  *logrus.Logger
	runID   string
	context map[string]interface{}

	mu sync.Mutex
}

// New creates a StructuredLogger writing JSON lines to output. If output is
// nil, logs go to stderr by default.
func New(runID string, output io.Writer, verbose bool) *StructuredLogger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if level := os.Getenv("OPFORGE_LOG_LEVEL"); level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(parsed)
		}
	}

	if output != nil {
		logger.SetOutput(output)
	}

	return &StructuredLogger{
		logger:  logger,
		runID:   runID,
		context: make(map[string]interface{}),
	}
}

// WithContext merges a key/value pair into every subsequent log entry, e.g.
// the plan file path for the whole run.
func (s *StructuredLogger) WithContext(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context[key] = value
}

func (s *StructuredLogger) entry(op *opgraph.Operation) *logrus.Entry {
	fields := logrus.Fields{
		"component": "opforge",
		"run_id":    s.runID,
	}
	for k, v := range s.context {
		fields[k] = v
	}
	if op != nil {
		fields["operation"] = op.Name
		if op.Key != "" {
			fields["key"] = op.Key
		}
	}
	return s.logger.WithFields(fields)
}

// WriteInfo implements opgraph.LogSink.
func (s *StructuredLogger) WriteInfo(op *opgraph.Operation, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(op).Info(msg)
}

// WriteWarning implements opgraph.LogSink.
func (s *StructuredLogger) WriteWarning(op *opgraph.Operation, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(op).Warn(msg)
}

// WriteError implements opgraph.LogSink.
func (s *StructuredLogger) WriteError(op *opgraph.Operation, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(op).Error(msg)
}

// WriteVerbose implements opgraph.LogSink.
func (s *StructuredLogger) WriteVerbose(op *opgraph.Operation, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(op).Debug(msg)
}

var _ opgraph.LogSink = (*StructuredLogger)(nil)
