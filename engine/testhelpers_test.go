package engine

import "github.com/ossforge/opforge/internal/opgraph"

// discardLogger implements opgraph.LogSink by dropping every line. It
// satisfies ExecutionManager's required Logger field in tests that don't
// assert on log output.
type discardLogger struct{}

func (discardLogger) WriteInfo(*opgraph.Operation, string)    {}
func (discardLogger) WriteWarning(*opgraph.Operation, string) {}
func (discardLogger) WriteError(*opgraph.Operation, string)   {}
func (discardLogger) WriteVerbose(*opgraph.Operation, string) {}

var _ opgraph.LogSink = discardLogger{}
