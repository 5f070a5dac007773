package redislite

import (
	"time"
)

// loggerAdapter adapts our Logger interface to the server and replication
// package loggers
type loggerAdapter struct {
	logger Logger
}

func (la *loggerAdapter) Debug(msg string, fields ...interface{}) {
	la.logger.Debug(msg, convertFields(fields...)...)
}

func (la *loggerAdapter) Info(msg string, fields ...interface{}) {
	la.logger.Info(msg, convertFields(fields...)...)
}

func (la *loggerAdapter) Error(msg string, fields ...interface{}) {
	la.logger.Error(msg, convertFields(fields...)...)
}

func convertFields(fields ...interface{}) []Field {
	result := make([]Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			result = append(result, Field{
				Key:   key,
				Value: fields[i+1],
			})
		}
	}
	return result
}

// replicationMetrics adapts our MetricsCollector to replication.MetricsCollector
type replicationMetrics struct {
	metrics MetricsCollector
}

func (rm *replicationMetrics) RecordSyncDuration(duration time.Duration) {
	rm.metrics.RecordSyncDuration(duration)
}

func (rm *replicationMetrics) RecordError(errorType string) {
	rm.metrics.RecordError("replication_" + errorType)
}

// serverMetrics adapts our MetricsCollector to server.MetricsCollector
type serverMetrics struct {
	metrics MetricsCollector
}

func (sm *serverMetrics) RecordCommand(cmd string, duration time.Duration) {
	sm.metrics.RecordCommandProcessed(cmd, duration)
}

func (sm *serverMetrics) RecordConnection(open bool) {
	sm.metrics.RecordConnection(open)
}

func (sm *serverMetrics) RecordError(errorType string) {
	sm.metrics.RecordError("server_" + errorType)
}
